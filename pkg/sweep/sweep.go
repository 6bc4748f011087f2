// Package sweep removes what a recorded session left behind in the cloud.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/fly-io/brkt/pkg/tracker"
)

// DefaultTimeout bounds the sweep of one session.
const DefaultTimeout = 10 * time.Minute

// Result reports the sweep of one session.
type Result struct {
	SessionID string
	// Kept names the resources of a completed session's image.
	Kept []string
}

func sessionOf(rec *db.Session) *session.Session {
	return &session.Session{ID: rec.SessionID, EncryptorImage: rec.EncryptorImage}
}

// AWS tears down the session-tagged instances, volumes, snapshots and
// security groups of rec. The snapshots backing a completed session's image
// are kept.
func AWS(ctx context.Context, svc aws.Service, rec *db.Session, log *slog.Logger) (*Result, error) {
	if rec.Provider != db.ProviderAWS {
		return nil, errors.Validationf("session %s is a %s session", rec.SessionID, rec.Provider)
	}
	if log == nil {
		log = slog.Default()
	}
	res := &Result{SessionID: rec.SessionID}
	t := tracker.New(svc, sessionOf(rec), tracker.WithLogger(log))

	if rec.Status == db.StatusComplete && rec.ImageID != "" {
		img, err := svc.GetImage(ctx, rec.ImageID)
		switch {
		case aws.IsNotFound(err):
			log.Warn("sweep_image_gone", "session_id", rec.SessionID, "image_id", rec.ImageID)
		case err != nil:
			return nil, errors.Wrapf(err, "failed to look up image %s", rec.ImageID)
		default:
			for _, bd := range img.BlockDevices {
				if bd.SnapshotID != "" {
					res.Kept = append(res.Kept, bd.SnapshotID)
				}
			}
			t.Keep(res.Kept...)
		}
	}

	log.Info("sweep_start", "session_id", rec.SessionID, "provider", rec.Provider, "kept", res.Kept)
	t.Sweep(ctx)
	return res, nil
}

// GCE deletes the session-labelled instances, disks, snapshots and images
// of rec in zone. A completed session keeps its image and snapshot.
func GCE(ctx context.Context, svc gce.Service, zone string, rec *db.Session, log *slog.Logger) (*Result, error) {
	if rec.Provider != db.ProviderGCE {
		return nil, errors.Validationf("session %s is a %s session", rec.SessionID, rec.Provider)
	}
	res := &Result{SessionID: rec.SessionID}
	if rec.Status == db.StatusComplete && rec.ImageName != "" {
		res.Kept = []string{rec.ImageName}
	}
	if err := gce.Cleanup(ctx, svc, zone, sessionOf(rec).Labels(), log, res.Kept...); err != nil {
		return res, errors.Wrapf(err, "cleanup of session %s incomplete", rec.SessionID)
	}
	return res, nil
}

// Active reports whether rec may still have a workflow running.
func Active(rec *db.Session) bool {
	return rec.Status == db.StatusPending || rec.Status == db.StatusRunning
}

// MarkCleaned records a swept failed session as cleaned. Other sessions keep
// their status.
func MarkCleaned(ctx context.Context, repo *db.Repository, rec *db.Session) error {
	if rec.Status != db.StatusFailed {
		return nil
	}
	return repo.UpdateStatus(ctx, rec.SessionID, db.StatusCleaned, rec.ErrorMessage)
}
