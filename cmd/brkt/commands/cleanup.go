package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/brkt/internal/config"
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/sweep"
	"github.com/spf13/cobra"
)

var (
	cleanupSession string
	cleanupFailed  bool
	cleanupForce   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete cloud resources left behind by recorded sessions",
	Long: `Delete the helper instances, volumes, disks and snapshots tagged with a
session id. A completed session keeps its image and the snapshots behind it.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupSession, "session", "", "Session to clean up")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Clean up every failed session")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Also clean up sessions still recorded as pending or running")
	cleanupCmd.MarkFlagsMutuallyExclusive("session", "failed")
	cleanupCmd.MarkFlagsOneRequired("session", "failed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var targets []*db.Session
	if cleanupSession != "" {
		rec, err := repo.Get(ctx, cleanupSession)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.Validationf("session %s not found", cleanupSession)
		}
		targets = append(targets, rec)
	} else {
		targets, err = repo.List(ctx, db.StatusFailed)
		if err != nil {
			return err
		}
	}

	fmt.Printf("🧹 Cleaning up %d sessions...\n", len(targets))

	var errs []error
	for _, rec := range targets {
		if sweep.Active(rec) && !cleanupForce {
			errs = append(errs, errors.Validationf("session %s is %s, use --force to clean it up", rec.SessionID, rec.Status))
			continue
		}
		if err := cleanupOne(ctx, cfg, repo, rec); err != nil {
			slog.Error("cleanup_failed", "session_id", rec.SessionID, "error", err)
			errs = append(errs, err)
			continue
		}
		fmt.Printf("  ✓ %s\n", rec.SessionID)
	}
	slog.Info("cleanup_done", "sessions", len(targets), "failures", len(errs))
	return errors.Join(errs...)
}

func cleanupOne(ctx context.Context, cfg *config.Config, repo *db.Repository, rec *db.Session) error {
	ctx, cancel := context.WithTimeout(ctx, sweep.DefaultTimeout)
	defer cancel()
	log := slog.Default().With("session_id", rec.SessionID)

	switch rec.Provider {
	case db.ProviderAWS:
		svc, err := aws.NewEC2(ctx, rec.Location)
		if err != nil {
			return errors.Wrap(err, "EC2 client failed")
		}
		if _, err := sweep.AWS(ctx, svc, rec, log); err != nil {
			return err
		}
	case db.ProviderGCE:
		if err := cfg.ValidateGCE(); err != nil {
			return err
		}
		svc, err := gce.NewCompute(ctx, cfg.GCEProject)
		if err != nil {
			return errors.Wrap(err, "Compute Engine client failed")
		}
		if _, err := sweep.GCE(ctx, svc, rec.Location, rec, log); err != nil {
			return err
		}
	default:
		return errors.Validationf("session %s has unknown provider %q", rec.SessionID, rec.Provider)
	}
	return sweep.MarkCleaned(ctx, repo, rec)
}
