// Package tracker records the cloud resources created during a session and
// tears them down when the session ends.
package tracker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/fly-io/brkt/pkg/wait"
	"k8s.io/utils/clock"
)

// Kind is a resource kind.
type Kind string

const (
	Instance      Kind = "instance"
	Volume        Kind = "volume"
	Snapshot      Kind = "snapshot"
	SecurityGroup Kind = "security-group"
	Image         Kind = "image"
)

const (
	terminateTimeout  = 5 * time.Minute
	terminateInterval = 2 * time.Second
	// DefaultCleanupTimeout bounds a Scope's compensation pass after the
	// caller's context is gone.
	DefaultCleanupTimeout = 15 * time.Minute
	deleteRetries         = 5
)

// Tracker is the resource set of one session. It is safe for concurrent use
// although workflows drive it from a single goroutine.
type Tracker struct {
	svc     aws.Service
	session *session.Session
	clock   clock.Clock
	log     *slog.Logger
	retrier aws.Retrier

	cleanupTimeout time.Duration

	mu        sync.Mutex
	resources map[Kind][]string
	kept      map[string]bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the clock used while waiting for terminations.
func WithClock(clk clock.Clock) Option { return func(t *Tracker) { t.clock = clk } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(t *Tracker) { t.log = log } }

// WithRetrier sets the retry policy for deletions.
func WithRetrier(r aws.Retrier) Option { return func(t *Tracker) { t.retrier = r } }

// WithCleanupTimeout bounds the compensation pass run by Scope.
func WithCleanupTimeout(d time.Duration) Option { return func(t *Tracker) { t.cleanupTimeout = d } }

// New returns an empty tracker for the session.
func New(svc aws.Service, sess *session.Session, opts ...Option) *Tracker {
	t := &Tracker{
		svc:            svc,
		session:        sess,
		clock:          clock.RealClock{},
		log:            slog.Default(),
		cleanupTimeout: DefaultCleanupTimeout,
		resources:      map[Kind][]string{},
		kept:           map[string]bool{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retrier.Logger == nil {
		t.retrier.Logger = t.log
	}
	return t
}

// CleanupTimeout returns the bound on a Scope's compensation pass.
func (t *Tracker) CleanupTimeout() time.Duration { return t.cleanupTimeout }

// Session returns the session the tracker belongs to.
func (t *Tracker) Session() *session.Session { return t.session }

// Track records a resource for teardown. Empty and duplicate ids are
// ignored.
func (t *Tracker) Track(kind Kind, id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.resources[kind], id) {
		return
	}
	t.resources[kind] = append(t.resources[kind], id)
	t.log.Debug("resource_tracked", "kind", kind, "id", id, "session_id", t.session.ID)
}

// Forget drops a resource the workflow already disposed of.
func (t *Tracker) Forget(kind Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[kind] = slices.DeleteFunc(t.resources[kind], func(s string) bool { return s == id })
}

// Keep marks resources as outputs of the session. Kept resources are never
// deleted by Compensate or Sweep.
func (t *Tracker) Keep(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.kept[id] = true
	}
}

// Tracked returns the ids of a kind still awaiting teardown.
func (t *Tracker) Tracked(kind Kind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.resources[kind])
}

func (t *Tracker) pending(kind Kind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, id := range t.resources[kind] {
		if !t.kept[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Tracker) isKept(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kept[id]
}

// Scope runs fn and then Compensate, whatever fn returns. Compensation
// runs on a context detached from ctx cancellation so an interrupted run
// still cleans up.
func (t *Tracker) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cleanupTimeout)
		defer cancel()
		t.Compensate(cctx)
	}()
	return fn(ctx)
}

// Compensate deletes every tracked resource that is not kept, then sweeps
// for session-tagged resources that were never tracked.
// Failures are logged and never stop the pass; resources that could not
// be deleted stay tracked so a second call retries them.
func (t *Tracker) Compensate(ctx context.Context) {
	t.log.Info("cleanup_start", "session_id", t.session.ID)

	t.terminateInstances(ctx)

	t.deleteEach(ctx, Image, func(id string) error {
		return t.svc.DeregisterImage(ctx, id)
	})
	t.deleteEach(ctx, Snapshot, func(id string) error {
		return t.svc.DeleteSnapshot(ctx, id)
	})
	t.deleteEach(ctx, Volume, func(id string) error {
		return t.retrier.Do(ctx, deleteRetries, func() error {
			return t.svc.DeleteVolume(ctx, id)
		}, aws.RetryVolumeInUse)
	})
	t.deleteSecurityGroups(ctx)

	t.Sweep(ctx)
	t.log.Info("cleanup_complete", "session_id", t.session.ID)
}

func (t *Tracker) deleteSecurityGroups(ctx context.Context) {
	t.deleteEach(ctx, SecurityGroup, func(id string) error {
		return t.retrier.Do(ctx, deleteRetries, func() error {
			return t.svc.DeleteSecurityGroup(ctx, id)
		}, aws.RetryDependencyViolation)
	})
}

// adopt tracks the session-tagged instances and security groups that are
// still allocated, so a sweep tears them down like tracked ones.
func (t *Tracker) adopt(ctx context.Context) {
	insts, err := t.svc.GetInstancesByTag(ctx, session.TagSessionID, t.session.ID)
	if err != nil {
		t.log.Warn("sweep_instances_failed", "session_id", t.session.ID, "error", err)
	}
	for _, i := range insts {
		if i.State != aws.InstanceStateTerminated && !t.isKept(i.ID) {
			t.Track(Instance, i.ID)
		}
	}

	groups, err := t.svc.GetSecurityGroupsByTag(ctx, session.TagSessionID, t.session.ID)
	if err != nil {
		t.log.Warn("sweep_security_groups_failed", "session_id", t.session.ID, "error", err)
	}
	for _, id := range groups {
		if !t.isKept(id) {
			t.Track(SecurityGroup, id)
		}
	}
}

func (t *Tracker) terminateInstances(ctx context.Context) {
	var terminating []string
	for _, id := range t.pending(Instance) {
		t.log.Info("terminating_instance", "instance_id", id)
		err := t.svc.TerminateInstance(ctx, id)
		switch {
		case aws.IsNotFound(err):
			t.Forget(Instance, id)
		case err != nil:
			t.log.Warn("terminate_instance_failed", "instance_id", id, "error", err)
		default:
			terminating = append(terminating, id)
		}
	}

	// Volumes and security groups stay referenced until termination is
	// complete.
	for _, id := range terminating {
		err := wait.Until(ctx, t.clock, "instance "+id+" terminated", terminateTimeout, terminateInterval,
			func(ctx context.Context) (bool, error) {
				inst, err := t.svc.GetInstance(ctx, id)
				if aws.IsNotFound(err) {
					return true, nil
				}
				if err != nil {
					return false, err
				}
				return inst.State == aws.InstanceStateTerminated, nil
			})
		if err != nil {
			t.log.Warn("instance_termination_wait_failed", "instance_id", id, "error", err)
			continue
		}
		t.Forget(Instance, id)
	}
}

func (t *Tracker) deleteEach(ctx context.Context, kind Kind, del func(id string) error) {
	for _, id := range t.pending(kind) {
		err := del(id)
		if err != nil && !aws.IsNotFound(err) {
			t.log.Warn("cleanup_delete_failed", "kind", kind, "id", id, "error", err)
			continue
		}
		t.log.Debug("cleanup_deleted", "kind", kind, "id", id)
		t.Forget(kind, id)
	}
}

// Sweep tears down every session-tagged resource that is not kept, whether
// or not it was tracked. Instances are terminated first; security groups go
// last.
func (t *Tracker) Sweep(ctx context.Context) {
	t.adopt(ctx)
	t.terminateInstances(ctx)

	vols, err := t.svc.GetVolumesByTag(ctx, session.TagSessionID, t.session.ID)
	if err != nil {
		t.log.Warn("sweep_volumes_failed", "session_id", t.session.ID, "error", err)
	}
	for _, v := range vols {
		if t.isKept(v.ID) || v.State == aws.VolumeStateDeleting || v.State == aws.VolumeStateDeleted {
			continue
		}
		t.log.Info("sweep_deleting_volume", "volume_id", v.ID)
		if err := t.svc.DeleteVolume(ctx, v.ID); err != nil && !aws.IsNotFound(err) {
			t.log.Warn("sweep_delete_volume_failed", "volume_id", v.ID, "error", err)
			continue
		}
		t.Forget(Volume, v.ID)
	}

	snaps, err := t.svc.GetSnapshotsByTag(ctx, session.TagSessionID, t.session.ID)
	if err != nil {
		t.log.Warn("sweep_snapshots_failed", "session_id", t.session.ID, "error", err)
	}
	for _, s := range snaps {
		if t.isKept(s.ID) {
			continue
		}
		t.log.Info("sweep_deleting_snapshot", "snapshot_id", s.ID)
		if err := t.svc.DeleteSnapshot(ctx, s.ID); err != nil && !aws.IsNotFound(err) {
			t.log.Warn("sweep_delete_snapshot_failed", "snapshot_id", s.ID, "error", err)
			continue
		}
		t.Forget(Snapshot, s.ID)
	}

	t.deleteSecurityGroups(ctx)
}
