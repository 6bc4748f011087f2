package tracker

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/aws/awstest"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fixture struct {
	cloud   *awstest.Cloud
	sess    *session.Session
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cloud := awstest.New()
	sess := &session.Session{ID: "deadbeef", EncryptorImage: "ami-encryptor"}
	tr := New(cloud, sess,
		WithClock(testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetrier(aws.Retrier{BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} }}),
	)
	return &fixture{cloud: cloud, sess: sess, tracker: tr}
}

// launch starts an instance in a fresh security group, tracking both. The
// root volume survives termination so only the sweep can remove it.
func (f *fixture) launch(t *testing.T) *aws.Instance {
	t.Helper()
	ctx := context.Background()

	img := f.cloud.AddImage(&aws.Image{
		Name:           "guest",
		RootDeviceName: "/dev/sda1",
		BlockDevices:   []aws.BlockDevice{{DeviceName: "/dev/sda1", Size: 8}},
	})
	sg, err := f.cloud.CreateSecurityGroup(ctx, "Bracket Encryptor deadbeef", "test", "vpc-1", f.sess.DefaultTags())
	require.NoError(t, err)
	f.tracker.Track(SecurityGroup, sg)

	inst, err := f.cloud.RunInstance(ctx, aws.RunInstanceInput{
		ImageID:          img.ID,
		SecurityGroupIDs: []string{sg},
		Tags:             f.sess.DefaultTags(),
	})
	require.NoError(t, err)
	f.tracker.Track(Instance, inst.ID)
	return inst
}

func TestCompensate_RemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t)

	snap, err := f.cloud.CreateSnapshot(ctx, inst.BlockDevices["/dev/sda1"], "root", f.sess.DefaultTags())
	require.NoError(t, err)
	f.tracker.Track(Snapshot, snap.ID)

	f.tracker.Compensate(ctx)

	assert.Empty(t, f.cloud.Live(f.sess.ID))
	assert.Empty(t, f.tracker.Tracked(Instance))
	assert.Empty(t, f.tracker.Tracked(SecurityGroup))
}

func TestCompensate_TerminatesBeforeDeleting(t *testing.T) {
	f := newFixture(t)
	f.launch(t)

	f.tracker.Compensate(context.Background())

	calls := f.cloud.Calls()
	terminate := slices.Index(calls, "TerminateInstance")
	deleteSG := slices.Index(calls, "DeleteSecurityGroup")
	deleteVol := slices.Index(calls, "DeleteVolume")
	require.NotEqual(t, -1, terminate)
	require.NotEqual(t, -1, deleteSG)
	require.NotEqual(t, -1, deleteVol)
	assert.Less(t, terminate, deleteSG)
	assert.Less(t, terminate, deleteVol)
	assert.Less(t, slices.Index(calls, "GetInstance"), deleteSG, "termination is observed before the group goes")
}

func TestCompensate_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.launch(t)

	f.tracker.Compensate(context.Background())
	first := f.cloud.Live(f.sess.ID)
	f.tracker.Compensate(context.Background())

	assert.Empty(t, first)
	assert.Empty(t, f.cloud.Live(f.sess.ID))
}

func TestCompensate_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t)

	snap, err := f.cloud.CreateSnapshot(ctx, inst.BlockDevices["/dev/sda1"], "root", nil)
	require.NoError(t, err)
	f.tracker.Track(Snapshot, snap.ID)
	f.cloud.Fail("DeleteSnapshot", awstest.APIError("InternalError", "try later"))

	f.tracker.Compensate(ctx)

	assert.Equal(t, []string{snap.ID}, f.tracker.Tracked(Snapshot), "failed deletion stays tracked")
	assert.Empty(t, f.tracker.Tracked(SecurityGroup), "later steps still ran")
	assert.Contains(t, f.cloud.Snapshots, snap.ID)

	f.tracker.Compensate(ctx)
	assert.Empty(t, f.tracker.Tracked(Snapshot))
	assert.NotContains(t, f.cloud.Snapshots, snap.ID)
}

func TestCompensate_NotFoundCountsAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.tracker.Track(Instance, "i-gone")
	f.tracker.Track(Volume, "vol-gone")
	f.tracker.Track(Snapshot, "snap-gone")

	f.tracker.Compensate(context.Background())

	assert.Empty(t, f.tracker.Tracked(Instance))
	assert.Empty(t, f.tracker.Tracked(Volume))
	assert.Empty(t, f.tracker.Tracked(Snapshot))
}

func TestSweep_SkipsKeptResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t)
	volID := inst.BlockDevices["/dev/sda1"]

	kept, err := f.cloud.CreateSnapshot(ctx, volID, "result", f.sess.DefaultTags())
	require.NoError(t, err)
	orphan, err := f.cloud.CreateSnapshot(ctx, volID, "never tracked", f.sess.DefaultTags())
	require.NoError(t, err)
	f.tracker.Track(Snapshot, kept.ID)
	f.tracker.Keep(kept.ID)

	f.tracker.Compensate(ctx)

	assert.Equal(t, []string{kept.ID}, f.cloud.Live(f.sess.ID))
	assert.NotContains(t, f.cloud.Snapshots, orphan.ID)
	assert.NotContains(t, f.cloud.Volumes, volID, "untracked session volume swept")
}

func TestSweep_AdoptsUntrackedInstancesAndGroups(t *testing.T) {
	f := newFixture(t)
	inst := f.launch(t)
	// a fresh tracker has lost every in-memory reference
	lost := New(f.cloud, f.sess,
		WithClock(testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetrier(aws.Retrier{BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} }}),
	)

	lost.Sweep(context.Background())

	assert.Empty(t, f.cloud.Live(f.sess.ID))
	assert.Equal(t, aws.InstanceStateTerminated, f.cloud.Instances[inst.ID].State)
	assert.Empty(t, lost.Tracked(Instance))
	assert.Empty(t, lost.Tracked(SecurityGroup))

	calls := f.cloud.Calls()
	assert.Less(t, slices.Index(calls, "TerminateInstance"), slices.Index(calls, "DeleteVolume"))
	assert.Less(t, slices.Index(calls, "TerminateInstance"), slices.Index(calls, "DeleteSecurityGroup"))
}

func TestScope_CompensatesOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := f.tracker.Scope(ctx, func(ctx context.Context) error {
		f.launch(t)
		cancel()
		return errors.Wrap(ctx.Err(), "interrupted")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.cloud.Live(f.sess.ID))
}

func TestNew_RetrierInheritsLogger(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(awstest.New(), session.New("ami-x"), WithLogger(log))
	assert.Same(t, log, tr.retrier.Logger)

	own := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr = New(awstest.New(), session.New("ami-x"), WithLogger(log), WithRetrier(aws.Retrier{Logger: own}))
	assert.Same(t, own, tr.retrier.Logger)
}
