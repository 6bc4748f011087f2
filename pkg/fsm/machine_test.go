package fsm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

// interruptedJob runs until cancelled, then spends a while compensating.
type interruptedJob struct {
	sess        *session.Session
	running     chan struct{}
	compensated atomic.Bool
}

func (j *interruptedJob) Session() *session.Session { return j.sess }

func (j *interruptedJob) Validate(ctx context.Context) error { return nil }

func (j *interruptedJob) Run(ctx context.Context) (string, error) {
	close(j.running)
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		return "", errors.New("run context was not cancelled")
	}
	time.Sleep(300 * time.Millisecond)
	j.compensated.Store(true)
	return "", errors.Wrap(ctx.Err(), "interrupted")
}

func (j *interruptedJob) ImageName() string { return "centos (encrypted " + j.sess.ID + ")" }

func TestExecute_InterruptWaitsForCompensation(t *testing.T) {
	m, _ := newMachine(t)
	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(time.Second) })

	start, _, err := m.Register(context.Background(), manager)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := &interruptedJob{sess: session.New("ami-avatar"), running: make(chan struct{})}
	go func() {
		<-job.running
		cancel()
	}()

	rec, err := m.Execute(ctx, manager, start, job, &SessionRequest{
		Provider:       db.ProviderAWS,
		Workflow:       db.WorkflowEncrypt,
		Location:       "us-west-2",
		GuestImage:     "ami-guest",
		EncryptorImage: "ami-avatar",
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, job.compensated.Load(), "Execute returned before the workflow compensated")

	require.NotNil(t, rec)
	assert.Equal(t, db.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "interrupted")
}

func TestHandleRun_SecondAttemptAborts(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	job := &fakeJob{sess: session.New("ami-avatar")}
	m.add(ctx, job)
	req := request(job)

	_, err := m.handlePreflight(ctx, req)
	require.NoError(t, err)
	_, err = m.handleRun(ctx, req)
	require.NoError(t, err)

	_, err = m.handleRun(ctx, req)
	assert.ErrorContains(t, err, "already ran")
	assert.Equal(t, 1, job.runs)
}
