package fsm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

type fakeJob struct {
	sess        *session.Session
	validateErr error
	runErr      error
	runs        int
	// onRun runs inside Run, which then waits for ctx to be cancelled.
	onRun func()
}

func (j *fakeJob) Session() *session.Session { return j.sess }

func (j *fakeJob) Validate(ctx context.Context) error { return j.validateErr }

func (j *fakeJob) Run(ctx context.Context) (string, error) {
	j.runs++
	if j.onRun != nil {
		j.onRun()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "", errors.New("run context was not cancelled")
		}
	}
	if j.runErr != nil {
		return "", j.runErr
	}
	return "ami-result", nil
}

func (j *fakeJob) ImageName() string { return "centos (encrypted " + j.sess.ID + ")" }

func newMachine(t *testing.T) (*Machine, *db.Repository) {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewMachine(repo, 3), repo
}

func request(job *fakeJob) *fsm.Request[SessionRequest, SessionResponse] {
	return fsm.NewRequest(&SessionRequest{
		SessionID:      job.sess.ID,
		Provider:       db.ProviderAWS,
		Workflow:       db.WorkflowEncrypt,
		Location:       "us-west-2",
		GuestImage:     "ami-guest",
		EncryptorImage: "ami-avatar",
	}, &SessionResponse{})
}

func TestPreflightAndRun(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()
	job := &fakeJob{sess: session.New("ami-avatar")}
	m.add(ctx, job)
	req := request(job)

	_, err := m.handlePreflight(ctx, req)
	require.NoError(t, err)

	rec, err := repo.Get(ctx, job.sess.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, db.StatusPending, rec.Status)
	assert.Equal(t, job.ImageName(), rec.ImageName)

	_, err = m.handleRun(ctx, req)
	require.NoError(t, err)
	_, err = m.handleComplete(ctx, req)
	require.NoError(t, err)

	rec, err = repo.Get(ctx, job.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusComplete, rec.Status)
	assert.Equal(t, "ami-result", rec.ImageID)
	assert.Equal(t, 1, job.runs)
	assert.NoError(t, m.Err(job.sess.ID))
}

func TestPreflightFailureIsRecorded(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()
	job := &fakeJob{sess: session.New("ami-avatar"), validateErr: errors.Validationf("image ami-guest does not exist")}
	m.add(ctx, job)

	_, err := m.handlePreflight(ctx, request(job))
	require.Error(t, err)

	rec, err := repo.Get(ctx, job.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, rec.Status)
	assert.Equal(t, "image ami-guest does not exist", rec.ErrorMessage)
	assert.True(t, errors.IsValidation(m.Err(job.sess.ID)))
}

func TestRunFailureKeepsWorkflowError(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()
	job := &fakeJob{sess: session.New("ami-avatar"), runErr: errors.NewSnapshotError("snap-3")}
	m.add(ctx, job)
	req := request(job)

	_, err := m.handlePreflight(ctx, req)
	require.NoError(t, err)
	_, err = m.handleRun(ctx, req)
	require.Error(t, err)

	var snapErr *errors.SnapshotError
	require.True(t, errors.As(m.Err(job.sess.ID), &snapErr))
	assert.Equal(t, []string{"snap-3"}, snapErr.SnapshotIDs)

	rec, err := repo.Get(ctx, job.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, rec.Status)
}

func TestUnknownSessionAborts(t *testing.T) {
	m, _ := newMachine(t)
	job := &fakeJob{sess: session.New("ami-avatar")}

	_, err := m.handlePreflight(context.Background(), request(job))
	assert.ErrorContains(t, err, "not resumable")
}

func TestRunFollowsCallerCancellation(t *testing.T) {
	m, _ := newMachine(t)
	caller, cancel := context.WithCancel(context.Background())
	job := &fakeJob{sess: session.New("ami-avatar"), onRun: cancel}
	m.add(caller, job)
	req := request(job)

	_, err := m.handlePreflight(context.Background(), req)
	require.NoError(t, err)
	_, err = m.handleRun(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, m.Err(job.sess.ID), context.Canceled)
}
