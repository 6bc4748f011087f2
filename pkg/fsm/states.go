package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/superfly/fsm"
)

// Job is a workflow run driven by the machine.
type Job interface {
	Session() *session.Session
	Validate(ctx context.Context) error
	Run(ctx context.Context) (string, error)
	ImageName() string
}

type entry struct {
	job Job
	// ctx is the caller's context. Interrupts cancel it, and the handlers
	// forward that to the workflow.
	ctx context.Context
	err error
	// started is set once Run begins; done is closed when it has returned
	// and the outcome is recorded.
	started bool
	done    chan struct{}
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	maxRetries int

	mu   sync.Mutex
	jobs map[string]*entry
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(repo *db.Repository, maxRetries int) *Machine {
	return &Machine{
		repo:       repo,
		maxRetries: maxRetries,
		jobs:       map[string]*entry{},
	}
}

func (m *Machine) add(ctx context.Context, job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.Session().ID] = &entry{job: job, ctx: ctx, done: make(chan struct{})}
}

// begin marks the run of e as started. It reports false when the run was
// already attempted.
func (m *Machine) begin(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.started {
		return false
	}
	e.started = true
	return true
}

// awaitRun blocks until a started run of e has returned. A run that never
// started has created nothing to wait for.
func (m *Machine) awaitRun(e *entry) {
	m.mu.Lock()
	started := e.started
	m.mu.Unlock()
	if started {
		<-e.done
	}
}

func (m *Machine) lookup(sessionID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[sessionID]
	return e, ok
}

// Err returns the workflow error of a session, if any.
func (m *Machine) Err(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[sessionID]; ok {
		return e.err
	}
	return nil
}

func (m *Machine) fail(ctx context.Context, e *entry, sessionID string, err error) error {
	m.mu.Lock()
	e.err = err
	m.mu.Unlock()

	// The outcome is recorded even when the run was interrupted.
	if uerr := m.repo.UpdateStatus(context.WithoutCancel(ctx), sessionID, db.StatusFailed, err.Error()); uerr != nil {
		slog.Error("status_update_failed", "session_id", sessionID, "status", db.StatusFailed, "error", uerr)
	}
	return fsm.Abort(err)
}

// jobContext returns ctx, cancelled as well when the caller's context is.
func jobContext(ctx context.Context, e *entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Machine) checkRetries(ctx context.Context, sessionID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "session_id", sessionID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handlePreflight records the session and runs the pre-flight checks. No
// cloud resources exist yet, so a failure needs no compensation.
func (m *Machine) handlePreflight(ctx context.Context, req *fsm.Request[SessionRequest, SessionResponse]) (*fsm.Response[SessionResponse], error) {
	sid := req.Msg.SessionID
	slog.Info("fsm_state_preflight", "session_id", sid, "workflow", req.Msg.Workflow)

	if err := m.checkRetries(ctx, sid); err != nil {
		return nil, err
	}

	e, ok := m.lookup(sid)
	if !ok {
		// Jobs live in memory; a run resumed by another process has
		// nothing to drive.
		return nil, fsm.Abort(fmt.Errorf("session %s is not resumable", sid))
	}

	rec, err := m.repo.Get(ctx, sid)
	if err != nil {
		return nil, errors.Wrap(err, "database error")
	}
	if rec == nil {
		rec = &db.Session{
			SessionID:      sid,
			Provider:       req.Msg.Provider,
			Workflow:       req.Msg.Workflow,
			Location:       req.Msg.Location,
			GuestImage:     req.Msg.GuestImage,
			EncryptorImage: req.Msg.EncryptorImage,
			Status:         db.StatusPending,
		}
		if err := m.repo.Create(ctx, rec); err != nil {
			slog.Error("create_session_failed", "session_id", sid, "error", err)
			return nil, errors.Wrap(err, "failed to create session record")
		}
	}

	jctx, cancel := jobContext(ctx, e)
	defer cancel()
	if err := e.job.Validate(jctx); err != nil {
		slog.Error("preflight_failed", "session_id", sid, "error", err)
		return nil, m.fail(ctx, e, sid, err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &SessionResponse{}
	}
	resp.ImageName = e.job.ImageName()
	if err := m.repo.SetImageName(ctx, sid, resp.ImageName); err != nil {
		return nil, errors.Wrap(err, "failed to record image name")
	}
	return fsm.NewResponse(resp), nil
}

// handleRun runs the workflow. Workflows compensate their own failures, and
// a second attempt would create a second set of resources, so every failure
// aborts.
func (m *Machine) handleRun(ctx context.Context, req *fsm.Request[SessionRequest, SessionResponse]) (*fsm.Response[SessionResponse], error) {
	sid := req.Msg.SessionID
	slog.Info("fsm_state_run", "session_id", sid)

	e, ok := m.lookup(sid)
	if !ok {
		return nil, fsm.Abort(fmt.Errorf("session %s is not resumable", sid))
	}
	if err := m.repo.UpdateStatus(ctx, sid, db.StatusRunning, ""); err != nil {
		slog.Error("status_update_failed", "session_id", sid, "status", db.StatusRunning, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}

	if !m.begin(e) {
		return nil, fsm.Abort(fmt.Errorf("session %s already ran", sid))
	}
	defer close(e.done)

	jctx, cancel := jobContext(ctx, e)
	defer cancel()
	id, err := e.job.Run(jctx)
	if err != nil {
		return nil, m.fail(ctx, e, sid, err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &SessionResponse{}
	}
	resp.ImageID = id
	if err := m.repo.Complete(context.WithoutCancel(ctx), sid, id); err != nil {
		slog.Error("status_update_failed", "session_id", sid, "status", db.StatusComplete, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to record result"))
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[SessionRequest, SessionResponse]) (*fsm.Response[SessionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &SessionResponse{}
	}
	resp.Status = db.StatusComplete
	slog.Info("fsm_complete", "session_id", req.Msg.SessionID, "image_id", resp.ImageID)
	return fsm.NewResponse(resp), nil
}
