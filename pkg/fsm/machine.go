// Package fsm runs encryption workflows as superfly/fsm sessions. Each run
// moves through preflight, run and complete, and its progress is recorded in
// the session history.
package fsm

import (
	"context"
	"log/slog"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the session FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[SessionRequest, SessionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[SessionRequest, SessionResponse](manager, "encryption-session").
		Start(StatePreflight, m.handlePreflight).
		To(StateRun, m.handleRun).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Execute starts job as a session and waits for it. It returns the final
// session record and, on failure, the workflow's own error. When ctx is
// cancelled mid-run, Execute still waits for the workflow to compensate and
// return.
func (m *Machine) Execute(ctx context.Context, manager *fsm.Manager, start fsm.Start[SessionRequest, SessionResponse], job Job, req *SessionRequest) (*db.Session, error) {
	req.SessionID = job.Session().ID
	m.add(ctx, job)
	e, _ := m.lookup(req.SessionID)

	version, err := start(ctx, req.SessionID, fsm.NewRequest(req, &SessionResponse{}))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}
	slog.Debug("fsm_started", "session_id", req.SessionID, "version", version)

	waitErr := manager.Wait(ctx, version)
	if waitErr != nil {
		slog.Info("fsm_wait_interrupted", "session_id", req.SessionID, "error", waitErr)
		m.awaitRun(e)
	}

	// The record outlives the caller's context.
	rec, err := m.repo.Get(context.WithoutCancel(ctx), req.SessionID)
	if err != nil {
		return nil, err
	}
	if jobErr := m.Err(req.SessionID); jobErr != nil {
		return rec, jobErr
	}
	if waitErr != nil {
		return rec, errors.Wrap(waitErr, "FSM execution failed")
	}
	return rec, nil
}
