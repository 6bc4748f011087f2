// Package agent talks to the status endpoint of the encryption agent running
// on a helper instance.
package agent

import "fmt"

// DefaultPort is the well-known agent status port.
const DefaultPort = 8000

// Failure codes reported by the agent.
const (
	FailureCodeUnsupportedGuest  = "unsupported_guest"
	FailureCodeAWSPermissions    = "insufficient_aws_permissions"
	FailureCodeInvalidNTPServers = "invalid ntp servers"
)

// State is the normalized encryption state.
type State string

const (
	StateNotStarted State = "not-started"
	StateInProgress State = "in-progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Status is a single observation of encryption progress.
type Status struct {
	State           State
	PercentComplete int
	FailureCode     string
}

// statusResponse is the JSON body served by the agent. Older agents report
// byte counters instead of a percentage.
type statusResponse struct {
	State           string `json:"state"`
	PercentComplete *int   `json:"percent_complete,omitempty"`
	BytesWritten    int64  `json:"bytes_written,omitempty"`
	BytesTotal      int64  `json:"bytes_total,omitempty"`
	FailureCode     string `json:"failure_code,omitempty"`
}

func parseState(s string) (State, error) {
	switch s {
	case "initial", string(StateNotStarted):
		return StateNotStarted, nil
	case "downloading", "encrypting", string(StateInProgress):
		return StateInProgress, nil
	case "finished", string(StateSucceeded):
		return StateSucceeded, nil
	case "failed":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("unknown encryption state %q", s)
	}
}

func (r *statusResponse) toStatus() (*Status, error) {
	state, err := parseState(r.State)
	if err != nil {
		return nil, err
	}

	status := &Status{State: state, FailureCode: r.FailureCode}
	switch {
	case state == StateSucceeded:
		status.PercentComplete = 100
	case state == StateFailed:
		status.PercentComplete = 0
	case r.PercentComplete != nil:
		status.PercentComplete = *r.PercentComplete
	case r.BytesTotal > 0:
		status.PercentComplete = int(100 * float64(r.BytesWritten) / float64(r.BytesTotal))
	}

	if status.PercentComplete < 0 {
		status.PercentComplete = 0
	}
	if status.PercentComplete > 100 {
		status.PercentComplete = 100
	}
	return status, nil
}
