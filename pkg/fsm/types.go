package fsm

// SessionRequest is the FSM input
type SessionRequest struct {
	SessionID      string
	Provider       string
	Workflow       string
	Location       string
	GuestImage     string
	EncryptorImage string
}

// SessionResponse is the FSM output (accumulated across transitions)
type SessionResponse struct {
	// From Preflight
	ImageName string

	// From Run
	ImageID string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StatePreflight = "preflight"
	StateRun       = "run"
	StateComplete  = "complete"
	StateFailed    = "failed"
)
