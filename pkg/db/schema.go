package db

// Schema defines the SQLite schema for the session history. One row per
// workflow run, keyed by the session nonce that tags its cloud resources.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL CHECK(provider IN ('aws', 'gce')),
    workflow TEXT NOT NULL CHECK(workflow IN ('encrypt', 'update')),
    location TEXT NOT NULL,
    guest_image TEXT NOT NULL,
    encryptor_image TEXT NOT NULL,
    image_name TEXT,
    image_id TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'complete', 'failed', 'cleaned')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Status constants
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	// StatusCleaned marks a failed session whose leftovers were swept.
	StatusCleaned = "cleaned"
)

// Providers
const (
	ProviderAWS = "aws"
	ProviderGCE = "gce"
)

// Workflows
const (
	WorkflowEncrypt = "encrypt"
	WorkflowUpdate  = "update"
)

// Session is the record of one workflow run.
type Session struct {
	ID        int64  `json:"-" yaml:"-"`
	SessionID string `json:"session_id" yaml:"session_id"`
	Provider  string `json:"provider" yaml:"provider"`
	Workflow  string `json:"workflow" yaml:"workflow"`
	// Location is the AWS region or the GCE zone.
	Location       string `json:"location" yaml:"location"`
	GuestImage     string `json:"guest_image" yaml:"guest_image"`
	EncryptorImage string `json:"encryptor_image" yaml:"encryptor_image"`
	ImageName      string `json:"image_name,omitempty" yaml:"image_name,omitempty"`
	ImageID        string `json:"image_id,omitempty" yaml:"image_id,omitempty"`
	Status         string `json:"status" yaml:"status"`
	ErrorMessage   string `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt      string `json:"created_at" yaml:"created_at"`
	UpdatedAt      string `json:"updated_at" yaml:"updated_at"`
}
