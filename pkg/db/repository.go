package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/fly-io/brkt/pkg/errors"
	_ "modernc.org/sqlite"
)

const sessionColumns = `id, session_id, provider, workflow, location, guest_image, encryptor_image,
       image_name, image_id, status, error_message, created_at, updated_at`

// Repository provides database operations for sessions
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database at dbPath and creates the schema.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new session record
func (r *Repository) Create(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (session_id, provider, workflow, location, guest_image, encryptor_image,
		                      image_name, image_id, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.Provider, s.Workflow, s.Location, s.GuestImage, s.EncryptorImage,
		s.ImageName, s.ImageID, s.Status, s.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "session_id", s.SessionID, "error", err)
		return errors.Wrap(err, "failed to insert session")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	s.ID = id

	slog.Debug("database_session_created", "session_id", s.SessionID, "status", s.Status)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var imageName, imageID, errorMessage sql.NullString
	err := row.Scan(
		&s.ID, &s.SessionID, &s.Provider, &s.Workflow, &s.Location, &s.GuestImage, &s.EncryptorImage,
		&imageName, &imageID, &s.Status, &errorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ImageName = imageName.String
	s.ImageID = imageID.String
	s.ErrorMessage = errorMessage.String
	return &s, nil
}

// Get retrieves a session by its nonce. It returns nil when there is none.
func (r *Repository) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", sessionID, "error", err)
		return nil, errors.Wrap(err, "failed to query session")
	}
	return s, nil
}

// UpdateStatus updates the status and error message of a session
func (r *Repository) UpdateStatus(ctx context.Context, sessionID, status, errorMessage string) error {
	query := `UPDATE sessions SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`
	return r.exec(ctx, query, sessionID, status, errorMessage, sessionID)
}

// SetImageName records the name chosen for the new image.
func (r *Repository) SetImageName(ctx context.Context, sessionID, name string) error {
	query := `UPDATE sessions SET image_name = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`
	return r.exec(ctx, query, sessionID, name, sessionID)
}

// Complete marks a session complete with the id of the image it built.
func (r *Repository) Complete(ctx context.Context, sessionID, imageID string) error {
	query := `UPDATE sessions SET status = ?, image_id = ?, error_message = '', updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`
	return r.exec(ctx, query, sessionID, StatusComplete, imageID, sessionID)
}

func (r *Repository) exec(ctx context.Context, query, sessionID string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_update_failed", "session_id", sessionID, "error", err)
		return errors.Wrap(err, "failed to update session")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Errorf("session not found: %s", sessionID)
	}
	slog.Debug("database_session_updated", "session_id", sessionID)
	return nil
}

// List retrieves sessions, newest first. A non-empty status filters them.
func (r *Repository) List(ctx context.Context, status string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "session_count", len(sessions))
	return sessions, nil
}

// Delete deletes a session record
func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		slog.Error("database_delete_failed", "session_id", sessionID, "error", err)
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}
