// Package output formats the session history for the list command.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format represents an output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// Formatter formats session records.
type Formatter interface {
	FormatSessions(sessions []*db.Session) (string, error)
}

// NewFormatter returns the Formatter for format.
func NewFormatter(format string) (Formatter, error) {
	switch Format(format) {
	case FormatTable:
		return TableFormatter{}, nil
	case FormatYAML:
		return YAMLFormatter{}, nil
	case FormatJSON:
		return JSONFormatter{}, nil
	default:
		return nil, errors.Validationf("unsupported output format: %s (supported: table, yaml, json)", format)
	}
}

// TableFormatter formats sessions as a human-readable table.
type TableFormatter struct{}

func (TableFormatter) FormatSessions(sessions []*db.Session) (string, error) {
	if len(sessions) == 0 {
		return "No sessions found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tPROVIDER\tWORKFLOW\tLOCATION\tGUEST\tSTATUS\tIMAGE\tCREATED")
	for _, s := range sessions {
		image := s.ImageID
		if image == "" {
			image = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Provider, s.Workflow, s.Location, s.GuestImage, s.Status, image, s.CreatedAt)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// YAMLFormatter formats sessions as a YAML sequence.
type YAMLFormatter struct{}

func (YAMLFormatter) FormatSessions(sessions []*db.Session) (string, error) {
	if sessions == nil {
		sessions = []*db.Session{}
	}
	data, err := yaml.Marshal(sessions)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal sessions to YAML")
	}
	return string(data), nil
}

// JSONFormatter formats sessions as an indented JSON array.
type JSONFormatter struct{}

func (JSONFormatter) FormatSessions(sessions []*db.Session) (string, error) {
	if sessions == nil {
		sessions = []*db.Session{}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal sessions to JSON")
	}
	return string(data) + "\n", nil
}
