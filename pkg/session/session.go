// Package session identifies one workflow invocation and the tags applied to
// every resource it creates.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// Tag keys applied to every resource created by a session.
const (
	TagEncryptor      = "BrktEncryptor"
	TagSessionID      = "BrktEncryptorSessionID"
	TagEncryptorImage = "BrktEncryptorAMI"
	TagName           = "Name"
	TagDescription    = "Description"
)

// Session is created once per workflow invocation and never mutated.
type Session struct {
	ID             string
	EncryptorImage string
}

// New returns a session with a fresh nonce.
func New(encryptorImage string) *Session {
	return &Session{ID: NewNonce(), EncryptorImage: encryptorImage}
}

// NewNonce returns a 32 bit nonce in hex encoding.
func NewNonce() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// DefaultTags returns the correlation tags shared by all session resources.
func (s *Session) DefaultTags() map[string]string {
	return map[string]string{
		TagEncryptor:      "True",
		TagSessionID:      s.ID,
		TagEncryptorImage: s.EncryptorImage,
	}
}

// Tags returns the default tags plus optional Name and Description tags.
func (s *Session) Tags(name, description string) map[string]string {
	tags := s.DefaultTags()
	if name != "" {
		tags[TagName] = name
	}
	if description != "" {
		tags[TagDescription] = description
	}
	return tags
}

// Labels returns the default tags in the lowercase form accepted by
// providers with restricted label keys.
func (s *Session) Labels() map[string]string {
	return map[string]string{
		"brkt-encryptor":  "true",
		"brkt-session-id": s.ID,
	}
}
