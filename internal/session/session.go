// Package session manages the signed-in identity.
//
// The identity lives in a YAML file written by the Roamline app's login
// flow and read by everything that talks to the remote. A Watcher
// notices edits to the file so a running daemon can switch identities,
// or tear the sync engine down on sign-out, without a restart.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrSignedOut is returned when there is no usable identity: the
// session file is missing, empty, or expired.
var ErrSignedOut = errors.New("signed out")

// Session is the stored identity.
type Session struct {
	// UserID is the remote account identifier. Trips synced by this
	// engine are owned by this user.
	UserID string `yaml:"user_id"`

	// Email is shown by `tripd whoami`; never used for requests.
	Email string `yaml:"email,omitempty"`

	// Token is the bearer token sent with every remote call.
	Token string `yaml:"token"`

	// ExpiresAt invalidates the token after this instant. Zero means
	// the token does not expire client-side.
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// Valid reports whether the session can authenticate requests.
func (s *Session) Valid() bool {
	if s == nil || s.UserID == "" || s.Token == "" {
		return false
	}
	if !s.ExpiresAt.IsZero() && !time.Now().Before(s.ExpiresAt) {
		return false
	}
	return true
}

// Load reads the session file.
//
// Returns ErrSignedOut if the file does not exist or the session in it
// is unusable (missing fields, expired token). A file that exists but
// cannot be parsed is an error, not a sign-out: silently dropping a
// valid identity over a typo would strand queued actions.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSignedOut
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}

	if !s.Valid() {
		if s.UserID != "" && s.Token != "" {
			return nil, fmt.Errorf("%w: session for %s expired", ErrSignedOut, s.UserID)
		}
		return nil, ErrSignedOut
	}

	return &s, nil
}

// Save writes the session file atomically with owner-only permissions.
// The parent directory is created if missing.
func Save(path string, s *Session) error {
	if s == nil || s.UserID == "" || s.Token == "" {
		return fmt.Errorf("session must have a user id and token")
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a
	// half-written session, and watchers see exactly one change.
	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set session file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

// Clear removes the session file. Clearing an absent session is not an
// error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
