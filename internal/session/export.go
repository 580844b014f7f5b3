package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// exportVersion is the schema version of exported blobs.
const exportVersion = 1

// validate is shared; validator instances cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// envelope wraps an exported session with format version and timestamp.
type envelope struct {
	Version    int       `json:"version" validate:"required"`
	Chat       *Session  `json:"chat" validate:"required"`
	ExportedAt time.Time `json:"exported_at"`
}

// ExportSession serializes one session wrapped with the format version
// and export timestamp.
func (s *Store) ExportSession(id string) ([]byte, error) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: not found", id)
	}

	data, err := json.MarshalIndent(envelope{
		Version:    exportVersion,
		Chat:       &sess,
		ExportedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}

// ImportSession parses and validates an exported blob and commits it as
// a new session under a fresh id. Import is all-or-nothing at the
// session granularity and best-effort at the message granularity:
// individually invalid messages are discarded and the counts recomputed,
// but any remaining structural failure returns false and leaves the
// store untouched.
func (s *Store) ImportSession(blob []byte) bool {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		s.logger.Warn("session import rejected: malformed blob", "error", err)
		return false
	}

	if err := validate.Struct(&env); err != nil {
		s.logger.Warn("session import rejected: invalid envelope", "error", err)
		return false
	}

	sess := *env.Chat

	// Keep only structurally valid messages.
	kept := make([]Message, 0, len(sess.Messages))
	dropped := 0
	for _, msg := range sess.Messages {
		if err := validateMessage(msg); err != nil {
			s.logger.Debug("session import: dropping invalid message", "message_id", msg.ID, "error", err)
			dropped++
			continue
		}
		kept = append(kept, msg)
	}
	sess.Messages = kept
	sess.Metadata = computeMetadata(kept)

	// Fresh id so the import can never collide with an existing session.
	sess.ID = uuid.New().String()
	if sess.Title == "" {
		sess.Title = "Imported conversation"
	}

	// Re-validate the fully sanitized session before committing.
	if err := validate.Struct(&sess); err != nil {
		s.logger.Warn("session import rejected: invalid session", "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Sessions[sess.ID] = sess
	prevCurrent := s.doc.CurrentID
	s.doc.CurrentID = sess.ID
	if err := s.persistLocked(); err != nil {
		delete(s.doc.Sessions, sess.ID)
		s.doc.CurrentID = prevCurrent
		s.logger.Warn("session import failed to persist", "error", err)
		return false
	}

	s.logger.Info("session imported",
		"session_id", sess.ID,
		"messages", len(kept),
		"dropped", dropped)
	return true
}

// validateMessage applies the per-message structural checks: non-empty
// id, role within the fixed enumeration, and a parseable timestamp.
func validateMessage(msg Message) error {
	if err := validate.Struct(&msg); err != nil {
		return err
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("unknown role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}
