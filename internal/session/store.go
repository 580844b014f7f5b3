package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// storeVersion is the schema version of the persisted document.
const storeVersion = 1

// storeKey is the badger key holding the whole versioned document.
var storeKey = []byte("sessions/state")

// ErrLastSession is returned when deleting the sole remaining session.
var ErrLastSession = errors.New("cannot delete the last remaining session")

const welcomeMessage = "Hi! Upload documents to build your knowledge graph, then ask me anything about them."

// document is the persisted form: a single versioned JSON value.
type document struct {
	Version   int                `json:"version"`
	Sessions  map[string]Session `json:"sessions"`
	CurrentID string             `json:"current_id"`
}

// Store is the persisted, validated collection of chat sessions.
// Mutations are read-modify-replace against the latest snapshot under a
// single lock; messages are append-only through AddMessage.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu       sync.Mutex
	doc      document
	version  uint64 // bumped on every mutation
	sortedAt uint64 // version the memoized view was built at
	sorted   []Session
}

// Open loads (or initializes) the store in dir. An empty dir selects an
// in-memory database, used by tests.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	// At least one session always exists.
	if len(s.doc.Sessions) == 0 {
		if _, err := s.CreateSession(""); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load() error {
	s.doc = document{Version: storeVersion, Sessions: make(map[string]Session)}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var doc document
			if err := json.Unmarshal(val, &doc); err != nil {
				// A corrupt document must not take the chat down;
				// start fresh and keep the warning in the log.
				s.logger.Warn("session store corrupted, starting fresh", "error", err)
				return nil
			}
			if doc.Sessions == nil {
				doc.Sessions = make(map[string]Session)
			}
			doc.Version = storeVersion
			s.doc = doc
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("load session store: %w", err)
	}
	return nil
}

// persistLocked writes the whole document. Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey, data)
	})
	if err != nil {
		return fmt.Errorf("persist session store: %w", err)
	}
	s.version++
	return nil
}

// CreateSession allocates a session seeded with a welcome message and
// makes it the active session.
func (s *Store) CreateSession(title string) (Session, error) {
	now := time.Now()
	if title == "" {
		title = "New conversation"
	}

	sess := Session{
		ID:    uuid.New().String(),
		Title: title,
		Messages: []Message{{
			ID:        uuid.New().String(),
			Role:      RoleAssistant,
			Content:   welcomeMessage,
			Timestamp: now,
		}},
		CreatedAt:    now,
		LastActivity: now,
	}
	sess.Metadata = computeMetadata(sess.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()

	prevCurrent := s.doc.CurrentID
	s.doc.Sessions[sess.ID] = sess
	s.doc.CurrentID = sess.ID
	if err := s.persistLocked(); err != nil {
		delete(s.doc.Sessions, sess.ID)
		s.doc.CurrentID = prevCurrent
		return Session{}, err
	}

	s.logger.Info("session created", "session_id", sess.ID, "title", title)
	return sess, nil
}

// AddMessage appends a message and recomputes the derived metadata and
// last-activity timestamp. An unknown session id is a documented no-op:
// the incident is logged but never surfaced, so a stray message can
// never crash an ongoing conversation.
func (s *Store) AddMessage(sessionID string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.doc.Sessions[sessionID]
	if !ok {
		s.logger.Warn("message for unknown session dropped", "session_id", sessionID, "role", msg.Role)
		return nil
	}

	prev := sess
	sess.Messages = append(slices.Clone(prev.Messages), msg)
	sess.Metadata = computeMetadata(sess.Messages)
	if msg.Timestamp.After(sess.LastActivity) {
		sess.LastActivity = msg.Timestamp
	}
	s.doc.Sessions[sessionID] = sess

	if err := s.persistLocked(); err != nil {
		s.doc.Sessions[sessionID] = prev
		return err
	}
	return nil
}

// DeleteSession removes a session. Deleting the sole remaining session
// is refused; if the active session is deleted, another one becomes
// active.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Sessions[id]; !ok {
		return fmt.Errorf("session %s: not found", id)
	}
	if len(s.doc.Sessions) == 1 {
		return ErrLastSession
	}

	deleted := s.doc.Sessions[id]
	prevCurrent := s.doc.CurrentID
	delete(s.doc.Sessions, id)
	if s.doc.CurrentID == id {
		for remaining := range s.doc.Sessions {
			s.doc.CurrentID = remaining
			break
		}
	}

	if err := s.persistLocked(); err != nil {
		s.doc.Sessions[id] = deleted
		s.doc.CurrentID = prevCurrent
		return err
	}

	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// SetCurrent activates a session.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Sessions[id]; !ok {
		return fmt.Errorf("session %s: not found", id)
	}

	prevCurrent := s.doc.CurrentID
	s.doc.CurrentID = id
	if err := s.persistLocked(); err != nil {
		s.doc.CurrentID = prevCurrent
		return err
	}
	return nil
}

// CurrentID returns the active session id.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentID
}

// Get returns a copy of one session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.doc.Sessions[id]
	if !ok {
		return Session{}, false
	}
	sess.Messages = slices.Clone(sess.Messages)
	return sess, true
}

// Len returns the session count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Sessions)
}

// Sessions returns all sessions sorted by last activity, most recent
// first. The view is memoized against the store's version counter and
// rebuilt only after a mutation.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sorted != nil && s.sortedAt == s.version {
		return slices.Clone(s.sorted)
	}

	sorted := make([]Session, 0, len(s.doc.Sessions))
	for _, sess := range s.doc.Sessions {
		sorted = append(sorted, sess)
	}
	slices.SortFunc(sorted, func(a, b Session) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		// Stable order for equal timestamps.
		return strings.Compare(a.ID, b.ID)
	})

	s.sorted = sorted
	s.sortedAt = s.version
	return slices.Clone(sorted)
}
