package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Store keeps every session as <dir>/<id>.json and tracks which one is
// current. Mutations persist immediately; write failures are logged and
// swallowed so a full disk never takes down the chat.
type Store struct {
	mu        sync.Mutex
	fs        afero.Fs
	dir       string
	sessions  map[string]*Session
	currentID string
	logger    *slog.Logger
}

// NewStore loads all sessions found under dir. Files that fail to parse
// are skipped with a warning.
func NewStore(fs afero.Fs, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	s := &Store{
		fs:       fs,
		dir:      dir,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("failed to read session directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			s.logger.Warn("failed to read session file", "path", path, "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			s.logger.Warn("skipping corrupt session file", "path", path)
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []ChatMessage{}
		}
		s.sessions[sess.ID] = &sess
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// persist writes one session to disk. Callers hold s.mu.
func (s *Store) persist(sess *Session) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode session", "session_id", sess.ID, "error", err)
		return
	}
	if err := afero.WriteFile(s.fs, s.path(sess.ID), data, 0o644); err != nil {
		s.logger.Error("failed to save session", "session_id", sess.ID, "error", err)
	}
}

// CreateSession adds a new named session and makes it current.
func (s *Store) CreateSession(name string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := newSession(name)
	s.sessions[sess.ID] = sess
	s.currentID = sess.ID
	s.persist(sess)
	return sess
}

// CurrentSession returns the active session, creating a default one on
// first use.
func (s *Store) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() *Session {
	if sess, ok := s.sessions[s.currentID]; ok {
		return sess
	}
	sess := newSession(DefaultSessionName)
	s.sessions[sess.ID] = sess
	s.currentID = sess.ID
	s.persist(sess)
	return sess
}

// SetCurrentSession switches the active session. Unknown ids are a silent
// no-op so a stale UI reference cannot wedge the app.
func (s *Store) SetCurrentSession(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return s.currentLocked()
	}
	s.currentID = id
	sess.LastAccessedAt = time.Now()
	s.persist(sess)
	return sess
}

// SetExternalSessionID records the runtime's session id for the current
// session and saves it right away, so a crash mid-stream still resumes.
func (s *Store) SetExternalSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	if sess.ExternalSessionID == id {
		return
	}
	sess.ExternalSessionID = id
	s.persist(sess)
}

// ExternalSessionID returns the runtime session id for the current session.
func (s *Store) ExternalSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked().ExternalSessionID
}

// AddMessage appends a message to the current session.
func (s *Store) AddMessage(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	sess.Messages = append(sess.Messages, msg)
	sess.LastAccessedAt = time.Now()
	s.persist(sess)
}

// AddMessageTo appends a message to a specific session, even when it is
// no longer current. A stream that finishes after a session switch lands
// in the session it started under. Returns false when the session is gone.
func (s *Store) AddMessageTo(sessionID string, msg ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	sess.Messages = append(sess.Messages, msg)
	sess.LastAccessedAt = time.Now()
	s.persist(sess)
	return true
}

// SetExternalSessionIDFor records the runtime session id for a specific
// session, even when it is no longer current.
func (s *Store) SetExternalSessionIDFor(sessionID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.ExternalSessionID == id {
		return
	}
	sess.ExternalSessionID = id
	s.persist(sess)
}

// SetMessageStatus updates one message's status wherever it sits in the
// transcript. Returns false when the session or message is unknown.
func (s *Store) SetMessageStatus(sessionID, messageID, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Status = status
			s.persist(sess)
			return true
		}
	}
	return false
}

// UpdateLastMessage replaces the most recent message in the current
// session. No-op on an empty transcript.
func (s *Store) UpdateLastMessage(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	if len(sess.Messages) == 0 {
		return
	}
	sess.Messages[len(sess.Messages)-1] = msg
	s.persist(sess)
}

// Messages returns a copy of the current session's transcript.
func (s *Store) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	out := make([]ChatMessage, len(sess.Messages))
	copy(out, sess.Messages)
	return out
}

// ClearMessages wipes the current session's transcript and drops its
// runtime link, so the next turn starts a fresh server-side session.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	sess.Messages = []ChatMessage{}
	sess.ExternalSessionID = ""
	s.persist(sess)
}

// RenameSession changes a session's display name.
func (s *Store) RenameSession(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.Name = name
	s.persist(sess)
	return nil
}

// DeleteSession removes a session and its file. Deleting the current
// session leaves no current; the next access creates a default one.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	delete(s.sessions, id)
	if s.currentID == id {
		s.currentID = ""
	}
	if err := s.fs.Remove(s.path(id)); err != nil {
		s.logger.Warn("failed to remove session file", "session_id", id, "error", err)
	}
	return nil
}

// ListSessions returns summaries sorted by last access, newest first.
func (s *Store) ListSessions() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionSummary{
			ID:             sess.ID,
			Name:           sess.Name,
			CreatedAt:      sess.CreatedAt,
			LastAccessedAt: sess.LastAccessedAt,
			MessageCount:   len(sess.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out
}

// CurrentSessionID returns the id of the active session.
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked().ID
}
