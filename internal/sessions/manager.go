// Package sessions keeps chat history per session key, in memory with a JSON
// file per session on disk.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one chat turn. RunID links assistant turns to their run record
// so the UI can replay images and execution status.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RunID     string    `json:"runId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the persisted history of one key.
type Session struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

// Info summarizes a session for listings.
type Info struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Updated      time.Time `json:"updated"`
}

// SessionKey builds the canonical key "agent:<agentID>:<suffix>".
func SessionKey(agentID, suffix string) string {
	return "agent:" + agentID + ":" + suffix
}

// ParseSessionKey splits a canonical key. ok is false for foreign formats.
func ParseSessionKey(key string) (agentID, suffix string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "agent" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Manager holds sessions in memory and mirrors them to dir when dir is non-empty.
type Manager struct {
	dir      string
	maxTurns int

	// writeMu is held from snapshot to rename so files never go backwards.
	// Lock order: writeMu, then mu.
	writeMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager loads existing session files from dir. maxMessages caps stored
// history per session (0 = unlimited).
func NewManager(dir string, maxMessages int) (*Manager, error) {
	m := &Manager{dir: dir, maxTurns: maxMessages, sessions: make(map[string]*Session)}
	if dir == "" {
		return m, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var renamed []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			slog.Warn("sessions: skipping unreadable file", "file", e.Name(), "error", err)
			continue
		}
		if prev, ok := m.sessions[s.Key]; ok && prev.Updated.After(s.Updated) {
			renamed = append(renamed, e.Name())
			continue
		}
		m.sessions[s.Key] = &s
		if e.Name() != fileName(s.Key) {
			renamed = append(renamed, e.Name())
		}
	}

	// Files written before names carried a key hash move to the current name.
	for _, name := range renamed {
		var s Session
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || json.Unmarshal(data, &s) != nil {
			continue
		}
		if err := m.persist(m.sessions[s.Key]); err != nil {
			return nil, err
		}
		if name != fileName(s.Key) {
			os.Remove(filepath.Join(dir, name))
		}
	}
	return m, nil
}

func (m *Manager) getOrCreate(key string) *Session {
	s, ok := m.sessions[key]
	if !ok {
		now := time.Now().UTC()
		s = &Session{Key: key, Created: now, Updated: now}
		m.sessions[key] = s
	}
	return s
}

// AddMessage appends a message and persists the session.
func (m *Manager) AddMessage(key string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	s := m.getOrCreate(key)
	s.Messages = append(s.Messages, msg)
	if m.maxTurns > 0 && len(s.Messages) > m.maxTurns {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-m.maxTurns:]...)
	}
	s.Updated = msg.CreatedAt
	snapshot := cloneSession(s)
	m.mu.Unlock()

	return m.persist(snapshot)
}

// GetHistory returns a copy of the session's messages (nil for unknown keys).
func (m *Manager) GetHistory(key string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	return append([]Message(nil), s.Messages...)
}

// Reset clears a session's messages but keeps the session.
func (m *Manager) Reset(key string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.Messages = nil
	s.Updated = time.Now().UTC()
	snapshot := cloneSession(s)
	m.mu.Unlock()
	return m.persist(snapshot)
}

// Delete removes a session and its file.
func (m *Manager) Delete(key string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	if m.dir == "" {
		return nil
	}
	err := os.Remove(m.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// List returns sessions whose key starts with prefix, most recently updated first.
func (m *Manager) List(prefix string) []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for key, s := range m.sessions {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Info{Key: key, MessageCount: len(s.Messages), Updated: s.Updated})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, fileName(key))
}

// fileName is the readable key plus a hash of the raw key, since sanitizing
// alone folds distinct keys together.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return sanitizeKey(key) + "-" + hex.EncodeToString(sum[:6]) + ".json"
}

func (m *Manager) persist(s *Session) error {
	if m.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path(s.Key))
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	return &c
}
