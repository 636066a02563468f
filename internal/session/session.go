package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Session is the authenticated console context the backend calls run under.
type Session struct {
	Token          string    `json:"token"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	FullName       string    `json:"full_name,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the session can authenticate requests at now.
func (s *Session) Usable(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.Token) == "" || strings.TrimSpace(s.OrganizationID) == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Source supplies the credentials backend calls run under. Load returns
// nil, nil when nothing is stored.
type Source interface {
	Load() (*Session, error)
}

// Backend stores at most one session.
type Backend interface {
	Source
	Save(session *Session) error
	Clear() error
}

// Current loads the stored session and treats expired or incomplete
// sessions as absent. A nil source means no durable session storage.
func Current(backend Source, now time.Time) (*Session, error) {
	if backend == nil {
		return nil, nil
	}
	current, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if !current.Usable(now) {
		return nil, nil
	}
	return current, nil
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*Session, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var stored Session
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (b *JSONFileBackend) Save(session *Session) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || session == nil {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *JSONFileBackend) Clear() error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type InMemoryBackend struct {
	mu      sync.Mutex
	current *Session
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*Session, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil, nil
	}
	clone := *b.current
	return &clone, nil
}

func (b *InMemoryBackend) Save(session *Session) error {
	if b == nil || session == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *session
	b.current = &clone
	return nil
}

func (b *InMemoryBackend) Clear() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	return nil
}
