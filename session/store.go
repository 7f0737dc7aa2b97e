package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	authsession "github.com/chimerakang/authsession-go"
)

// TokenStore persists the session artifact between requests (and, for
// FileStore, between process runs).
type TokenStore interface {
	// Load returns the stored artifact. ok is false when nothing usable is stored.
	Load() (artifact authsession.Artifact, ok bool, err error)
	Save(artifact authsession.Artifact) error
	Delete() error
}

// MemoryStore keeps the artifact in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	artifact *authsession.Artifact
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Load() (authsession.Artifact, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.artifact == nil || expired(*m.artifact, m.now()) {
		return authsession.Artifact{}, false, nil
	}
	return *m.artifact, true, nil
}

func (m *MemoryStore) Save(a authsession.Artifact) error {
	if a.Value == "" {
		return fmt.Errorf("authsession/session: empty artifact")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifact = &a
	return nil
}

func (m *MemoryStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifact = nil
	return nil
}

// FileStore keeps the artifact in a JSON file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

type fileRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	SavedAt   time.Time `json:"savedAt"`
}

// NewFileStore creates a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load() (authsession.Artifact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return authsession.Artifact{}, false, nil
	}
	if err != nil {
		return authsession.Artifact{}, false, fmt.Errorf("authsession/session: read token file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return authsession.Artifact{}, false, fmt.Errorf("authsession/session: decode token file: %w", err)
	}

	a := authsession.Artifact{Value: rec.Token, ExpiresAt: rec.ExpiresAt}
	if a.Value == "" || expired(a, f.now()) {
		return authsession.Artifact{}, false, nil
	}
	return a, true, nil
}

func (f *FileStore) Save(a authsession.Artifact) error {
	if a.Value == "" {
		return fmt.Errorf("authsession/session: empty artifact")
	}

	data, err := json.Marshal(fileRecord{Token: a.Value, ExpiresAt: a.ExpiresAt, SavedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("authsession/session: encode token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("authsession/session: create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("authsession/session: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("authsession/session: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("authsession/session: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("authsession/session: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("authsession/session: replace token file: %w", err)
	}
	return nil
}

func (f *FileStore) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("authsession/session: remove token file: %w", err)
	}
	return nil
}

func expired(a authsession.Artifact, now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}
