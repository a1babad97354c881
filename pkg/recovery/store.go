// Package recovery persists in-flight conversation progress so a restarted
// client can offer to resume without re-asking the gateway.
//
// The store is a narrow key-value port keyed by (conversation ID, purpose):
// save overwrites with last-write-wins semantics on every transcript
// mutation, load is read once at session construction, and clear runs only
// after the end-of-conversation flush succeeds.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hiresim/voicelive/pkg/core/types"
)

// Store is the durable key-value port for recoverable progress.
type Store interface {
	Save(conversationID, purpose string, progress types.RecoverableProgress) error
	Load(conversationID, purpose string) (*types.RecoverableProgress, error)
	Clear(conversationID, purpose string) error
}

// FileStore keeps one JSON file per composite key under a state directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("recovery: state dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("recovery: create state dir %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// DefaultDir returns the per-user state directory for recovery files.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("recovery: resolve user config dir: %w", err)
	}
	return filepath.Join(base, "voicelive", "recovery"), nil
}

func (s *FileStore) path(conversationID, purpose string) string {
	name := sanitizeKeyPart(conversationID) + "__" + sanitizeKeyPart(purpose) + ".json"
	return filepath.Join(s.dir, name)
}

// Save overwrites the stored progress for the key. Cheap, last-write-wins.
func (s *FileStore) Save(conversationID, purpose string, progress types.RecoverableProgress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("recovery: encode progress: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(conversationID, purpose)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("recovery: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("recovery: commit %q: %w", path, err)
	}
	return nil
}

// Load returns the stored progress, or nil when no entry exists.
func (s *FileStore) Load(conversationID, purpose string) (*types.RecoverableProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(conversationID, purpose))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("recovery: read progress: %w", err)
	}

	var progress types.RecoverableProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		// A torn or corrupt entry is treated as absent rather than wedging
		// session construction.
		return nil, nil
	}
	return &progress, nil
}

// Clear deletes the entry for the key. Missing entries are not an error.
func (s *FileStore) Clear(conversationID, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(conversationID, purpose)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("recovery: clear progress: %w", err)
	}
	return nil
}

func sanitizeKeyPart(part string) string {
	part = strings.TrimSpace(part)
	if part == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MemoryStore is an in-process Store used by tests and by callers that opt
// out of durable recovery.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]types.RecoverableProgress
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]types.RecoverableProgress)}
}

func memoryKey(conversationID, purpose string) string {
	return conversationID + "\x00" + purpose
}

// Save implements Store.
func (s *MemoryStore) Save(conversationID, purpose string, progress types.RecoverableProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := progress
	stored.Transcript = append([]types.TranscriptMessage(nil), progress.Transcript...)
	s.entries[memoryKey(conversationID, purpose)] = stored
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(conversationID, purpose string) (*types.RecoverableProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.entries[memoryKey(conversationID, purpose)]
	if !ok {
		return nil, nil
	}
	out := progress
	out.Transcript = append([]types.TranscriptMessage(nil), progress.Transcript...)
	return &out, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(conversationID, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey(conversationID, purpose))
	return nil
}
