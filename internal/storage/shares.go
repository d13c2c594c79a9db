package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relay/internal/server/ports"
)

// ShareStore persists share tokens in a single JSON file keyed by token.
// Expired tokens are pruned whenever the store is touched.
type ShareStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]ports.ShareToken
}

// OpenShareStore loads (or initializes) the token file at path.
func OpenShareStore(path string) (*ShareStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create share store directory: %w", err)
	}

	s := &ShareStore{path: path, tokens: make(map[string]ports.ShareToken)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read share store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.tokens); err != nil {
			return nil, fmt.Errorf("decode share store: %w", err)
		}
	}
	return s, nil
}

// Put stores a token and flushes the file.
func (s *ShareStore) Put(token ports.ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(time.Now())
	s.tokens[token.Token] = token
	return s.flushLocked()
}

// Get looks a token up. The second return reports existence; an existing
// but expired token is returned with expired=true and removed from the
// store immediately.
func (s *ShareStore) Get(token string, now time.Time) (ports.ShareToken, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return ports.ShareToken{}, false, false
	}
	if entry.Expired(now) {
		delete(s.tokens, token)
		_ = s.flushLocked()
		return entry, true, true
	}
	return entry, true, false
}

// DeleteForTask drops every token pointing at the given task id. The
// retention sweep calls this when it evicts a task.
func (s *ShareStore) DeleteForTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for key, entry := range s.tokens {
		if entry.TaskID == taskID {
			delete(s.tokens, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.flushLocked()
}

// Len returns the number of unexpired tokens.
func (s *ShareStore) Len(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	return len(s.tokens)
}

func (s *ShareStore) pruneLocked(now time.Time) {
	for key, entry := range s.tokens {
		if entry.Expired(now) {
			delete(s.tokens, key)
		}
	}
}

func (s *ShareStore) flushLocked() error {
	data, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("encode share store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write share store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persist share store: %w", err)
	}
	return nil
}
