// Package history persists the outcome of every static credential
// rotation, one JSON file per attempt.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records one rotation attempt.
type Entry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Backend   string    `json:"backend,omitempty"`
	RotatedAt time.Time `json:"rotated_at"`
	Username  string    `json:"username"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Store appends and lists rotation history.
type Store interface {
	Append(entry *Entry) error
	List(role string, limit int) ([]Entry, error)
}

// DefaultDir returns the default history directory.
func DefaultDir() string {
	if dir := os.Getenv("DBCREDS_HISTORY_DIR"); dir != "" {
		return dir
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "dbcreds", "history")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dbcreds", "history")
	}
	return filepath.Join(os.TempDir(), "dbcreds", "history")
}

// FileStore implements Store on the filesystem.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Append writes entry, assigning an ID if it has none.
func (fs *FileStore) Append(entry *Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	dir := filepath.Join(fs.baseDir, sanitizeFilename(entry.Role))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", entry.RotatedAt.UTC().Format("20060102T150405.000000000"), entry.ID[:8])
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	return nil
}

// List returns entries for role, newest first. limit <= 0 means all.
func (fs *FileStore) List(role string, limit int) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.baseDir, sanitizeFilename(role))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() > files[j].Name()
	})

	entries := []Entry{}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// MemoryStore keeps history in process, for tests and when no directory
// is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records entry.
func (m *MemoryStore) Append(entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.entries = append(m.entries, *entry)
	return nil
}

// List returns entries for role, newest first.
func (m *MemoryStore) List(role string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Role != role {
			continue
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sanitizeFilename(name string) string {
	if name == "" {
		return "_"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_")
	return replacer.Replace(name)
}
