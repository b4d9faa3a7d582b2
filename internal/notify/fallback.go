package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorruptLog reports a fallback file that could not be parsed. Append moves
// such a file aside to Path()+".corrupt" and starts a new log.
var ErrCorruptLog = errors.New("fallback log corrupt")

// FallbackEntry is a notification that could not be delivered.
type FallbackEntry struct {
	Notification
	Error string `json:"error"`
}

// FallbackLog is a JSON array file holding the newest Max entries. Every
// append rewrites the file through a temp file and rename, so a crash leaves
// either the old or the new contents, never a torn file.
type FallbackLog struct {
	path string
	max  int

	mu sync.Mutex
}

func NewFallbackLog(path string, max int) *FallbackLog {
	if max < 1 {
		max = 1
	}
	return &FallbackLog{path: path, max: max}
}

// Path returns the log file location.
func (l *FallbackLog) Path() string { return l.path }

// Append adds e and evicts the oldest entries beyond the cap. If the existing
// file was corrupt, e is still written to a fresh log and the returned error
// wraps ErrCorruptLog.
func (l *FallbackLog) Append(e FallbackEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	var corrupt error
	switch {
	case errors.Is(err, ErrCorruptLog):
		if rerr := os.Rename(l.path, l.path+".corrupt"); rerr != nil {
			return fmt.Errorf("move corrupt fallback log aside: %w", rerr)
		}
		corrupt = err
	case err != nil:
		return err
	}
	entries = append(entries, e)
	if over := len(entries) - l.max; over > 0 {
		entries = entries[over:]
	}
	if err := l.write(entries); err != nil {
		return err
	}
	return corrupt
}

// Entries returns the stored entries, oldest first.
func (l *FallbackLog) Entries() ([]FallbackEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *FallbackLog) read() ([]FallbackEntry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []FallbackEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptLog, l.path, err)
	}
	return entries, nil
}

func (l *FallbackLog) write(entries []FallbackEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fallback log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fallback log dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp fallback log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp fallback log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp fallback log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace fallback log: %w", err)
	}
	return nil
}
