package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLocked means another live run holds the lock marker.
var ErrLocked = errors.New("progress: sync run already in progress")

// Tracker persists a Checkpoint as a JSON file and guards runs with a lock
// marker next to it. A marker older than staleAfter is considered abandoned.
type Tracker struct {
	path       string
	lockPath   string
	staleAfter time.Duration
	now        func() time.Time
}

func NewTracker(path string, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Tracker{
		path:       path,
		lockPath:   path + ".lock",
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Load returns nil without error when no checkpoint exists.
func (t *Tracker) Load() (*Checkpoint, error) {
	raw, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save stamps LastUpdate, writes the checkpoint atomically and refreshes the lock marker.
func (t *Tracker) Save(cp *Checkpoint) error {
	now := t.now()
	cp.LastUpdate = now

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	_ = os.Chtimes(t.lockPath, now, now)
	return nil
}

func (t *Tracker) Delete() error {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Fresh reports whether a running checkpoint has been updated recently enough
// to belong to a live process.
func (t *Tracker) Fresh(cp *Checkpoint) bool {
	return cp != nil && cp.Status == StatusRunning && t.now().Sub(cp.LastUpdate) < t.staleAfter
}

// Lock creates the marker holding runID. A marker whose modification time is
// older than staleAfter is taken over.
func (t *Tracker) Lock(runID string) error {
	if err := os.MkdirAll(filepath.Dir(t.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(t.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(runID)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lock: %w", werr)
			}
			if cerr != nil {
				return fmt.Errorf("close lock: %w", cerr)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock: %w", err)
		}

		info, statErr := os.Stat(t.lockPath)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat lock: %w", statErr)
		}
		if t.now().Sub(info.ModTime()) < t.staleAfter {
			return ErrLocked
		}
		if err := os.Remove(t.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return ErrLocked
}

// Unlock removes the marker if it still belongs to runID.
func (t *Tracker) Unlock(runID string) error {
	raw, err := os.ReadFile(t.lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if strings.TrimSpace(string(raw)) != runID {
		return nil
	}
	if err := os.Remove(t.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// ResetLock removes the marker regardless of owner.
func (t *Tracker) ResetLock() error {
	if err := os.Remove(t.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
