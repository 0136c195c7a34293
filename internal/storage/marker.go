package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// RunMarker persists the timestamp of the last successful run in a small
// JSON file. The scheduler wrapper reads it to enforce a minimum inter-run
// interval; the login core never touches it.
type RunMarker struct {
	path string
}

type markerState struct {
	LastSuccess time.Time `json:"last_success"`
}

// NewRunMarker creates a marker backed by the given file path.
func NewRunMarker(path string) *RunMarker {
	return &RunMarker{path: path}
}

// LastSuccess returns the recorded timestamp, or the zero time when no
// marker exists yet.
func (m *RunMarker) LastSuccess() (time.Time, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read run marker: %w", err)
	}

	var state markerState
	if err := json.Unmarshal(data, &state); err != nil {
		return time.Time{}, fmt.Errorf("run marker corrupted: %w", err)
	}
	return state.LastSuccess, nil
}

// RecordSuccess writes now as the last successful run.
func (m *RunMarker) RecordSuccess(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create marker dir: %w", err)
	}
	data, err := json.MarshalIndent(markerState{LastSuccess: now}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run marker: %w", err)
	}
	return nil
}

// ShouldRun reports whether at least minInterval has passed since the last
// success. The second return is when the next run becomes due.
func (m *RunMarker) ShouldRun(now time.Time, minInterval time.Duration) (bool, time.Time, error) {
	last, err := m.LastSuccess()
	if err != nil {
		return false, time.Time{}, err
	}
	if last.IsZero() {
		return true, now, nil
	}
	next := last.Add(minInterval)
	return !now.Before(next), next, nil
}
