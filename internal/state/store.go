package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store persists StrategyState as a single JSON file. It is the only
// durability boundary in the system; crash recovery is reload-and-resume.
// The read-modify-write cycle assumes a single running process.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore builds a file-backed store rooted at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "state_store").Logger(),
	}
}

// Load reads the latest snapshot. A missing, empty, or unreadable file
// yields the zero-valued default rather than an error, so a fresh deploy
// and a corrupted file both start from a clean slate.
func (s *Store) Load() (StrategyState, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("read state file: %w", err)
	}

	if len(raw) == 0 {
		return Default(), nil
	}

	var st StrategyState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("state file unreadable, starting from default")
		return Default(), nil
	}

	return st.Normalize(), nil
}

// Save overwrites the snapshot, creating the containing directory if
// needed. The write goes through a temp file and rename so a crash
// mid-write never leaves a truncated snapshot behind.
func (s *Store) Save(st StrategyState) error {
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	raw, err := json.MarshalIndent(st.Normalize(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Update loads the latest snapshot, applies fn, saves the result, and
// returns it. Not safe under concurrent writers.
func (s *Store) Update(fn func(StrategyState) StrategyState) (StrategyState, error) {
	st, err := s.Load()
	if err != nil {
		return Default(), err
	}

	next := fn(st).Normalize()
	if err := s.Save(next); err != nil {
		return Default(), err
	}
	return next, nil
}
