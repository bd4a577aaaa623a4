// internal/position/persist.go
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrStateCorruption marks an unreadable state file. The caller starts with
// an empty store and relies on reconciliation to rebuild from the broker.
var ErrStateCorruption = errors.New("state file corrupted")

// stateDocument is the on-disk shape: one JSON document keyed by ticker.
type stateDocument struct {
	SavedAt   time.Time           `json:"saved_at"`
	Positions map[string]Position `json:"positions"`
}

// FilePersister writes the full position map to a single JSON document.
// Every save goes to a temp file in the same directory followed by a rename,
// so a crash never leaves a half-written document behind.
type FilePersister struct {
	path   string
	logger *zap.Logger
}

// NewFilePersister creates a persister for the given state file path,
// creating the parent directory if needed.
func NewFilePersister(path string, logger *zap.Logger) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FilePersister{path: path, logger: logger.Named("persist")}, nil
}

// Save implements Persister.
func (fp *FilePersister) Save(positions []Position) error {
	doc := stateDocument{
		SavedAt:   time.Now().UTC(),
		Positions: make(map[string]Position, len(positions)),
	}
	for _, p := range positions {
		doc.Positions[p.Ticker] = p
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fp.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, fp.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load reads the persisted document. A missing file is not an error and
// yields an empty slice; an unreadable or unparsable file returns
// ErrStateCorruption.
func (fp *FilePersister) Load() ([]Position, error) {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrStateCorruption, err)
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStateCorruption, err)
	}

	out := make([]Position, 0, len(doc.Positions))
	for _, p := range doc.Positions {
		out = append(out, p)
	}
	fp.logger.Info("Loaded persisted state",
		zap.Int("positions", len(out)),
		zap.Time("saved_at", doc.SavedAt))
	return out, nil
}
