// Package checkpoint persists the ingestion progress cursor so a run can
// resume after interruption or crash without re-fetching consumed ids.
package checkpoint

import (
	"encoding/json"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Record is the progress cursor of one ingestion run. Completed flips to
// true only after full success; any other exit leaves the best-known index
// with Completed=false, which the next run resumes from.
type Record struct {
	LastProcessedIndex int    `json:"last_processed_index"`
	Completed          bool   `json:"completed"`
	Error              string `json:"error,omitempty"`
}

type Store struct {
	fs   afero.Fs
	path string
}

func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Load returns the persisted record, or a zero record when no checkpoint
// file exists (cold start at index 0).
func (s *Store) Load() (Record, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, xerrors.Errorf("failed to read checkpoint: %w", err)
	}

	var rec Record
	if err = json.Unmarshal(b, &rec); err != nil {
		return Record{}, xerrors.Errorf("invalid checkpoint file: %w", err)
	}
	return rec, nil
}

// Save writes the record. A failure here must be treated as fatal by the
// caller: without a trustworthy checkpoint, resumability is lost.
func (s *Store) Save(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err = afero.WriteFile(s.fs, s.path, b, 0600); err != nil {
		return xerrors.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
