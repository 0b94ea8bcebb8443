package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// SyncResult counts what a registry sync did.
type SyncResult struct {
	Published int      `json:"published"`
	Skipped   int      `json:"skipped"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Sync publishes every archived PASSED artifact that is not yet in the
// registry. Conflicting entries are reported, not overwritten.
func Sync(s *Store, r *Registry) (SyncResult, error) {
	var res SyncResult
	records, err := s.Records()
	if err != nil {
		return res, err
	}
	for _, rec := range records {
		if rec.Verdict.Status != types.StatusPassed || rec.Artifact == "" {
			res.Skipped++
			continue
		}
		src, err := os.ReadFile(filepath.Join(rec.Dir, rec.Artifact))
		if err != nil {
			return res, fmt.Errorf("failed to read archived artifact %s: %w", rec.Artifact, err)
		}
		published, err := r.Publish(rec.Artifact, string(src))
		switch {
		case errors.Is(err, types.ErrRegistryWriteConflict):
			res.Conflicts = append(res.Conflicts, rec.Artifact)
		case err != nil:
			return res, err
		case published:
			res.Published++
		default:
			res.Skipped++
		}
	}
	logging.Registry("sync: %d published, %d skipped, %d conflicts",
		res.Published, res.Skipped, len(res.Conflicts))
	return res, nil
}
