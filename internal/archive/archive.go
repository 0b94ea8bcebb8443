// Package archive keeps the append-only provenance archive and publishes
// validated modules to the registry.
//
// Layout under the archive root:
//
//	<skill_id>/<timestamp>/completion.raw.txt
//	<skill_id>/<timestamp>/healing_log.json
//	<skill_id>/<timestamp>/<skill_id>_<model_size>_<variant>.py
//	<skill_id>/<timestamp>/verdict.json
//	<skill_id>/<timestamp>/trials.json
//	failed/<skill_id>_FAILED_<timestamp>.raw.txt
//
// Every file is written once through a temp file and a hard link, so an
// existing record is never overwritten.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// File names inside a record directory.
const (
	CompletionFile = "completion.raw.txt"
	HealingLogFile = "healing_log.json"
	VerdictFile    = "verdict.json"
	TrialsFile     = "trials.json"
	FailedDir      = "failed"
)

// SchemaVersion is written into every verdict record.
const SchemaVersion = "1.0"

// Record is the verdict.json document of one archived completion.
type Record struct {
	SchemaVersion string                  `json:"schema_version"`
	SkillID       string                  `json:"skill_id"`
	TopicPath     string                  `json:"topic_path,omitempty"`
	CompletionID  string                  `json:"completion_id"`
	Model         string                  `json:"model"`
	Variant       string                  `json:"variant"`
	Artifact      string                  `json:"artifact,omitempty"`
	Verdict       types.ValidationVerdict `json:"verdict"`
	ArchivedAt    time.Time               `json:"archived_at"`

	// Dir is the record directory; not serialized.
	Dir string `json:"-"`
}

// Entry is everything archived for one processed completion.
type Entry struct {
	Completion types.Completion
	Attempt    *types.HealingAttempt
	// Source is the healed module; empty when healing never produced one.
	Source  string
	Verdict types.ValidationVerdict
	Trials  []types.ExecutionTrial
}

// Store is the append-only archive.
type Store struct {
	root string
	now  func() time.Time
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the archive directory.
func (s *Store) Root() string { return s.root }

// Archive writes a new timestamped record for e, plus a raw failure dump
// when the verdict is FAILED.
func (s *Store) Archive(e Entry) (*Record, error) {
	timer := logging.StartTimer(logging.CategoryArchive, "Archive")
	defer timer.Stop()

	c := e.Completion
	skillDir := filepath.Join(s.root, c.SkillID)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	dir, at, err := s.newRecordDir(skillDir)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		SchemaVersion: SchemaVersion,
		SkillID:       c.SkillID,
		TopicPath:     c.TopicPath,
		CompletionID:  c.ID,
		Model:         c.Model,
		Variant:       c.Variant,
		Verdict:       e.Verdict,
		ArchivedAt:    at,
		Dir:           dir,
	}

	if err := WriteFileOnce(filepath.Join(dir, CompletionFile), []byte(c.Text)); err != nil {
		return nil, err
	}
	attempt := e.Attempt
	if attempt == nil {
		attempt = types.NewHealingAttempt(c.ID)
	}
	if err := WriteJSONOnce(filepath.Join(dir, HealingLogFile), attempt); err != nil {
		return nil, err
	}
	if e.Source != "" {
		rec.Artifact = NewArtifactName(c.SkillID, c.Model, c.Variant).String()
		if err := WriteFileOnce(filepath.Join(dir, rec.Artifact), []byte(e.Source)); err != nil {
			return nil, err
		}
	}
	trials := e.Trials
	if trials == nil {
		trials = []types.ExecutionTrial{}
	}
	if err := WriteJSONOnce(filepath.Join(dir, TrialsFile), trials); err != nil {
		return nil, err
	}
	if err := WriteJSONOnce(filepath.Join(dir, VerdictFile), rec); err != nil {
		return nil, err
	}

	if e.Verdict.Status == types.StatusFailed {
		if err := s.dumpFailure(c, at); err != nil {
			return nil, err
		}
	}
	logging.Archive("archived %s (%s) at %s", c.SkillID, e.Verdict.Status, dir)
	return rec, nil
}

func (s *Store) dumpFailure(c types.Completion, at time.Time) error {
	dir := filepath.Join(s.root, FailedDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create failure directory: %w", err)
	}
	name := FailureDumpName{SkillID: c.SkillID, At: at}.String()
	return WriteFileOnce(filepath.Join(dir, name), []byte(c.Text))
}

// newRecordDir creates a fresh timestamped directory, moving forward one
// nanosecond at a time if the name is taken.
func (s *Store) newRecordDir(skillDir string) (string, time.Time, error) {
	at := s.now().UTC()
	for i := 0; i < 1000; i++ {
		dir := filepath.Join(skillDir, at.Format(TimestampLayout))
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, at, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", at, fmt.Errorf("failed to create record directory: %w", err)
		}
		at = at.Add(time.Nanosecond)
	}
	return "", at, fmt.Errorf("no free record directory under %s", skillDir)
}

// Records loads every verdict record under the archive, oldest first per skill.
func (s *Store) Records() ([]*Record, error) {
	skills, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	var out []*Record
	for _, sk := range skills {
		if !sk.IsDir() || sk.Name() == FailedDir {
			continue
		}
		runs, err := os.ReadDir(filepath.Join(s.root, sk.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		for _, run := range runs {
			if !run.IsDir() {
				continue
			}
			dir := filepath.Join(s.root, sk.Name(), run.Name())
			data, err := os.ReadFile(filepath.Join(dir, VerdictFile))
			if err != nil {
				logging.ArchiveError("skipping incomplete record %s: %v", dir, err)
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				logging.ArchiveError("skipping unreadable record %s: %v", dir, err)
				continue
			}
			rec.Dir = dir
			out = append(out, &rec)
		}
	}
	return out, nil
}

// WriteFileOnce atomically creates path with data. It fails with os.ErrExist
// if path already exists.
func WriteFileOnce(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Link(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSONOnce writes v as indented JSON with WriteFileOnce.
func WriteJSONOnce(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileOnce(path, append(data, '\n'))
}
