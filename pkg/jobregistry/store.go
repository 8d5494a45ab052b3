package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// RecordFile is the name of the job record inside a job directory.
const RecordFile = "job.json"

// ErrJobNotFound is returned when no record matches a job id.
var ErrJobNotFound = errors.New("job not found")

// Store persists and loads JobRecords next to the job outputs.
//
// Directory layout:
//
//	<root>/<arch>/<variant>/job.json
//	<root>/<arch>/<variant>/stdout.log
//	<root>/<arch>/<variant>/stderr.log
//
// Root is the work directory of one target.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

// RecordPath returns the job.json path of a job directory.
func RecordPath(dir string) string {
	return filepath.Join(dir, RecordFile)
}

// Write atomically replaces <record.Dir>/job.json.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(record.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	dir := strings.TrimSpace(record.Dir)
	if dir == "" {
		return fmt.Errorf("job dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, RecordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, RecordPath(dir)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads the record of the job directory dir.
func (s *Store) Get(dir string) (*JobRecord, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("job dir is required")
	}
	b, err := os.ReadFile(RecordPath(dir))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	record.Dir = dir

	// Zombie detection: if a job claims running but its pid is gone, mark unknown.
	if (record.State == JobStateRunning || record.State == JobStatePaused) && record.PID > 0 {
		if !isProcessAlive(record.PID) {
			record.State = JobStateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// Owned reports whether dir carries a record for jobID.
func (s *Store) Owned(dir, jobID string) bool {
	b, err := os.ReadFile(RecordPath(dir))
	if err != nil {
		return false
	}
	var record JobRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return false
	}
	return record.JobID == jobID
}

// List discovers every job record below the root, newest first.
func (s *Store) List() ([]JobRecord, error) {
	if strings.TrimSpace(s.root) == "" {
		return nil, fmt.Errorf("job registry root dir is empty")
	}
	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	matches, err := doublestar.Glob(os.DirFS(s.root), "**/"+RecordFile, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("discover job records: %w", err)
	}

	out := make([]JobRecord, 0, len(matches))
	for _, m := range matches {
		dir := filepath.Join(s.root, filepath.FromSlash(filepath.Dir(m)))
		r, err := s.Get(dir)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := jobSortTime(out[i]), jobSortTime(out[j])
		if ti.Equal(tj) {
			return out[i].JobID < out[j].JobID
		}
		return ti.After(tj)
	})

	return out, nil
}

// Find resolves a job id, or an unambiguous prefix of one, to its record.
func (s *Store) Find(input string) (*JobRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	jobs, err := s.List()
	if err != nil {
		return nil, err
	}

	var matches []JobRecord
	for _, j := range jobs {
		if j.JobID == input {
			r := j
			return &r, nil
		}
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, input)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job id", len(matches))
	}
	return &matches[0], nil
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
