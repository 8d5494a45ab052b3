package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
)

// Publisher copies the result files of finished jobs into a Store.
type Publisher struct {
	store    Store
	prefix   string
	workRoot string
	// reportsDir is relative to each job directory.
	reportsDir string
	logger     *zap.Logger
}

// NewPublisher creates a Publisher. Keys are
// <prefix>/<job dir relative to workRoot>/<file>.
func NewPublisher(store Store, prefix, workRoot, reportsDir string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		store:      store,
		prefix:     strings.Trim(prefix, "/"),
		workRoot:   workRoot,
		reportsDir: reportsDir,
		logger:     logger,
	}
}

// Files lists the files of j that get published, relative to j.Dir.
func (p *Publisher) Files(j *job.Job) ([]string, error) {
	var files []string
	for _, name := range []string{job.SearchLogFile, jobregistry.RecordFile, job.TargetFile, job.ArchFile} {
		if isFile(filepath.Join(j.Dir, name)) {
			files = append(files, name)
		}
	}
	if j.ConstraintPath != "" && isFile(j.ConstraintPath) {
		if rel, err := filepath.Rel(j.Dir, j.ConstraintPath); err == nil {
			files = append(files, filepath.ToSlash(rel))
		}
	}

	if p.reportsDir == "" {
		return files, nil
	}
	root := filepath.Join(j.Dir, p.reportsDir)
	if _, err := os.Stat(root); err != nil {
		return files, nil
	}
	err := filepath.WalkDir(root, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(j.Dir, fp)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reports of %s: %w", j.ID, err)
	}
	return files, nil
}

// Key returns the store key for file rel of j.
func (p *Publisher) Key(j *job.Job, rel string) string {
	dir, err := filepath.Rel(p.workRoot, j.Dir)
	if err != nil || strings.HasPrefix(dir, "..") {
		dir = filepath.Base(j.Dir)
	}
	return path.Join(p.prefix, filepath.ToSlash(dir), rel)
}

// Publish uploads every published file of j. It stops at the first error and
// returns the number of objects written.
func (p *Publisher) Publish(ctx context.Context, j *job.Job) (int, error) {
	files, err := p.Files(j)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := p.put(ctx, j, rel); err != nil {
			return n, err
		}
		n++
	}
	p.logger.Debug("Published job results",
		zap.String("job_id", j.ID),
		zap.Int("objects", n))
	return n, nil
}

func (p *Publisher) put(ctx context.Context, j *job.Job, rel string) error {
	f, err := os.Open(filepath.Join(j.Dir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return p.store.Put(ctx, p.Key(j, rel), f, info.Size())
}

// Close closes the underlying store.
func (p *Publisher) Close() error {
	return p.store.Close()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
