package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/config"
	"github.com/3leaps/fmaxsweep/pkg/archive"
	"github.com/3leaps/fmaxsweep/pkg/archive/file"
	"github.com/3leaps/fmaxsweep/pkg/archive/s3"
	"github.com/3leaps/fmaxsweep/pkg/events"
	"github.com/3leaps/fmaxsweep/pkg/fmax"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobset"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
)

// serverAddrFile holds the address of the control server of the sweep
// running on this machine.
const serverAddrFile = "server.addr"

// searchConfig builds the frequency-search settings of a job set.
func searchConfig(set *jobset.JobSet) (*fmax.SessionConfig, error) {
	tmpl, err := fmax.CompileTemplate(set.Tool.ConstraintTemplate)
	if err != nil {
		return nil, fmt.Errorf("constraint template: %w", err)
	}
	timing, err := monitor.TimingFormat(set.Tool.TimingFormat)
	if err != nil {
		return nil, err
	}
	return &fmax.SessionConfig{
		Explore:      set.Fmax.Explore,
		SafetyMargin: set.Fmax.SafetyMargin,
		MaxProbes:    set.Fmax.MaxProbes,
		Template:     tmpl,
		Timing:       timing,
		ReportsDir:   set.Tool.ReportsDir,
		TimingReport: set.Tool.TimingReport,
	}, nil
}

func needsSearch(jobs []*job.Job) bool {
	for _, j := range jobs {
		if j.Fmax != nil {
			return true
		}
	}
	return false
}

// openArchive creates the configured archive store.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	switch archive.Type(cfg.Provider) {
	case archive.TypeFile:
		return file.New(file.Config{BaseDir: cfg.Path})
	case archive.TypeS3:
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle || cfg.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported archive provider %q", cfg.Provider)
	}
}

// openEvents opens the events destination: "-" or "stdout" for standard
// output, otherwise a file path.
func openEvents(dest string, stdout io.Writer, runID string) (events.Writer, func(), error) {
	if dest == "-" || dest == "stdout" {
		w := events.NewJSONLWriter(stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create events dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create events file %s: %w", path, err)
	}
	w := events.NewJSONLWriter(f, runID)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// openHook runs command with the job directory appended. The command is
// started and not waited for.
func openHook(command string, logger *zap.Logger) func(job.View) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	return func(v job.View) error {
		c := exec.Command("sh", "-c", command+` "$1"`, "open", v.Dir)
		if err := c.Start(); err != nil {
			return fmt.Errorf("open %s: %w", v.ID, err)
		}
		go func() { _ = c.Wait() }()
		logger.Info("Opened job directory", zap.String("job_id", v.ID), zap.String("dir", v.Dir))
		return nil
	}
}

// writeServerAddr publishes addr for ctl commands and returns a cleanup.
func writeServerAddr(addr string) (func(), error) {
	dir := config.DataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, serverAddrFile)
	if err := os.WriteFile(path, []byte(addr+"\n"), 0644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}

// readServerAddr returns the address published by a running sweep.
func readServerAddr() (string, error) {
	b, err := os.ReadFile(filepath.Join(config.DataDir(), serverAddrFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
