// Package resolve expands a job set's declarative entries into concrete,
// validated jobs and classifies them against existing results.
//
// Resolution is partial-failure tolerant: an entry that references a missing
// architecture, domain, parameter file, or settings file produces an
// EntryError and the remaining entries are still resolved.
package resolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobset"
)

// ParamExt is the extension of parameter files inside architecture and
// domain directories.
const ParamExt = ".txt"

// Wildcard selects every parameter file of a directory.
const Wildcard = "*"

// RTLDirName is where the RTL tree lands inside a job directory.
const RTLDirName = "rtl"

var (
	ErrArchNotFound   = errors.New("architecture directory not found")
	ErrDomainNotFound = errors.New("parameter domain directory not found")
	ErrParamNotFound  = errors.New("parameter file not found")
	ErrNoParams       = errors.New("no parameter files found")
)

// EntryError reports a job-set entry (or one of its expansions) that could
// not be resolved.
type EntryError struct {
	Entry string
	JobID string
	Err   error
}

func (e *EntryError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Options control the caching policy.
type Options struct {
	// Overwrite re-runs cached and incomplete jobs.
	Overwrite bool

	// ProceedIncomplete re-runs jobs whose directory holds partial output.
	ProceedIncomplete bool
}

// Result is the classification of every resolved job.
type Result struct {
	New        []*job.Job
	Cached     []*job.Job
	Incomplete []*job.Job
	Errors     []*EntryError

	// Dispatch is the ordered list of jobs to run.
	Dispatch []*job.Job
}

// Resolver turns job-set entries into jobs.
type Resolver struct {
	set      *jobset.JobSet
	archRoot string
	workRoot string
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Resolver for the given job set.
func New(set *jobset.JobSet, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		set:      set,
		archRoot: set.Path(set.Paths.Architectures),
		workRoot: filepath.Join(set.Path(set.Paths.Work), set.Target),
		logger:   logger,
		now:      time.Now,
	}
}

// WorkRoot is the directory holding every job directory of this target.
func (r *Resolver) WorkRoot() string {
	return r.workRoot
}

// Resolve expands entries, validates them and classifies the resulting jobs.
func (r *Resolver) Resolve(entries []jobset.Entry, opts Options) *Result {
	res := &Result{}
	seen := make(map[string]bool)

	for _, entry := range entries {
		jobs, errs := r.expand(entry)
		res.Errors = append(res.Errors, errs...)

		for _, j := range jobs {
			if seen[j.ID] {
				continue
			}
			seen[j.ID] = true

			switch classify(j) {
			case classNew:
				res.New = append(res.New, j)
				res.Dispatch = append(res.Dispatch, j)
			case classCached:
				res.Cached = append(res.Cached, j)
				if opts.Overwrite {
					res.Dispatch = append(res.Dispatch, j)
				}
			case classIncomplete:
				res.Incomplete = append(res.Incomplete, j)
				if opts.Overwrite || opts.ProceedIncomplete {
					res.Dispatch = append(res.Dispatch, j)
				}
			}
		}
	}

	r.logger.Debug("Resolved job set",
		zap.Int("new", len(res.New)),
		zap.Int("cached", len(res.Cached)),
		zap.Int("incomplete", len(res.Incomplete)),
		zap.Int("errors", len(res.Errors)),
		zap.Int("dispatch", len(res.Dispatch)))

	return res
}

type class int

const (
	classNew class = iota
	classCached
	classIncomplete
)

func classify(j *job.Job) class {
	if _, err := os.Stat(j.Dir); err != nil {
		return classNew
	}
	if _, err := os.Stat(j.CompletePath); err == nil {
		return classCached
	}
	return classIncomplete
}

// expand resolves one entry into jobs. Errors are scoped to the entry, or to
// a single expansion when only that combination is broken.
func (r *Resolver) expand(entry jobset.Entry) ([]*job.Job, []*EntryError) {
	name := entry.String()
	fail := func(err error) ([]*job.Job, []*EntryError) {
		return nil, []*EntryError{{Entry: name, Err: err}}
	}

	arch, paramRef, ok := splitRef(entry.Arch)
	if !ok {
		return fail(fmt.Errorf("invalid architecture reference %q", entry.Arch))
	}

	archDir := filepath.Join(r.archRoot, arch)
	if !isDir(archDir) {
		return fail(fmt.Errorf("%w: %s", ErrArchNotFound, archDir))
	}

	settings, err := jobset.LoadArchSettings(archDir)
	if err != nil {
		return fail(err)
	}

	params, err := expandParams(archDir, paramRef, ErrParamNotFound)
	if err != nil {
		return fail(err)
	}

	axes := make([][]job.Selection, 0, len(entry.Domains))
	domainSettings := make(map[string]*jobset.DomainSettings, len(entry.Domains))
	for _, ref := range entry.Domains {
		domain, valueRef, ok := splitRef(ref)
		if !ok {
			return fail(fmt.Errorf("invalid domain reference %q", ref))
		}
		domainDir := filepath.Join(archDir, domain)
		if !isDir(domainDir) {
			return fail(fmt.Errorf("%w: %s", ErrDomainNotFound, domainDir))
		}
		ds, err := jobset.LoadDomainSettings(domainDir)
		if err != nil {
			return fail(err)
		}
		domainSettings[domain] = ds

		values, err := expandParams(domainDir, valueRef, ErrParamNotFound)
		if err != nil {
			return fail(err)
		}
		axis := make([]job.Selection, 0, len(values))
		for _, v := range values {
			axis = append(axis, job.Selection{Domain: domain, Value: v})
		}
		axes = append(axes, axis)
	}

	var jobs []*job.Job
	var errs []*EntryError
	for _, p := range params {
		for _, combo := range cartesian(axes) {
			j, err := r.build(arch, archDir, p, combo, settings, domainSettings)
			if err != nil {
				errs = append(errs, &EntryError{Entry: name, JobID: job.FormatID(arch, p, combo), Err: err})
				continue
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, errs
}

func (r *Resolver) build(arch, archDir, params string, combo []job.Selection, as *jobset.ArchSettings, ds map[string]*jobset.DomainSettings) (*job.Job, error) {
	id := job.FormatID(arch, params, combo)
	dir := filepath.Join(r.workRoot, arch, dirName(params, combo))

	rtlDir := as.RTLPath
	if rtlDir != "" && !filepath.IsAbs(rtlDir) {
		rtlDir = filepath.Join(archDir, rtlDir)
	}
	if as.GenerateCommand == "" && !isDir(rtlDir) {
		return nil, fmt.Errorf("rtl_path not found: %s", rtlDir)
	}

	subs := []job.Substitution{{
		SourceFile: filepath.Join(archDir, params+ParamExt),
		TargetFile: filepath.Join(RTLDirName, as.TopLevelFile),
		Start:      as.StartDelimiter,
		Stop:       as.StopDelimiter,
		ReplaceAll: as.ReplaceAll,
	}}
	for _, sel := range combo {
		d := ds[sel.Domain]
		sub := job.Substitution{
			SourceFile: filepath.Join(archDir, sel.Domain, sel.Value+ParamExt),
			TargetFile: filepath.Join(RTLDirName, as.TopLevelFile),
			Start:      as.StartDelimiter,
			Stop:       as.StopDelimiter,
			ReplaceAll: as.ReplaceAll || d.ReplaceAll,
		}
		if d.TargetFile != "" {
			sub.TargetFile = filepath.Join(RTLDirName, d.TargetFile)
		}
		if d.StartDelimiter != "" {
			sub.Start = d.StartDelimiter
		}
		if d.StopDelimiter != "" {
			sub.Stop = d.StopDelimiter
		}
		subs = append(subs, sub)
	}

	j := &job.Job{
		ID:      id,
		Arch:    arch,
		Params:  params,
		Domains: combo,
		Target:  r.set.Target,
		Inputs: job.Inputs{
			ArchDir:         archDir,
			RTLDir:          rtlDir,
			TopLevelModule:  as.TopLevelModule,
			ClockSignal:     as.ClockSignal,
			ResetSignal:     as.ResetSignal,
			GenerateCommand: as.GenerateCommand,
			Substitutions:   subs,
		},
		Dir:            dir,
		ConstraintPath: filepath.Join(dir, r.set.Tool.ConstraintFile),
		StatusPath:     filepath.Join(dir, job.StatusFile),
		CompletePath:   filepath.Join(dir, job.CompleteFile),
		State:          job.StatePending,
		CreatedAt:      r.now().UTC(),
	}

	if r.set.Fmax.Enabled {
		b := &job.Bounds{
			Lower:     r.set.Fmax.LowerBound,
			Upper:     r.set.Fmax.UpperBound,
			Tolerance: r.set.Fmax.Tolerance,
		}
		if as.Fmax != nil {
			if as.Fmax.LowerBound > 0 {
				b.Lower = as.Fmax.LowerBound
			}
			if as.Fmax.UpperBound > 0 {
				b.Upper = as.Fmax.UpperBound
			}
		}
		j.Fmax = b
	}
	return j, nil
}

// expandParams lists parameter names in dir. ref is either a single name or
// the wildcard. Results are sorted so output does not depend on filesystem
// iteration order.
func expandParams(dir, ref string, notFound error) ([]string, error) {
	if ref != Wildcard {
		if _, err := os.Stat(filepath.Join(dir, ref+ParamExt)); err != nil {
			return nil, fmt.Errorf("%w: %s", notFound, filepath.Join(dir, ref+ParamExt))
		}
		return []string{ref}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(dir), Wildcard+ParamExt, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", dir, err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(base, ParamExt))
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoParams, dir)
	}
	sort.Strings(names)
	return names, nil
}

// cartesian returns every combination picking one selection per axis, in
// axis-major order. No axes yields a single empty combination.
func cartesian(axes [][]job.Selection) [][]job.Selection {
	out := [][]job.Selection{nil}
	for _, axis := range axes {
		next := make([][]job.Selection, 0, len(out)*len(axis))
		for _, prefix := range out {
			for _, sel := range axis {
				combo := make([]job.Selection, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, sel))
			}
		}
		out = next
	}
	return out
}

// dirEscaper keeps the separators used by dirName out of its components, so
// distinct selections never share a directory.
var dirEscaper = strings.NewReplacer("%", "%25", "+", "%2B", "=", "%3D", "/", "%2F")

// dirName renders params and selections as "params+domain=value+...".
func dirName(params string, combo []job.Selection) string {
	var b strings.Builder
	b.WriteString(dirEscaper.Replace(params))
	for _, sel := range combo {
		b.WriteString(job.IDSeparator)
		b.WriteString(dirEscaper.Replace(sel.Domain))
		b.WriteString("=")
		b.WriteString(dirEscaper.Replace(sel.Value))
	}
	return b.String()
}

// splitRef splits "name/rest" at its first slash.
func splitRef(ref string) (string, string, bool) {
	ref = strings.Trim(strings.TrimSpace(ref), "/")
	name, rest, ok := strings.Cut(ref, "/")
	if !ok || name == "" || rest == "" {
		return "", "", false
	}
	return name, rest, true
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.IsDir()
}
