package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// GenerateLogFile captures the output of an architecture's generate_command.
const GenerateLogFile = "generate.log"

// CopyTree copies the regular files and directories below src into dst,
// preserving file modes.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// listFiles returns the regular files below dir, relative and sorted.
func listFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (d *Dispatcher) generate(ctx context.Context, j *job.Job, command string) error {
	logPath := filepath.Join(j.Dir, GenerateLogFile)
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = j.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"FMAXSWEEP_JOB_ID="+j.ID,
		"FMAXSWEEP_JOB_DIR="+j.Dir,
		"FMAXSWEEP_ARCH_DIR="+j.Inputs.ArchDir,
		"FMAXSWEEP_PARAMS="+j.Params,
	)

	d.logger.Debug("Generating RTL", zap.String("job_id", j.ID), zap.String("command", command))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("generate_command failed (see %s): %w", logPath, err)
	}
	return nil
}

// applySubstitution replaces the region between sub.Start and sub.Stop in the
// target file with the parameter text. If the parameter file carries the
// delimiters itself, only its inner region is used.
func applySubstitution(jobDir string, sub job.Substitution) error {
	param, err := os.ReadFile(sub.SourceFile)
	if err != nil {
		return err
	}
	if inner, ok := between(string(param), sub.Start, sub.Stop); ok {
		param = []byte(inner)
	}

	target := filepath.Join(jobDir, sub.TargetFile)
	content, err := os.ReadFile(target)
	if err != nil {
		return err
	}

	out, n := Substitute(string(content), sub.Start, sub.Stop, string(param), sub.ReplaceAll)
	if n == 0 {
		return fmt.Errorf("%s: %w (%q ... %q)", sub.TargetFile, ErrDelimiterNotFound, sub.Start, sub.Stop)
	}
	return os.WriteFile(target, []byte(out), 0644)
}

// Substitute replaces the text between start and stop with replacement,
// keeping both delimiters. Only the first region is replaced unless all is
// set. It returns the new text and the number of regions replaced.
func Substitute(text, start, stop, replacement string, all bool) (string, int) {
	if start == "" || stop == "" {
		return text, 0
	}
	replacement = "\n" + strings.Trim(replacement, "\n") + "\n"

	var b strings.Builder
	n := 0
	rest := text
	for {
		i := strings.Index(rest, start)
		if i < 0 {
			break
		}
		open := i + len(start)
		k := strings.Index(rest[open:], stop)
		if k < 0 {
			break
		}
		// Keep whatever follows the start delimiter on its own line.
		lineEnd := strings.IndexByte(rest[open:open+k], '\n')
		head := open
		if lineEnd >= 0 {
			head = open + lineEnd
		}
		stopLine := open + k
		if nl := strings.LastIndexByte(rest[open:stopLine], '\n'); nl >= 0 {
			stopLine = open + nl + 1
		}
		if stopLine < head {
			stopLine = head
		}

		b.WriteString(rest[:head])
		b.WriteString(replacement)
		b.WriteString(rest[stopLine : open+k+len(stop)])
		rest = rest[open+k+len(stop):]
		n++
		if !all {
			break
		}
	}
	b.WriteString(rest)
	return b.String(), n
}

func between(text, start, stop string) (string, bool) {
	i := strings.Index(text, start)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(start):]
	k := strings.Index(rest, stop)
	if k < 0 {
		return "", false
	}
	return rest[:k], true
}

var settingLine = regexp.MustCompile(`(?m)^([ \t]*set[ \t]+)([A-Za-z_][A-Za-z0-9_]*)([ \t]+)(.*?)([ \t]*)$`)

// RewriteSettings replaces the value of every `set <name> <value>` line whose
// name is in settings. Lines are matched whole and replaced once; other
// lines are untouched. It returns the new text and whether anything changed.
func RewriteSettings(text string, settings map[string]string) (string, bool) {
	changed := false
	out := settingLine.ReplaceAllStringFunc(text, func(line string) string {
		m := settingLine.FindStringSubmatch(line)
		value, ok := settings[m[2]]
		if !ok {
			return line
		}
		next := m[1] + m[2] + m[3] + quoteSetting(value)
		if next != line {
			changed = true
		}
		return next
	})
	return out, changed
}

// RewriteSettingsFile applies RewriteSettings to path. The file is left
// untouched when nothing changes.
func RewriteSettingsFile(path string, settings map[string]string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	out, changed := RewriteSettings(string(b), settings)
	if !changed {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(path, []byte(out), info.Mode().Perm())
}

// quoteSetting renders a value as a single Tcl word.
func quoteSetting(v string) string {
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, " \t\"{}[]$;\\") {
		var b bytes.Buffer
		b.WriteByte('"')
		for _, r := range v {
			if strings.ContainsRune(`"\$[]`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		b.WriteByte('"')
		return b.String()
	}
	return v
}
