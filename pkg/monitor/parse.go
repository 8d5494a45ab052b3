package monitor

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// ProgressParser extracts a progress sample from the text of a status file.
type ProgressParser interface {
	ParseProgress(text string) (job.ProgressSample, bool)
}

// TimingParser extracts the worst negative slack, in ns, from a timing
// report. ok is false when the report holds no slack reading.
type TimingParser interface {
	ParseTiming(text string) (wns float64, ok bool)
}

// ProgressParserFunc adapts a function to ProgressParser.
type ProgressParserFunc func(string) (job.ProgressSample, bool)

func (f ProgressParserFunc) ParseProgress(text string) (job.ProgressSample, bool) {
	return f(text)
}

// TimingParserFunc adapts a function to TimingParser.
type TimingParserFunc func(string) (float64, bool)

func (f TimingParserFunc) ParseTiming(text string) (float64, bool) {
	return f(text)
}

var progressFormats = map[string]ProgressParser{
	"v1": ProgressParserFunc(parseProgressV1),
}

var timingFormats = map[string]TimingParser{
	"vivado":  TimingParserFunc(parseVivado),
	"quartus": TimingParserFunc(parseQuartus),
	"generic": TimingParserFunc(parseGeneric),
}

// ProgressFormat returns the status-file parser registered under name.
func ProgressFormat(name string) (ProgressParser, error) {
	p, ok := progressFormats[name]
	if !ok {
		return nil, fmt.Errorf("unknown progress format %q (known: %s)", name, strings.Join(keys(progressFormats), ", "))
	}
	return p, nil
}

// TimingFormat returns the timing-report parser registered under name.
func TimingFormat(name string) (TimingParser, error) {
	p, ok := timingFormats[name]
	if !ok {
		return nil, fmt.Errorf("unknown timing format %q (known: %s)", name, strings.Join(keys(timingFormats), ", "))
	}
	return p, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// v1 lines look like "<label>: <percent>% (<step>/<total>)".
var progressV1 = regexp.MustCompile(`(?m)^\s*(.*?)\s*:\s*(\d+(?:\.\d+)?)\s*%\s*\(\s*(\d+)\s*/\s*(\d+)\s*\)`)

// parseProgressV1 returns the last well-formed line of the status file.
func parseProgressV1(text string) (job.ProgressSample, bool) {
	matches := progressV1.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		pct, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		step, err1 := strconv.Atoi(m[3])
		total, err2 := strconv.Atoi(m[4])
		if err1 != nil || err2 != nil {
			continue
		}
		return job.ProgressSample{
			Label:      m[1],
			Percent:    math.Min(math.Max(pct, 0), 100),
			Step:       step,
			TotalSteps: total,
		}, true
	}
	return job.ProgressSample{}, false
}

var (
	vivadoSlack     = regexp.MustCompile(`Slack\s*\((?:MET|VIOLATED)\)\s*:\s*(-?\d+(?:\.\d+)?)\s*ns`)
	quartusWorst    = regexp.MustCompile(`(?i)worst-case setup slack is\s+(-?\d+(?:\.\d+)?)`)
	quartusSetupRow = regexp.MustCompile(`^;\s*[^;]+?\s*;\s*(-?\d+(?:\.\d+)?)\s*;`)
	genericWNS      = regexp.MustCompile(`(?im)^\s*WNS(?:\(ns\))?\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
)

// parseVivado reads the WNS column of the Design Timing Summary, falling back
// to the worst "Slack (MET|VIOLATED)" path line.
func parseVivado(text string) (float64, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "WNS(ns)") {
			continue
		}
		for _, next := range lines[i+1:] {
			fields := strings.Fields(next)
			if len(fields) == 0 || strings.Trim(fields[0], "-") == "" {
				continue
			}
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
				return v, true
			}
			break
		}
	}
	return minMatch(vivadoSlack, text)
}

// parseQuartus reads the "Worst-case setup slack" line, falling back to the
// smallest slack in the Setup Summary table.
func parseQuartus(text string) (float64, bool) {
	if wns, ok := minMatch(quartusWorst, text); ok {
		return wns, true
	}

	inSetup := false
	best, found := 0.0, false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(trimmed, "Setup Summary"):
			inSetup = true
			continue
		case inSetup && trimmed == "":
			inSetup = false
			continue
		case !inSetup:
			continue
		}
		m := quartusSetupRow.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if !found || v < best {
			best, found = v, true
		}
	}
	return best, found
}

// parseGeneric reads the last "WNS: <ns>" line.
func parseGeneric(text string) (float64, bool) {
	matches := genericWNS.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func minMatch(re *regexp.Regexp, text string) (float64, bool) {
	best, found := 0.0, false
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if !found || v < best {
			best, found = v, true
		}
	}
	return best, found
}
