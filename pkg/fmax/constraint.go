package fmax

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type templatePart interface {
	append(dst *strings.Builder, v templateValues)
}

type templateValues struct {
	freqMHz int
	clock   string
}

type literalPart string

type frequencyPart struct{}

type periodPart struct{}

type periodExprPart struct{}

type clockPart struct{}

func (p literalPart) append(dst *strings.Builder, _ templateValues) {
	dst.WriteString(string(p))
}

func (frequencyPart) append(dst *strings.Builder, v templateValues) {
	dst.WriteString(strconv.Itoa(v.freqMHz))
}

func (periodPart) append(dst *strings.Builder, v templateValues) {
	dst.WriteString(strconv.FormatFloat(1000.0/float64(v.freqMHz), 'f', 3, 64))
}

// The tool evaluates the period itself so that rounding follows its own
// numeric formatting.
func (periodExprPart) append(dst *strings.Builder, v templateValues) {
	fmt.Fprintf(dst, "[expr 1000.0 / %d]", v.freqMHz)
}

func (clockPart) append(dst *strings.Builder, v templateValues) {
	dst.WriteString(v.clock)
}

// ConstraintTemplate renders the frequency constraint file.
//
// Supported placeholders:
//   - `{frequency}`: frequency in MHz
//   - `{period}`: period in ns, formatted with three decimals
//   - `{period_expr}`: a Tcl expression computing the period in ns
//   - `{clock}`: the architecture's clock signal
//
// Any other brace is kept verbatim, since constraint languages use braces
// themselves. Placeholders may sit inside such groups.
type ConstraintTemplate struct {
	parts []templatePart
}

// Render returns the constraint text for freqMHz.
func (t *ConstraintTemplate) Render(freqMHz int, clock string) string {
	var b strings.Builder
	v := templateValues{freqMHz: freqMHz, clock: clock}
	for _, part := range t.parts {
		part.append(&b, v)
	}
	out := b.String()
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

// Write renders the template into path.
func (t *ConstraintTemplate) Write(path string, freqMHz int, clock string) error {
	if freqMHz <= 0 {
		return fmt.Errorf("invalid frequency %d MHz", freqMHz)
	}
	return os.WriteFile(path, []byte(t.Render(freqMHz, clock)), 0644)
}

// CompileTemplate parses a constraint template.
func CompileTemplate(template string) (*ConstraintTemplate, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("constraint template is empty")
	}

	var parts []templatePart
	usesFrequency := false
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		// Only a known name directly between braces is a placeholder. Any
		// other brace is literal, including the outer one of a nested group.
		var part templatePart
		closeIdx := strings.IndexByte(s, '}')
		if closeIdx != -1 {
			part = parsePlaceholder(s[1:closeIdx])
		}
		if part == nil {
			parts = append(parts, literalPart("{"))
			s = s[1:]
			continue
		}
		if _, isClock := part.(clockPart); !isClock {
			usesFrequency = true
		}
		parts = append(parts, part)
		s = s[closeIdx+1:]
	}

	if !usesFrequency {
		return nil, fmt.Errorf("constraint template %q has no {frequency}, {period} or {period_expr} placeholder", template)
	}
	return &ConstraintTemplate{parts: parts}, nil
}

func parsePlaceholder(p string) templatePart {
	switch p {
	case "frequency":
		return frequencyPart{}
	case "period":
		return periodPart{}
	case "period_expr":
		return periodExprPart{}
	case "clock":
		return clockPart{}
	default:
		return nil
	}
}
