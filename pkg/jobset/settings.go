package jobset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SettingsFile is the per-architecture and per-domain settings file name.
const SettingsFile = "_settings.yml"

// ErrSettingsNotFound indicates a required _settings.yml is missing.
var ErrSettingsNotFound = errors.New("settings file not found")

// ArchSettings describes one architecture directory.
type ArchSettings struct {
	// RTLPath is the RTL source tree copied into each job, relative to the
	// architecture directory unless absolute.
	RTLPath string `yaml:"rtl_path"`

	// TopLevelFile receives the parameter text, relative to the RTL tree.
	TopLevelFile   string `yaml:"top_level_file"`
	TopLevelModule string `yaml:"top_level_module"`
	ClockSignal    string `yaml:"clock_signal"`
	ResetSignal    string `yaml:"reset_signal"`

	StartDelimiter string `yaml:"start_delimiter"`
	StopDelimiter  string `yaml:"stop_delimiter"`
	ReplaceAll     bool   `yaml:"replace_all_occurrences"`

	// GenerateCommand, when set, produces the RTL inside the job directory
	// instead of copying RTLPath.
	GenerateCommand string `yaml:"generate_command"`

	// Fmax overrides the job set's search bounds for this architecture.
	Fmax *FmaxOverride `yaml:"fmax_synthesis"`
}

// FmaxOverride replaces search bounds for one architecture.
type FmaxOverride struct {
	LowerBound int `yaml:"lower_bound"`
	UpperBound int `yaml:"upper_bound"`
}

// DomainSettings describes a parameter domain directory. Empty fields fall
// back to the architecture's values.
type DomainSettings struct {
	TargetFile     string `yaml:"top_level_file"`
	StartDelimiter string `yaml:"start_delimiter"`
	StopDelimiter  string `yaml:"stop_delimiter"`
	ReplaceAll     bool   `yaml:"replace_all_occurrences"`
}

// LoadArchSettings reads <dir>/_settings.yml.
func LoadArchSettings(dir string) (*ArchSettings, error) {
	var s ArchSettings
	if err := loadSettings(dir, &s); err != nil {
		return nil, err
	}
	if s.TopLevelFile == "" && s.GenerateCommand == "" {
		return nil, fmt.Errorf("%s: top_level_file is required", filepath.Join(dir, SettingsFile))
	}
	if s.StartDelimiter == "" || s.StopDelimiter == "" {
		return nil, fmt.Errorf("%s: start_delimiter and stop_delimiter are required", filepath.Join(dir, SettingsFile))
	}
	if s.Fmax != nil && s.Fmax.UpperBound > 0 && s.Fmax.UpperBound < s.Fmax.LowerBound {
		return nil, fmt.Errorf("%s: fmax_synthesis.upper_bound (%d) is lower than lower_bound (%d)",
			filepath.Join(dir, SettingsFile), s.Fmax.UpperBound, s.Fmax.LowerBound)
	}
	return &s, nil
}

// LoadDomainSettings reads <dir>/_settings.yml if present. A domain without a
// settings file inherits everything from its architecture.
func LoadDomainSettings(dir string) (*DomainSettings, error) {
	var s DomainSettings
	err := loadSettings(dir, &s)
	if errors.Is(err, ErrSettingsNotFound) {
		return &s, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func loadSettings(dir string, out any) error {
	path := filepath.Join(dir, SettingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSettingsNotFound, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}
