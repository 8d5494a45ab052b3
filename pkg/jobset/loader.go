package jobset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a job set from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. If the extension is unrecognized, YAML is attempted first, then JSON.
// Relative paths inside the job set resolve against the file's directory.
func Load(path string) (*JobSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job set file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job set: %s", path)
		}
		return nil, fmt.Errorf("failed to read job set file: %w", err)
	}

	s, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve job set dir: %w", err)
	}
	s.baseDir = abs
	return s, nil
}

// LoadFromBytes parses and validates a job set from raw bytes.
//
// Validation runs on the raw data (converted to JSON) before parsing into the
// typed struct so unknown fields are rejected. Defaults are applied last.
func LoadFromBytes(data []byte, path string) (*JobSet, error) {
	if len(data) == 0 {
		return nil, errors.New("job set file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	s, err := parseJobSet(data, path)
	if err != nil {
		return nil, err
	}

	s.ApplyDefaults()

	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFromReader reads and validates a job set from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*JobSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job set: %w", err)
	}
	return LoadFromBytes(data, path)
}

// Path resolves p against the job set's base directory.
func (s *JobSet) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || s.baseDir == "" {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

func parseJobSet(data []byte, path string) (*JobSet, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		s, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return s, nil
		}
		s, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return s, nil
		}
		return nil, fmt.Errorf("failed to parse job set (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*JobSet, error) {
	var s JobSet
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid JSON in job set: %w", err)
	}
	return &s, nil
}

func parseYAML(data []byte) (*JobSet, error) {
	var s JobSet
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML in job set: %w", err)
	}
	return &s, nil
}

// toJSON converts the input data to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job set: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse job set (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job set: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job set to JSON: %w", err)
	}
	return jsonData, nil
}
