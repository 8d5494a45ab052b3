package jobset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/fmaxsweep/internal/assets/schemas"
)

// SchemaID is the schema identifier for job sets.
const SchemaID = "fmaxsweep/v1.0.0/jobset"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("job set schema not found")

	// ErrValidationFailed indicates the job set failed validation.
	ErrValidationFailed = errors.New("job set validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/fmax/upper_bound").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("job set validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets callers match ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the struct form of a job set against the schema.
func Validate(s *JobSet) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize job set for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks raw JSON data against the embedded job-set schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check enforces rules the schema cannot express.
func (s *JobSet) Check() error {
	var errs ValidationErrors
	if s.Fmax.UpperBound < s.Fmax.LowerBound {
		errs = append(errs, ValidationError{
			Path:    "/fmax/upper_bound",
			Message: fmt.Sprintf("upper_bound (%d) is lower than lower_bound (%d)", s.Fmax.UpperBound, s.Fmax.LowerBound),
		})
	}
	for i, e := range s.Jobs {
		if !strings.Contains(strings.Trim(e.Arch, "/"), "/") {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/jobs/%d/arch", i),
				Message: fmt.Sprintf("%q must be <arch>/<params> or <arch>/*", e.Arch),
			})
		}
		for j, d := range e.Domains {
			if !strings.Contains(strings.Trim(d, "/"), "/") {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("/jobs/%d/domains/%d", i, j),
					Message: fmt.Sprintf("%q must be <domain>/<value> or <domain>/*", d),
				})
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobSetSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded jobset schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobSetSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job set schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
