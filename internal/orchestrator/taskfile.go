package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aristath/gatekeeper/internal/scheduler"
)

// TaskSpec is one task as submitted.
type TaskSpec struct {
	ID         string         `yaml:"id" validate:"required"`
	Name       string         `yaml:"name"`
	Complexity string         `yaml:"complexity" validate:"omitempty,oneof=S M L XL s m l xl"`
	DependsOn  []string       `yaml:"depends_on" validate:"dive,required"`
	Payload    map[string]any `yaml:"payload"`
	Resources  []string       `yaml:"resources" validate:"dive,required"`
	MaxRetries *int           `yaml:"max_retries" validate:"omitempty,gte=0"` // nil uses the configured default
}

// RunSpec is a task graph submitted as one run.
type RunSpec struct {
	Tasks []TaskSpec `yaml:"tasks" validate:"min=1,unique=ID,dive"`
}

var specValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseRunSpec decodes a YAML task file. Unknown keys are rejected.
func ParseRunSpec(r io.Reader) (*RunSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var spec RunSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("task file is empty")
		}
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadRunSpec reads a YAML task file from disk.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	spec, err := ParseRunSpec(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Validate checks field constraints. Graph structure (unknown
// dependencies, cycles) is checked when the run is submitted.
func (s *RunSpec) Validate() error {
	err := specValidator.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid task file: %s", strings.Join(msgs, "; "))
}

// tasks converts the run spec into scheduler tasks.
func (s *RunSpec) tasks(defaultRetries int) ([]*scheduler.Task, error) {
	tasks := make([]*scheduler.Task, 0, len(s.Tasks))
	for _, ts := range s.Tasks {
		complexity, err := scheduler.ParseComplexity(ts.Complexity)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", ts.ID, err)
		}
		retries := defaultRetries
		if ts.MaxRetries != nil {
			retries = *ts.MaxRetries
		}
		name := ts.Name
		if name == "" {
			name = ts.ID
		}
		tasks = append(tasks, &scheduler.Task{
			ID:         ts.ID,
			Name:       name,
			Complexity: complexity,
			DependsOn:  ts.DependsOn,
			Payload:    ts.Payload,
			Resources:  ts.Resources,
			MaxRetries: retries,
		})
	}
	return tasks, nil
}
