package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/gatekeeper/internal/scheduler"
)

func TestParseRunSpec(t *testing.T) {
	spec, err := ParseRunSpec(strings.NewReader(`
tasks:
  - id: schema
    name: Create schema
    complexity: s
    resources: [db]
  - id: api
    complexity: XL
    depends_on: [schema]
    payload:
      file: api.go
      lines: 3
    max_retries: 0
`))
	if err != nil {
		t.Fatalf("ParseRunSpec: %v", err)
	}

	tasks, err := spec.tasks(2)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	schema, api := tasks[0], tasks[1]
	if schema.Name != "Create schema" || schema.Complexity != scheduler.ComplexityS || schema.MaxRetries != 2 {
		t.Errorf("schema = %+v", schema)
	}
	if len(schema.Resources) != 1 || schema.Resources[0] != "db" {
		t.Errorf("schema resources = %v", schema.Resources)
	}
	if api.Name != "api" {
		t.Errorf("api name = %q, want ID as default", api.Name)
	}
	if api.Complexity != scheduler.ComplexityXL || api.MaxRetries != 0 {
		t.Errorf("api = %+v", api)
	}
	if api.Payload["file"] != "api.go" || api.Payload["lines"] != 3 {
		t.Errorf("api payload = %v", api.Payload)
	}
}

func TestParseRunSpecErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"no tasks", "tasks: []\n", "min"},
		{"missing ID", "tasks:\n  - name: x\n", "required"},
		{"duplicate ID", "tasks:\n  - id: a\n  - id: a\n", "unique"},
		{"bad complexity", "tasks:\n  - id: a\n    complexity: huge\n", "oneof"},
		{"unknown field", "tasks:\n  - id: a\n    priority: 1\n", "priority"},
		{"negative retries", "tasks:\n  - id: a\n    max_retries: -1\n", "gte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunSpec(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRunSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte("tasks:\n  - id: only\n"), 0644); err != nil {
		t.Fatal(err)
	}
	spec, err := LoadRunSpec(path)
	if err != nil {
		t.Fatalf("LoadRunSpec: %v", err)
	}
	if len(spec.Tasks) != 1 || spec.Tasks[0].ID != "only" {
		t.Errorf("spec = %+v", spec)
	}

	if _, err := LoadRunSpec(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
