package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Config file contains invalid YAML: %v", err)
	}
	if !strings.Contains(string(data), "worker_timeout: 30m0s") {
		t.Errorf("durations should be human readable:\n%s", data)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxConcurrency = 6
	cfg.Scheduler.WorkerTimeout = 5 * time.Minute
	cfg.Workspace.PreserveFailed = true
	cfg.Worker.Command = []string{"bash", "-c", "./do-task.sh"}
	cfg.Worker.Env = []string{"MODE=ci", "TOKEN=a=b"}
	cfg.Review.Reviewers = []ReviewerConfig{
		{ID: "sec", Domain: "security", Command: []string{"review", "--security"}, Timeout: 2 * time.Minute},
		{ID: "style", Domain: "style", Command: []string{"review", "--style"}},
	}
	cfg.Merge.IntegrationCommand = []string{"go", "test", "./..."}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, loaded)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("stale: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "stale") {
		t.Errorf("old content survived:\n%s", data)
	}
}
