package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/troupe/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, DirName)
	for _, d := range []string{"checkpoints", "state", "locks", "logs", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}

	info, err := os.Stat(filepath.Join(base, "worker.md"))
	if err != nil || info.Size() == 0 {
		t.Errorf("worker.md missing or empty: %v", err)
	}
}

func TestRun_AutoFillsConfig(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, DirName, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Spawn.Session != "troupe-myproject" {
		t.Errorf("spawn.session: got %q", cfg.Spawn.Session)
	}
	if cfg.Checkpoint.Backend != "file" {
		t.Errorf("checkpoint.backend: got %q", cfg.Checkpoint.Backend)
	}
	if cfg.Dispatch.MaxDepth != model.MaxDispatchDepth {
		t.Errorf("dispatch.max_depth: got %d", cfg.Dispatch.MaxDepth)
	}
}

func TestRun_ProjectNameOverride(t *testing.T) {
	dir := t.TempDir()
	if err := Run(dir, "custom"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, DirName, "config.yaml"))
	var cfg model.Config
	yaml.Unmarshal(data, &cfg)
	if cfg.Project.Name != "custom" {
		t.Errorf("project.name: got %q, want custom", cfg.Project.Name)
	}
}

func TestRun_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, DirName), 0755); err != nil {
		t.Fatal(err)
	}
	if err := Run(dir, ""); err == nil {
		t.Fatal("expected error for existing .troupe/")
	}
}
