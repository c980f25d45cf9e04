package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type doc struct {
	SchemaHeader `yaml:",inline"`
	Version      string `yaml:"version"`
}

func TestSave_KeepsPreviousCheckpointAsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "sess", "P1.yaml")

	for _, v := range []string{"1", "2"} {
		if err := Save(path, FileTypeCheckpoint, doc{SchemaHeader: NewHeader(FileTypeCheckpoint), Version: v}); err != nil {
			t.Fatalf("save %s: %v", v, err)
		}
	}

	var bak, cur doc
	raw, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if err := yamlv3.Unmarshal(raw, &bak); err != nil {
		t.Fatal(err)
	}
	if err := Load(path, FileTypeCheckpoint, &cur); err != nil {
		t.Fatal(err)
	}
	if bak.Version != "1" || cur.Version != "2" {
		t.Errorf("bak=%v cur=%v", bak, cur)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSave_RejectsDocumentWithoutMatchingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	err := Save(path, FileTypeStatusSync, doc{SchemaHeader: NewHeader(FileTypeArchive), Version: "1"})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target must not exist after a rejected save")
	}
}

func TestSave_CorruptCurrentDoesNotReplaceGoodBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.yaml")
	save := func(v string) {
		t.Helper()
		if err := Save(path, FileTypeCheckpoint, doc{SchemaHeader: NewHeader(FileTypeCheckpoint), Version: v}); err != nil {
			t.Fatal(err)
		}
	}
	save("1")
	save("2")
	if err := os.WriteFile(path, []byte("version: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	save("3")

	var bak doc
	raw, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatal(err)
	}
	if err := yamlv3.Unmarshal(raw, &bak); err != nil {
		t.Fatal(err)
	}
	if bak.Version != "1" {
		t.Errorf("backup Version = %q, want the last readable one (1)", bak.Version)
	}
}

func TestReplace_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Replace(path, "", []byte("key: [unclosed\n")); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target must not exist after a failed write")
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"valid", "schema_version: 1\nfile_type: checkpoint\n", FileTypeCheckpoint, false},
		{"any type", "schema_version: 1\nfile_type: archive\n", "", false},
		{"zero version", "schema_version: 0\nfile_type: checkpoint\n", "", true},
		{"future version", "schema_version: 9\nfile_type: checkpoint\n", "", true},
		{"missing type", "schema_version: 1\n", "", true},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", true},
		{"mismatch", "schema_version: 1\nfile_type: archive\n", FileTypeCheckpoint, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeader([]byte(tt.content), tt.want)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSchema) {
				t.Errorf("error should wrap ErrSchema: %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.yaml")
	in := doc{SchemaHeader: NewHeader(FileTypeCheckpoint), Version: "7"}
	if err := Save(path, FileTypeCheckpoint, in); err != nil {
		t.Fatal(err)
	}

	var out doc
	if err := Load(path, FileTypeCheckpoint, &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Version != "7" {
		t.Errorf("Version = %q", out.Version)
	}
	if err := Load(path, FileTypeArchive, &out); !errors.Is(err, ErrSchema) {
		t.Errorf("expected ErrSchema for wrong type, got %v", err)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.yaml"), FileTypeCheckpoint, &out); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestRecover_RestoresBackup(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "ckpt.yaml")

	if err := Save(path, FileTypeCheckpoint, doc{SchemaHeader: NewHeader(FileTypeCheckpoint), Version: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := Save(path, FileTypeCheckpoint, doc{SchemaHeader: NewHeader(FileTypeCheckpoint), Version: "2"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("version: [\n"), 0644); err != nil {
		t.Fatal(err)
	}

	restored, err := Recover(root, path)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !restored {
		t.Fatal("expected backup to be restored")
	}

	var out doc
	if err := Load(path, FileTypeCheckpoint, &out); err != nil {
		t.Fatal(err)
	}
	if out.Version != "1" {
		t.Errorf("restored Version = %q, want 1", out.Version)
	}

	q, _ := os.ReadDir(filepath.Join(root, quarantineDir))
	if len(q) != 1 || !strings.HasSuffix(q[0].Name(), ".corrupt") {
		t.Errorf("unexpected quarantine contents: %v", q)
	}
}

func TestRecover_NoBackup(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "lonely.yaml")
	if err := os.WriteFile(path, []byte("x: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	restored, err := Recover(root, path)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if restored {
		t.Error("no backup should be reported as not restored")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should have been moved away")
	}
}
