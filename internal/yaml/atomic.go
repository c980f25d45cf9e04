// Package yaml provides crash-safe YAML persistence: atomic replacement with a
// one-deep backup, schema headers, and quarantine of unreadable files.
package yaml

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// Save marshals doc and replaces path with it. When fileType is set, doc must
// carry a matching schema header; an unheadered file such as config.yaml
// passes "".
func Save(path, fileType string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return Replace(path, fileType, content)
}

// Replace writes content next to path, fsyncs it and checks the copy on disk
// before renaming it over path. The file being replaced is kept as path+".bak"
// as long as it is itself readable; a corrupt current file never overwrites
// the last good backup.
func Replace(path, fileType string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPattern(fileType))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	onDisk, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("re-read %s: %w", tmpName, err)
	}
	if !bytes.Equal(onDisk, content) {
		return fmt.Errorf("%s: short write (%d of %d bytes)", tmpName, len(onDisk), len(content))
	}
	if err := check(onDisk, fileType); err != nil {
		return fmt.Errorf("refusing to replace %s: %w", path, err)
	}

	if err := keepBackup(path, fileType); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename over %s: %w", path, err)
	}
	return syncDir(dir)
}

func tempPattern(fileType string) string {
	if fileType == "" {
		return ".troupe-*.tmp"
	}
	return ".troupe-" + fileType + "-*.tmp"
}

func check(content []byte, fileType string) error {
	if fileType != "" {
		return ValidateSchemaHeader(content, fileType)
	}
	return validateYAML(content)
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// keepBackup copies a readable path to path+".bak". A missing path has
// nothing to keep.
func keepBackup(path, fileType string) error {
	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if check(current, fileType) != nil {
		return nil
	}
	bak, err := os.Create(path + ".bak")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer func() { _ = bak.Close() }()
	if _, err := bak.Write(current); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return bak.Sync()
}

// syncDir makes the rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
