package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const quarantineDir = "quarantine"

// Quarantine moves filePath into rootDir/quarantine under a timestamped
// ".corrupt" name and returns the new location.
func Quarantine(rootDir, filePath string) (string, error) {
	dir := filepath.Join(rootDir, quarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath+".bak" if the backup
// parses as YAML. The backup keeps its schema header.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := Replace(filePath, "", content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupt file and tries to put its backup in place.
// It reports whether a backup was restored.
func Recover(rootDir, filePath string) (bool, error) {
	if _, err := Quarantine(rootDir, filePath); err != nil {
		return false, err
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return false, nil
	}
	return true, nil
}
