package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// File types written by troupe.
const (
	FileTypeCheckpoint = "checkpoint"
	FileTypeArchive    = "archive"
	FileTypeStatusSync = "status_sync"
)

var validFileTypes = map[string]bool{
	FileTypeCheckpoint: true,
	FileTypeArchive:    true,
	FileTypeStatusSync: true,
}

// ErrSchema marks a file whose header is missing, unknown or mismatched.
var ErrSchema = errors.New("invalid schema header")

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeader(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("%w: schema_version %d (must be >= 1)", ErrSchema, header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("%w: unsupported schema_version %d (max %d)", ErrSchema, header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("%w: missing file_type", ErrSchema)
	case !validFileTypes[header.FileType]:
		return fmt.Errorf("%w: unknown file_type %q", ErrSchema, header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("%w: file_type %q, expected %q", ErrSchema, header.FileType, expectedFileType)
	}
	return nil
}

// Load reads path, checks its schema header against fileType and decodes it
// into v. A missing file is returned as an error satisfying os.IsNotExist.
func Load(path, fileType string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeader(content, fileType); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
