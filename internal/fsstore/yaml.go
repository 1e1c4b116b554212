package fsstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReadYAML decodes the yaml file at path into out. A missing or empty file
// is not an error; found reports whether anything was decoded.
func ReadYAML(path string, out any) (found bool, err error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(normalizedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read yaml %s: %w", normalizedPath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode yaml %s: %w", normalizedPath, err)
	}
	return true, nil
}

// WriteYAMLAtomic marshals v and replaces the file at path atomically.
func WriteYAMLAtomic(path string, v any) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode yaml %s: %w", normalizedPath, err)
	}
	return writeAtomic(normalizedPath, data)
}
