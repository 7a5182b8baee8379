// Package security validates the operator-supplied inputs that end up on a
// cryptsetup command line or are read as key material.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxKeyFileSize is cryptsetup's default key-file size limit (8 MiB).
const DefaultMaxKeyFileSize = 8 * 1024 * 1024

// Validator checks device paths and key files.
type Validator struct {
	maxKeyFileSize int64
	devRoot        string
}

// NewValidator creates a validator. Key files larger than maxKeyFileSize are
// rejected; device paths must live under /dev.
func NewValidator(maxKeyFileSize int64) *Validator {
	slog.Info("security_validator_init", "max_key_file_size_kb", maxKeyFileSize/1024)

	return &Validator{
		maxKeyFileSize: maxKeyFileSize,
		devRoot:        "/dev",
	}
}

// SanitizeMappingName reduces name to its final path element, the form
// device-mapper expects. Names that are empty after that, or that are "."
// or "..", are rejected.
func SanitizeMappingName(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if strings.ContainsRune(clean, '/') {
		clean = filepath.Base(filepath.Clean(clean))
		slog.Warn("security_mapping_name_stripped", "name", name, "sanitized", clean)
	}

	switch clean {
	case "", ".", "..", "/":
		slog.Error("security_mapping_name_invalid", "name", name)
		return "", fmt.Errorf("security: invalid mapping name %q", name)
	}
	if strings.ContainsAny(clean, " \t\n") {
		slog.Error("security_mapping_name_invalid", "name", name, "reason", "whitespace")
		return "", fmt.Errorf("security: mapping name %q contains whitespace", name)
	}
	return clean, nil
}

// ValidateDevicePath requires an absolute, clean path under /dev.
func (v *Validator) ValidateDevicePath(device string) error {
	if !filepath.IsAbs(device) {
		slog.Error("security_device_validation_failed", "device", device, "reason", "relative_path")
		return fmt.Errorf("security: device path must be absolute: %s", device)
	}

	clean := filepath.Clean(device)
	if clean != device {
		slog.Error("security_device_validation_failed", "device", device, "reason", "unclean_path")
		return fmt.Errorf("security: device path is not clean: %s", device)
	}

	if !strings.HasPrefix(clean, v.devRoot+"/") {
		slog.Error("security_device_validation_failed", "device", device, "reason", "outside_dev")
		return fmt.Errorf("security: device path must be under %s: %s", v.devRoot, device)
	}
	return nil
}

// ValidateKeyFile checks that path is a regular, non-empty file within the
// size limit. Key files readable by group or others are accepted with a
// warning.
func (v *Validator) ValidateKeyFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		slog.Error("security_key_file_validation_failed", "path", path, "error", err)
		return fmt.Errorf("security: key file %s: %w", path, err)
	}

	if !fi.Mode().IsRegular() {
		slog.Error("security_key_file_validation_failed", "path", path, "reason", "not_regular")
		return fmt.Errorf("security: key file %s is not a regular file", path)
	}

	if fi.Size() == 0 {
		slog.Error("security_key_file_validation_failed", "path", path, "reason", "empty")
		return fmt.Errorf("security: key file %s is empty", path)
	}

	if fi.Size() > v.maxKeyFileSize {
		slog.Error("security_key_file_size_exceeded",
			"size_kb", fi.Size()/1024,
			"max_size_kb", v.maxKeyFileSize/1024)
		return fmt.Errorf("security: key file size %d exceeds max %d", fi.Size(), v.maxKeyFileSize)
	}

	if fi.Mode().Perm()&0o077 != 0 {
		slog.Warn("security_key_file_permissive", "path", path, "mode", fi.Mode().Perm().String())
	}
	return nil
}
