// Package filestore implements transport.ConfigStore by persisting the
// settings blob as a single JSON file, the way
// original_source/buffet/device_registration_info.cc's Load/Save pair read
// and fully rewrite "/var/lib/buffet/device_reg_info". Unlike the original,
// Save writes to a temp file and renames over the destination, the
// tempfile+rename pattern spec.md §5 recommends for atomic full rewrites.
package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gcdcore/agent/internal/errs"
)

// Store persists settings at a fixed path and reads bundled schema defaults
// from a separate single JSON file (spec.md §6).
type Store struct {
	settingsPath string
	defaultsPath string
}

// New creates a Store. defaultsPath is the well-known base-dictionary file
// (e.g. gcd.json); settingsPath is the registration record's fixed path.
func New(settingsPath, defaultsPath string) *Store {
	return &Store{settingsPath: settingsPath, defaultsPath: defaultsPath}
}

// LoadDefaults reads the bundled base-command schema JSON.
func (s *Store) LoadDefaults() (json.RawMessage, error) {
	data, err := os.ReadFile(s.defaultsPath)
	if err != nil {
		return nil, errs.Wrapf(err, errs.DomainFileSystem, "file_read_error", "reading defaults from %s", s.defaultsPath)
	}
	return json.RawMessage(data), nil
}

// LoadSettings reads the persisted settings file. Returns an empty string
// and no error if the file does not exist yet (spec.md §4.4: "any missing
// required key leaves the agent in Unconfigured" — an absent file is the
// degenerate case of that).
func (s *Store) LoadSettings() (string, error) {
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrapf(err, errs.DomainFileSystem, "file_read_error", "reading settings from %s", s.settingsPath)
	}
	return string(data), nil
}

// SaveSettings fully rewrites the settings file via a temp file + rename,
// never a partial write (spec.md §5).
func (s *Store) SaveSettings(settings string) error {
	dir := filepath.Dir(s.settingsPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrapf(err, errs.DomainFileSystem, "file_write_error", "creating directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".device_reg_info-*.tmp")
	if err != nil {
		return errs.Wrap(err, errs.DomainFileSystem, "file_write_error", "creating temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(settings); err != nil {
		tmp.Close()
		return errs.Wrap(err, errs.DomainFileSystem, "file_write_error", "writing temp file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errs.Wrap(err, errs.DomainFileSystem, "file_write_error", "setting temp file permissions")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(err, errs.DomainFileSystem, "file_write_error", "closing temp file")
	}

	if err := os.Rename(tmpPath, s.settingsPath); err != nil {
		return errs.Wrapf(err, errs.DomainFileSystem, "file_write_error", "renaming into place at %s", s.settingsPath)
	}
	return nil
}
