// ABOUTME: JSON sidecar cache of the last-known tier and admin presence
// ABOUTME: Always a cache; the database meta table is authoritative

package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersion is the settings file layout version.
const SchemaVersion = 1

// Settings is the on-disk shape of the sidecar file. Every read of tier or
// admin presence must be reconciled against the database at startup.
type Settings struct {
	Schema   int      `json:"schema"`
	Security Security `json:"security"`
	Auth     Auth     `json:"auth"`
}

// Security caches the last-known confidentiality tier.
type Security struct {
	Mode string `json:"mode,omitempty"`
}

// Auth caches whether any admin account exists. Nil means unknown.
type Auth struct {
	HasAdmin *bool `json:"has_admin"`
}

// Default returns a fresh settings value with no cached state.
func Default() *Settings {
	return &Settings{Schema: SchemaVersion}
}

// Load reads the sidecar, returning defaults when the file does not exist.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	s := Default()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if s.Schema == 0 {
		s.Schema = SchemaVersion
	}
	return s, nil
}

// Save writes the sidecar atomically (tmp file + rename).
func Save(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}

// SetSecurityMode records the tier in the sidecar if it differs from the
// cached value. No-op writes are skipped.
func SetSecurityMode(path, mode string) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	if s.Security.Mode == mode {
		return nil
	}
	s.Security.Mode = mode
	return Save(path, s)
}

// SetAdminPresence records whether any admin exists.
func SetAdminPresence(path string, hasAdmin bool) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	if s.Auth.HasAdmin != nil && *s.Auth.HasAdmin == hasAdmin {
		return nil
	}
	s.Auth.HasAdmin = &hasAdmin
	return Save(path, s)
}
