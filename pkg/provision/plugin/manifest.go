package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a provisioner plugin.
type Manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Author  string `yaml:"author,omitempty"`

	// Kinds lists the resource definition kinds the plugin provisions.
	Kinds []string `yaml:"kinds"`

	// Entrypoint is the WASM module, relative to the manifest file.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex SHA-256 of the WASM module. Required.
	Checksum string `yaml:"checksum"`

	// path is the file the manifest was loaded from.
	path string
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if len(m.Kinds) == 0 {
		return fmt.Errorf("at least one kind is required")
	}
	seen := make(map[string]bool, len(m.Kinds))
	for _, k := range m.Kinds {
		if k == "" {
			return fmt.Errorf("empty kind")
		}
		if seen[k] {
			return fmt.Errorf("duplicate kind %s", k)
		}
		seen[k] = true
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	return nil
}

// WasmPath resolves the entrypoint against the manifest location.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Entrypoint) || m.path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.path), m.Entrypoint)
}

// VerifyChecksum checks the module bytes against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	hash := sha256.Sum256(wasm)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// Key identifies the plugin as name@version.
func (m *Manifest) Key() string {
	return m.Name + "@" + m.Version
}
