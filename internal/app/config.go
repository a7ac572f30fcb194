package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dmls/internal/protocol/mls"
	"dmls/internal/services/continuity"
	"dmls/internal/store"
)

// Storage backends.
const (
	BackendJSON = "json"
	BackendBolt = "bolt"
)

// Config holds runtime wiring options. File values are read from YAML and
// may be overridden by flags.
type Config struct {
	Ciphersuite    string `yaml:"ciphersuite"`
	ExporterLength int    `yaml:"exporter_length"`
	LogLevel       string `yaml:"log_level"`
	Backend        string `yaml:"backend"`
	PassphraseKDF  string `yaml:"passphrase_kdf"`

	// Passphrase never comes from the config file.
	Passphrase string `yaml:"-"`
}

// maxExporterLength is the HKDF-SHA256 output limit.
const maxExporterLength = 255 * 32

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Ciphersuite:    mls.X25519ChaCha20SHA256Ed25519.String(),
		ExporterLength: continuity.DefaultExporterLength,
		LogLevel:       "warn",
		Backend:        BackendJSON,
	}
}

// LoadConfig reads a YAML config on top of the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks every field that the wiring would otherwise reject later.
func (c Config) Validate() error {
	if _, err := mls.ParseCiphersuite(c.Ciphersuite); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ExporterLength <= 0 || c.ExporterLength > maxExporterLength {
		return fmt.Errorf("config: exporter_length %d out of range 1..%d", c.ExporterLength, maxExporterLength)
	}
	switch c.Backend {
	case BackendJSON, BackendBolt:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if _, err := store.ParseKDF(c.PassphraseKDF); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) ciphersuite() mls.Ciphersuite {
	cs, err := mls.ParseCiphersuite(c.Ciphersuite)
	if err != nil {
		return mls.X25519ChaCha20SHA256Ed25519
	}
	return cs
}
