package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/certrotor/internal/errors"
)

// Load reads the YAML file at path over the defaults, applies environment
// overrides, derives unset paths and validates the result. A missing file is a
// ConfigError: certrotor never runs against an implicit cluster.
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: operator-supplied config path.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Configf("file", "%s does not exist", path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes raw YAML with the given environment source.
func Parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &errors.ConfigError{Reason: "parse: " + err.Error()}
	}

	if err := MergeFromLookup(cfg, lookup); err != nil {
		return nil, &errors.ConfigError{Reason: err.Error()}
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
