package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills unset engine fields
// with defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the engine defaults so a
// partial YAML document yields a usable config.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = def.Engine.SampleRate
	}
	if cfg.Engine.Channels == 0 {
		cfg.Engine.Channels = def.Engine.Channels
	}
	if cfg.Engine.BitDepth == 0 {
		cfg.Engine.BitDepth = def.Engine.BitDepth
	}
	if cfg.Engine.MaxStreams == 0 {
		cfg.Engine.MaxStreams = def.Engine.MaxStreams
	}
	if cfg.Engine.ChunkMs == 0 {
		cfg.Engine.ChunkMs = def.Engine.ChunkMs
	}
	if cfg.Engine.PrimingMs == 0 {
		cfg.Engine.PrimingMs = def.Engine.PrimingMs
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := cfg.Engine.Format().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Engine.MaxStreams < 1 {
		errs = append(errs, fmt.Errorf("config: engine.max_streams must be >= 1, got %d", cfg.Engine.MaxStreams))
	}
	if cfg.Engine.ChunkMs < 1 {
		errs = append(errs, fmt.Errorf("config: engine.chunk_ms must be >= 1, got %d", cfg.Engine.ChunkMs))
	}
	if cfg.Engine.PrimingMs < cfg.Engine.ChunkMs {
		errs = append(errs, fmt.Errorf("config: engine.priming_ms (%d) must be >= engine.chunk_ms (%d)",
			cfg.Engine.PrimingMs, cfg.Engine.ChunkMs))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
