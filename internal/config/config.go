// Package config provides the configuration schema and loader for the
// mixdeck playback engine.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/mixdeck/pkg/audio"
	"github.com/MrWong99/mixdeck/pkg/audio/mixer"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for mixdeck.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Engine   EngineConfig `yaml:"engine"`
	LogLevel LogLevel     `yaml:"log_level"`
}

// EngineConfig holds the playback engine settings.
type EngineConfig struct {
	// SampleRate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count. Default: 2.
	Channels int `yaml:"channels"`

	// BitDepth is the signed little-endian sample size in bits.
	// Default: 16.
	BitDepth int `yaml:"bit_depth"`

	// MaxStreams caps concurrently playing sources per session. Default: 8.
	MaxStreams int `yaml:"max_streams"`

	// ChunkMs is the tick cadence and emitted chunk duration in
	// milliseconds. Default: 20.
	ChunkMs int `yaml:"chunk_ms"`

	// PrimingMs is how much audio a source must buffer before output
	// begins, in milliseconds. Default: 60.
	PrimingMs int `yaml:"priming_ms"`
}

// Default returns a Config populated with the engine defaults:
// 48 kHz stereo 16-bit, 8 streams, 20 ms chunks, 60 ms priming.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			SampleRate: audio.DefaultFormat.SampleRate,
			Channels:   audio.DefaultFormat.Channels,
			BitDepth:   audio.DefaultFormat.BitDepth,
			MaxStreams: mixer.DefaultMaxSources,
			ChunkMs:    int(mixer.DefaultChunkDuration / time.Millisecond),
			PrimingMs:  int(mixer.DefaultPrimingThreshold / time.Millisecond),
		},
		LogLevel: LogInfo,
	}
}

// Format returns the PCM format described by the engine settings.
func (c EngineConfig) Format() audio.Format {
	return audio.Format{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		BitDepth:   c.BitDepth,
	}
}

// MixerOptions returns the engine options described by the settings.
// Zero-valued fields are left to the engine defaults.
func (c EngineConfig) MixerOptions() []mixer.Option {
	var opts []mixer.Option
	if c.MaxStreams > 0 {
		opts = append(opts, mixer.WithMaxSources(c.MaxStreams))
	}
	if c.ChunkMs > 0 {
		opts = append(opts, mixer.WithChunkDuration(time.Duration(c.ChunkMs)*time.Millisecond))
	}
	if c.PrimingMs > 0 {
		opts = append(opts, mixer.WithPrimingThreshold(time.Duration(c.PrimingMs)*time.Millisecond))
	}
	return opts
}
