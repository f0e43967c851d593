// Package audio provides the PCM primitives shared by the mixdeck engine:
// the stream format description, sample-level codec arithmetic, the
// per-source byte queue, and streaming helpers. All audio flowing through
// mixdeck is raw interleaved signed little-endian PCM in a single [Format]
// fixed for the lifetime of an engine instance.
package audio

import (
	"fmt"
	"time"
)

// Format describes the PCM layout of an audio stream: sample rate in Hz,
// interleaved channel count, and signed little-endian bit depth.
type Format struct {
	// SampleRate in Hz (e.g., 48000 for Discord-style voice transports).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// BitDepth is the size of one sample in bits. Supported: 8, 16, 24, 32.
	// Samples are signed little-endian regardless of depth.
	BitDepth int
}

// DefaultFormat is the format used by low-latency voice transports:
// 48 kHz, stereo, 16-bit signed little-endian.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2, BitDepth: 16}

// SampleBytes returns the size of a single sample in bytes.
func (f Format) SampleBytes() int {
	return f.BitDepth / 8
}

// FrameBytes returns the size of one interleaved sample frame in bytes:
// one sample per channel.
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth / 8
}

// ChunkBytes returns the byte length of d worth of audio in this format,
// rounded down to whole sample frames.
func (f Format) ChunkBytes(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.FrameBytes()
}

// Duration returns the playback duration of n bytes of audio in this format.
// Trailing bytes that do not form a whole frame are ignored.
func (f Format) Duration(n int) time.Duration {
	frames := n / f.FrameBytes()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Silence returns n bytes of silence. Signed PCM silence is all zero bytes.
func (f Format) Silence(n int) []byte {
	return make([]byte, n)
}

// Validate reports whether the format is internally coherent.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be > 0, got %d", f.SampleRate)
	}
	if f.Channels < 1 {
		return fmt.Errorf("audio: channel count must be >= 1, got %d", f.Channels)
	}
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("audio: unsupported bit depth %d (supported: 8, 16, 24, 32)", f.BitDepth)
	}
	return nil
}

// String returns a human-readable description, e.g. "48000Hz stereo 16-bit".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %d-bit", f.SampleRate, ch, f.BitDepth)
}
