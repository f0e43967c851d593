// Package wavclip loads short clips from WAV containers and normalises them
// into an engine's PCM format so they can be fed to the repeat scheduler or
// the player. WAV is an uncompressed container, so no codec decoding happens
// here; compressed inputs remain the external decoding collaborator's job.
package wavclip

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mixdeck/pkg/audio"
)

var (
	// ErrNotWAV is returned when the input is not a valid WAV container.
	ErrNotWAV = errors.New("wavclip: not a valid WAV file")

	// ErrUnsupportedDepth is returned for WAV bit depths other than
	// 16, 24, or 32.
	ErrUnsupportedDepth = errors.New("wavclip: unsupported WAV bit depth")

	// ErrUnsupportedChannels is returned when source or target channel
	// layouts are neither mono nor stereo.
	ErrUnsupportedChannels = errors.New("wavclip: only mono and stereo are supported")
)

// Load reads the WAV file at path and returns its audio as raw interleaved
// PCM in the target format.
func Load(path string, target audio.Format) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavclip: open %q: %w", path, err)
	}
	defer f.Close()

	clip, err := Decode(f, target)
	if err != nil {
		return nil, fmt.Errorf("wavclip: decode %q: %w", path, err)
	}
	return clip, nil
}

// LoadAll loads several WAV files concurrently, preserving order. It
// returns the first error encountered.
func LoadAll(target audio.Format, paths ...string) ([][]byte, error) {
	clips := make([][]byte, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			clip, err := Load(path, target)
			if err != nil {
				return err
			}
			clips[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clips, nil
}

// Decode reads a WAV container from r and returns its audio as raw
// interleaved PCM in the target format: samples are scaled to the target
// bit depth, channels converted between mono and stereo, and the clip
// resampled to the target rate with linear interpolation.
func Decode(r io.ReadSeeker, target audio.Format) ([]byte, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target.Channels > 2 {
		return nil, ErrUnsupportedChannels
	}

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavclip: read PCM: %w", err)
	}

	srcRate := buf.Format.SampleRate
	srcChannels := buf.Format.NumChannels
	srcDepth := buf.SourceBitDepth
	if srcDepth == 0 {
		srcDepth = int(dec.BitDepth)
	}
	switch srcDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDepth, srcDepth)
	}
	if srcChannels < 1 || srcChannels > 2 {
		return nil, ErrUnsupportedChannels
	}

	// Scale to the int16 working domain and pack little-endian.
	shift := srcDepth - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		v := s >> shift
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}

	// Resample first, then channel-convert, so stereo data is not
	// resampled when the target is mono.
	if srcRate != target.SampleRate {
		if srcChannels == 1 {
			pcm = audio.ResampleMono16(pcm, srcRate, target.SampleRate)
		} else {
			pcm = audio.ResampleStereo16(pcm, srcRate, target.SampleRate)
		}
	}
	if srcChannels != target.Channels {
		if srcChannels == 1 {
			pcm = audio.MonoToStereo(pcm)
		} else {
			pcm = audio.StereoToMono(pcm)
		}
	}

	if target.BitDepth == 16 {
		return pcm, nil
	}
	return requantize(pcm, target), nil
}

// requantize converts 16-bit little-endian PCM to the target bit depth by
// shifting each sample into the wider or narrower range.
func requantize(pcm []byte, target audio.Format) []byte {
	work := audio.Format{SampleRate: target.SampleRate, Channels: target.Channels, BitDepth: 16}
	samples := len(pcm) / 2
	out := make([]byte, samples*target.SampleBytes())
	shift := target.BitDepth - 16
	for i := 0; i < samples; i++ {
		v := work.ReadSample(pcm, i*2)
		if shift > 0 {
			v <<= shift
		} else {
			v >>= -shift
		}
		target.WriteSample(out, i*target.SampleBytes(), v)
	}
	return out
}
