// Package repeat builds a single PCM stream out of short clips placed on a
// delay schedule: each scheduled clip instance is laid down at its sample
// offset and overlapping instances are mix-summed, producing intentional
// "repeated-hit" effects. It reuses the sample codec but not the mixing
// engine, and generates its output incrementally so large schedules never
// block the caller.
package repeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/mixdeck/pkg/audio"
)

// ErrEmptySchedule is returned when no clips or no delays are supplied.
var ErrEmptySchedule = errors.New("repeat: at least one clip and one delay are required")

// DefaultChunkDuration is the span of each generated output chunk.
const DefaultChunkDuration = 20 * time.Millisecond

// defaultChunkBuffer is how many generated chunks may queue ahead of the
// consumer before the generator goroutine blocks.
const defaultChunkBuffer = 4

// Mode selects how delays position clip instances.
type Mode int

const (
	// ModeAbsolute treats each delay as an offset from t=0.
	ModeAbsolute Mode = iota

	// ModeAdditive treats each delay as relative to the prior instance's
	// start, accumulating along the schedule.
	ModeAdditive
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAbsolute:
		return "absolute"
	case ModeAdditive:
		return "additive"
	default:
		return "unknown"
	}
}

// Option configures a schedule.
type Option func(*scheduler)

// WithChunkDuration sets the span of each generated output chunk.
// Values of zero or below are ignored.
func WithChunkDuration(d time.Duration) Option {
	return func(s *scheduler) {
		if d > 0 {
			s.chunkDur = d
		}
	}
}

// entry is one positioned clip instance.
type entry struct {
	startFrame int
	clip       []byte
	frames     int
}

type scheduler struct {
	format   audio.Format
	chunkDur time.Duration
	entries  []entry
	total    int // output length in frames

	samples []int
	gains   []float64
}

// Schedule lays the clips out according to delays and mode and returns a
// stream of the combined audio. Clips are raw PCM in the given format and
// are assigned round-robin when more delays than clips are supplied; bytes
// beyond the last whole sample frame of a clip are ignored. The output
// length is the latest (offset + clip length) across all instances;
// overlap regions sum with implicit gain 1.0 and clamp.
//
// Chunks are generated on a goroutine; the returned stream's channel closes
// once the schedule is fully rendered.
func Schedule(format audio.Format, clips [][]byte, delays []time.Duration, mode Mode, opts ...Option) (*audio.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("repeat: %w", err)
	}
	if len(clips) == 0 || len(delays) == 0 {
		return nil, ErrEmptySchedule
	}

	s := &scheduler{format: format, chunkDur: DefaultChunkDuration}
	for _, o := range opts {
		o(s)
	}

	frameBytes := format.FrameBytes()
	cursor := 0
	for i, d := range delays {
		offset := frames(format, d)
		if offset < 0 {
			return nil, fmt.Errorf("repeat: delay %d is negative (%v)", i, d)
		}
		if mode == ModeAdditive {
			cursor += offset
			offset = cursor
		}
		clip := clips[i%len(clips)]
		en := entry{
			startFrame: offset,
			clip:       clip,
			frames:     len(clip) / frameBytes,
		}
		s.entries = append(s.entries, en)
		if end := en.startFrame + en.frames; end > s.total {
			s.total = end
		}
	}

	ch := make(chan []byte, defaultChunkBuffer)
	go s.render(ch)
	return audio.NewStream(ch), nil
}

// render generates the scheduled output chunk by chunk and closes out.
func (s *scheduler) render(out chan<- []byte) {
	defer close(out)

	chunkFrames := s.format.ChunkBytes(s.chunkDur) / s.format.FrameBytes()
	if chunkFrames < 1 {
		chunkFrames = 1
	}

	for w := 0; w < s.total; w += chunkFrames {
		n := chunkFrames
		if w+n > s.total {
			n = s.total - w
		}
		out <- s.mixWindow(w, n)
	}
}

// mixWindow renders n frames starting at absolute frame w. Every instance
// active at a sample position contributes with gain 1.0; positions with no
// active instance stay silent.
func (s *scheduler) mixWindow(w, n int) []byte {
	f := s.format
	out := make([]byte, n*f.FrameBytes())

	for fr := 0; fr < n; fr++ {
		abs := w + fr
		for ch := 0; ch < f.Channels; ch++ {
			s.samples = s.samples[:0]
			s.gains = s.gains[:0]
			for _, en := range s.entries {
				rel := abs - en.startFrame
				if rel < 0 || rel >= en.frames {
					continue
				}
				s.samples = append(s.samples, f.ReadSample(en.clip, f.SampleOffset(rel, ch)))
				s.gains = append(s.gains, 1.0)
			}
			if len(s.samples) == 0 {
				continue
			}
			f.WriteSample(out, f.SampleOffset(fr, ch), f.MixSamples(s.samples, s.gains))
		}
	}
	return out
}

// frames converts a duration to a whole frame count in the given format.
func frames(f audio.Format, d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}
