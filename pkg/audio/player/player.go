// Package player provides the playback orchestration facade over the
// mixing engine: it generates opaque play ids, registers streaming sources,
// pumps their bytes into the engine, and exposes stop, pause, and
// introspection operations. One Player owns one [mixer.Engine]; separate
// players (separate playback sessions) are fully independent.
package player

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/mixdeck/pkg/audio"
	"github.com/MrWong99/mixdeck/pkg/audio/mixer"
)

// errNilStream rejects Add calls without a stream.
var errNilStream = errors.New("player: source stream is required")

// Source describes one feed submitted for playback.
type Source struct {
	// Stream delivers the raw PCM bytes, already in the player's format.
	Stream *audio.Stream

	// Volume is the initial per-source gain in [0, 1].
	Volume float64

	// Name is optional human-readable metadata used in logs.
	Name string

	// OnComplete, if non-nil, fires exactly once when playback of this
	// source finishes, whether it drained naturally, was stopped, or its
	// producer faulted. Must not block for extended periods.
	OnComplete func()
}

// Player is the orchestration layer over a [mixer.Engine]. All exported
// methods are safe for concurrent use.
type Player struct {
	engine *mixer.Engine

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a Player that emits mixed chunks in the given format to the
// output callback. Engine behaviour is tuned via mixer options.
func New(format audio.Format, output func([]byte), opts ...mixer.Option) *Player {
	return &Player{
		engine: mixer.New(format, output, opts...),
		active: make(map[string]struct{}),
	}
}

// Engine returns the underlying mixing engine.
func (p *Player) Engine() *mixer.Engine {
	return p.engine
}

// Add registers src for playback and returns its opaque play id. It fails
// with [mixer.ErrCapacityExceeded] at the concurrency cap and returns
// immediately without waiting for priming. The stream's bytes are pumped
// into the engine from a dedicated goroutine; a stream error removes only
// this source while every other source keeps playing.
func (p *Player) Add(src Source) (string, error) {
	if src.Stream == nil {
		return "", errNilStream
	}
	id := uuid.NewString()

	p.mu.Lock()
	p.active[id] = struct{}{}
	p.mu.Unlock()

	err := p.engine.AddSource(mixer.Source{
		ID:     id,
		Volume: src.Volume,
		Name:   src.Name,
		OnComplete: func() {
			p.mu.Lock()
			delete(p.active, id)
			p.mu.Unlock()
			if src.OnComplete != nil {
				src.OnComplete()
			}
		},
	})
	if err != nil {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
		return "", err
	}

	go p.pump(id, src)
	return id, nil
}

// pump copies the stream's byte spans into the engine until the stream
// closes or the engine stops accepting (source removed or engine closed).
// On a clean close the source is marked finished so buffered audio drains;
// on a stream error the source is force-removed, isolating the fault.
func (p *Player) pump(id string, src Source) {
	for span := range src.Stream.Data {
		if !p.engine.Append(id, span) {
			// The source is gone; discard the rest of the feed so the
			// producer goroutine is not left blocked on a full channel.
			audio.Drain(src.Stream.Data)
			return
		}
	}

	if err := src.Stream.Err(); err != nil {
		slog.Warn("player: source stream failed", "id", id, "name", src.Name, "error", err)
		p.engine.RemoveSource(id)
		return
	}
	p.engine.FinishSource(id)
}

// StopByID force-removes one source, firing its completion callback. It
// reports whether the source existed; stopping an unknown id leaves all
// other sources unaffected.
func (p *Player) StopByID(id string) bool {
	return p.engine.RemoveSource(id)
}

// StopAll force-removes every registered source.
func (p *Player) StopAll() {
	for _, id := range p.ActiveIDs() {
		p.engine.RemoveSource(id)
	}
}

// SetVolume updates a source's gain, clamped to [0, 1]. It reports whether
// the source existed.
func (p *Player) SetVolume(id string, v float64) bool {
	return p.engine.SetVolume(id, v)
}

// ActiveCount returns the number of currently registered sources.
func (p *Player) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// ActiveIDs returns the play ids of all currently registered sources,
// sorted for deterministic output.
func (p *Player) ActiveIDs() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Pause suspends mixing. Sources keep buffering while paused, so Resume is
// gap-free up to buffer capacity.
func (p *Player) Pause() {
	p.engine.Pause()
}

// Resume restarts mixing after [Player.Pause].
func (p *Player) Resume() {
	p.engine.Resume()
}

// Close stops playback and releases the engine. All pending completion
// callbacks fire; pump goroutines drain their streams and exit. Close is
// idempotent.
func (p *Player) Close() error {
	return p.engine.Close()
}
