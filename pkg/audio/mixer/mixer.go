// Package mixer implements the real-time PCM mixing engine at the heart of
// mixdeck. An [Engine] owns a set of independently-arriving sources, drains
// a fixed-duration chunk from each on a drift-free cadence, mixes them
// sample-accurately with per-source volume, and emits one combined chunk per
// tick to an output callback. Sources can arrive, error, or finish at
// arbitrary times while mixing continues uninterrupted.
package mixer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mixdeck/pkg/audio"
)

var (
	// ErrCapacityExceeded is returned by [Engine.AddSource] when the engine
	// already holds its maximum number of concurrent sources. No engine
	// state changes; the caller may retry after a source completes.
	ErrCapacityExceeded = errors.New("mixer: max concurrent sources reached")

	// ErrDuplicateID is returned by [Engine.AddSource] when the id is
	// already registered. Should not occur with player-generated ids.
	ErrDuplicateID = errors.New("mixer: source id already registered")

	// ErrClosed is returned by [Engine.AddSource] after [Engine.Close].
	ErrClosed = errors.New("mixer: engine is closed")
)

const (
	// DefaultMaxSources is the default hard cap on concurrently registered
	// sources.
	DefaultMaxSources = 8

	// DefaultChunkDuration is the default cadence of the tick loop and the
	// duration of every emitted chunk.
	DefaultChunkDuration = 20 * time.Millisecond

	// DefaultPrimingThreshold is the default amount of audio a single
	// source must buffer before periodic output begins. Three chunks bounds
	// worst-case start latency while avoiding an immediate underrun.
	DefaultPrimingThreshold = 60 * time.Millisecond
)

// State identifies the engine lifecycle phase.
type State int

const (
	// StateIdle: no sources registered, no tick loop running.
	StateIdle State = iota

	// StatePriming: at least one source registered, waiting for enough
	// buffered audio before output begins.
	StatePriming

	// StateRunning: the periodic tick loop is active.
	StateRunning
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePriming:
		return "priming"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Tick describes one completed scheduler tick. It is passed to the observer
// registered via [WithTickObserver] so that observability wiring can record
// metrics without the engine depending on any telemetry library.
type Tick struct {
	// MixDuration is the time spent inside the tick (mixing and cleanup),
	// not the tick period itself.
	MixDuration time.Duration

	// Sources is the number of registered sources at the start of the tick.
	Sources int

	// Emitted reports whether a combined chunk was produced.
	Emitted bool

	// Underrun reports whether emission was skipped because no non-ended
	// source had a full chunk buffered.
	Underrun bool

	// Completed is the number of sources deregistered during this tick's
	// cleanup phase.
	Completed int
}

// Stats is a snapshot of engine counters since construction.
type Stats struct {
	Ticks            uint64
	ChunksEmitted    uint64
	Underruns        uint64
	SourcesCompleted uint64
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithMaxSources sets the hard cap on concurrently registered sources.
// Values below 1 are ignored.
func WithMaxSources(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSources = n
		}
	}
}

// WithChunkDuration sets the tick cadence and emitted chunk duration.
// Values of zero or below are ignored.
func WithChunkDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.chunkDur = d
		}
	}
}

// WithPrimingThreshold sets how much audio a single source must buffer
// before periodic output begins. Values of zero or below are ignored.
func WithPrimingThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.primingDur = d
		}
	}
}

// WithTickObserver registers fn to be invoked after every tick with a
// [Tick] record. fn is called from the tick goroutine and must not block.
func WithTickObserver(fn func(Tick)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// Engine mixes an arbitrary number of independently-arriving PCM sources
// into one continuous chunk stream. Producers append bytes from their own
// goroutines; a single timer-driven tick loop is the sole consumer of the
// per-source buffers, so a stalled producer can never block the scheduler;
// it only causes silence-padding for that source, or a skipped emission
// when no source qualifies.
//
// All exported methods are safe for concurrent use. One Engine fully
// serialises its own mixing; separate instances are independent.
type Engine struct {
	format     audio.Format
	output     func([]byte) // receives one combined chunk per emitting tick
	maxSources int
	chunkDur   time.Duration
	primingDur time.Duration
	observer   func(Tick)

	chunkBytes   int
	primingBytes int
	frameBytes   int

	// outMu serialises output callback invocations across tick loop
	// generations. emittedGen, guarded by outMu, is the newest generation
	// that has emitted; a superseded loop still blocked on emission must
	// not deliver its chunk after a newer generation has.
	outMu      sync.Mutex
	emittedGen uint64

	mu      sync.Mutex
	sources map[string]*source
	order   []string // insertion order, for deterministic mixing
	state   State
	paused  bool
	closed  bool
	stop    chan struct{} // closed to halt the current tick loop
	gen     uint64        // tick loop generation; a stale loop exits on next step
	stats   Stats

	// Scratch buffers reused across ticks. Only the tick goroutine touches
	// them, always under mu.
	mixData    [][]byte
	mixGains   []float64
	mixSamples []int
	mixWeights []float64
}

// New creates an Engine that emits combined chunks in the given format to
// the output callback. format must satisfy [audio.Format.Validate]; output
// must not be nil. Calls to output are serialised and chunk-ordered, even
// across pause/resume restarts of the tick loop.
//
// The engine starts Idle. Call [Engine.Close] to release it.
func New(format audio.Format, output func([]byte), opts ...Option) *Engine {
	e := &Engine{
		format:     format,
		output:     output,
		maxSources: DefaultMaxSources,
		chunkDur:   DefaultChunkDuration,
		primingDur: DefaultPrimingThreshold,
		sources:    make(map[string]*source),
	}
	for _, o := range opts {
		o(e)
	}
	e.chunkBytes = format.ChunkBytes(e.chunkDur)
	e.primingBytes = format.ChunkBytes(e.primingDur)
	e.frameBytes = format.FrameBytes()
	return e
}

// Format returns the engine's fixed PCM format.
func (e *Engine) Format() audio.Format {
	return e.format
}

// ChunkDuration returns the tick cadence.
func (e *Engine) ChunkDuration() time.Duration {
	return e.chunkDur
}

// AddSource registers src. It fails with [ErrCapacityExceeded] at the
// concurrency cap and [ErrDuplicateID] on id reuse, leaving existing
// sources untouched. Registering the first source moves an Idle engine to
// Priming; output begins once any source has buffered the priming
// threshold (or has already ended).
func (e *Engine) AddSource(src Source) error {
	if src.ID == "" {
		return errors.New("mixer: source id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.sources[src.ID]; ok {
		return ErrDuplicateID
	}
	if len(e.sources) >= e.maxSources {
		return ErrCapacityExceeded
	}

	e.sources[src.ID] = &source{cfg: src, volume: clampVolume(src.Volume)}
	e.order = append(e.order, src.ID)
	if e.state == StateIdle {
		e.state = StatePriming
		slog.Debug("mixer: priming", "source", src.ID)
	}
	return nil
}

// Append delivers raw PCM bytes for the identified source. The engine takes
// ownership of p. It reports whether the bytes were accepted; false means
// the source is unknown, already ended, or the engine is closed; producers
// should stop delivering and drain their own feed.
func (e *Engine) Append(id string, p []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	s, ok := e.sources[id]
	if !ok || s.ended {
		return false
	}
	s.buf.Append(p)
	e.maybeStartLocked()
	return true
}

// FinishSource marks the identified source as ended: no further bytes will
// arrive. The source stays registered while buffered audio remains and is
// deregistered, firing its completion callback exactly once, when its
// buffer drops below one sample frame.
func (e *Engine) FinishSource(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sources[id]
	if !ok || s.ended {
		return
	}
	s.ended = true
	// A short clip may end below the priming threshold; it must still play.
	e.maybeStartLocked()
}

// RemoveSource force-removes the identified source, discarding its buffered
// bytes synchronously and firing its completion callback exactly once.
// Use it for producer faults or explicit stops. It reports whether the
// source existed. Removing the last source returns the engine to Idle and
// halts the tick loop; no further ticks fire.
func (e *Engine) RemoveSource(id string) bool {
	e.mu.Lock()
	s, ok := e.sources[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	cb := e.deregisterLocked(id, s)
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}

// SetVolume updates the per-source gain, clamped to [0, 1]. It reports
// whether the source existed. The new volume applies from the next tick.
func (e *Engine) SetVolume(id string, v float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sources[id]
	if !ok {
		return false
	}
	s.volume = clampVolume(v)
	return true
}

// Pause suspends the tick loop. Sources keep buffering while paused, so
// [Engine.Resume] is gap-free up to buffer capacity. Pause is idempotent.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused || e.closed {
		return
	}
	e.paused = true
	e.stopLoopLocked()
}

// Resume restarts the tick loop after [Engine.Pause]. The cadence anchor is
// reset, so no burst of catch-up ticks fires for the paused interval.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.paused || e.closed {
		return
	}
	e.paused = false
	switch e.state {
	case StateRunning:
		e.startLoopLocked()
	case StatePriming:
		e.maybeStartLocked()
	}
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Sources returns the ids of all registered sources in registration order.
func (e *Engine) Sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Buffered returns the number of unconsumed bytes buffered for the
// identified source, or 0 if it is not registered.
func (e *Engine) Buffered(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sources[id]; ok {
		return s.buf.Len()
	}
	return 0
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close halts the tick loop, deregisters every source (firing each
// completion callback exactly once), and marks the engine unusable.
// Close is idempotent; subsequent calls are no-ops and return nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopLoopLocked()

	var callbacks []func()
	for _, id := range e.order {
		if cb := e.completeLocked(e.sources[id]); cb != nil {
			callbacks = append(callbacks, cb)
		}
		delete(e.sources, id)
	}
	e.order = e.order[:0]
	e.state = StateIdle
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// maybeStartLocked transitions Priming → Running once any single source has
// buffered the priming threshold, or any source has already ended (a clip
// shorter than the threshold must not stall startup). Must be called with
// e.mu held.
func (e *Engine) maybeStartLocked() {
	if e.state != StatePriming || e.paused {
		return
	}
	for _, s := range e.sources {
		if s.ended || s.buf.Len() >= e.primingBytes {
			e.state = StateRunning
			slog.Debug("mixer: running", "sources", len(e.sources))
			e.startLoopLocked()
			return
		}
	}
}

// startLoopLocked launches a fresh tick loop generation with a new cadence
// anchor. Must be called with e.mu held.
func (e *Engine) startLoopLocked() {
	e.gen++
	e.stop = make(chan struct{})
	go e.run(e.gen, e.stop)
}

// stopLoopLocked halts the current tick loop, if any. Bumping the
// generation guarantees that a loop already past its timer emits nothing
// further. Must be called with e.mu held.
func (e *Engine) stopLoopLocked() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.gen++
}

// deregisterLocked removes the source from the registry and returns its
// pending completion callback (nil if already fired). Removal of the last
// source returns the engine to Idle and halts the tick loop. Must be called
// with e.mu held.
func (e *Engine) deregisterLocked(id string, s *source) func() {
	delete(e.sources, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if len(e.sources) == 0 && e.state != StateIdle {
		e.state = StateIdle
		e.stopLoopLocked()
		slog.Debug("mixer: idle")
	}
	return e.completeLocked(s)
}

// completeLocked marks the source completed and returns its callback, or
// nil if completion was already delivered. Must be called with e.mu held.
func (e *Engine) completeLocked(s *source) func() {
	if s.completed {
		return nil
	}
	s.completed = true
	e.stats.SourcesCompleted++
	return s.cfg.OnComplete
}

// run is the tick loop. Each iteration sleeps until the anchored target
// time start + n*chunkDur, so scheduling error never accumulates over long
// sessions, then executes one mixing step. The loop exits when stop closes
// or when its generation is superseded.
func (e *Engine) run(gen uint64, stop chan struct{}) {
	start := time.Now()
	next := start.Add(e.chunkDur)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		if !e.step(gen) {
			return
		}

		next = next.Add(e.chunkDur)
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

// step executes one tick: decide whether to emit, mix and emit the combined
// chunk, then clean up drained ended sources. It reports whether the loop
// should continue.
func (e *Engine) step(gen uint64) bool {
	began := time.Now()

	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return false
	}
	e.stats.Ticks++

	tick := Tick{Sources: len(e.sources)}

	// Emit only when at least one non-ended source has a full chunk
	// buffered, or every registered source has ended and at least one
	// still holds audio to drain. No cross-source silence padding: a real
	// stall is not masked, and an empty ended source never forces a
	// silent chunk.
	ready := false
	allEnded := true
	drainable := false
	for _, s := range e.sources {
		if s.ended {
			if s.buf.Len() >= e.frameBytes {
				drainable = true
			}
			continue
		}
		allEnded = false
		if s.buf.Len() >= e.chunkBytes {
			ready = true
		}
	}

	var out []byte
	switch {
	case ready || (allEnded && drainable):
		out = e.mixLocked()
		e.stats.ChunksEmitted++
		tick.Emitted = true
	case !allEnded:
		e.stats.Underruns++
		tick.Underrun = true
	}

	// Cleanup: ended sources drained below one sample frame are done.
	var callbacks []func()
	for i := 0; i < len(e.order); {
		id := e.order[i]
		s := e.sources[id]
		if s.ended && s.buf.Len() < e.frameBytes {
			if cb := e.deregisterLocked(id, s); cb != nil {
				callbacks = append(callbacks, cb)
			}
			tick.Completed++
			continue // deregisterLocked compacted e.order
		}
		i++
	}

	halted := e.gen != gen // last-source removal supersedes this loop
	e.mu.Unlock()

	if out != nil {
		e.outMu.Lock()
		if gen >= e.emittedGen {
			e.emittedGen = gen
			e.output(out)
		}
		e.outMu.Unlock()
	}
	for _, cb := range callbacks {
		cb()
	}

	if e.observer != nil {
		tick.MixDuration = time.Since(began)
		e.observer(tick)
	}
	return !halted
}

// mixLocked drains up to one chunk from every source, silence-pads
// per-source shortfalls for this tick only, and mixes all contributions
// sample by sample through the codec. Must be called with e.mu held.
func (e *Engine) mixLocked() []byte {
	e.mixData = e.mixData[:0]
	e.mixGains = e.mixGains[:0]
	for _, id := range e.order {
		s := e.sources[id]
		e.mixData = append(e.mixData, s.buf.Consume(e.chunkBytes))
		e.mixGains = append(e.mixGains, s.volume)
	}

	out := make([]byte, e.chunkBytes)
	sampleBytes := e.format.SampleBytes()
	for off := 0; off+sampleBytes <= e.chunkBytes; off += sampleBytes {
		e.mixSamples = e.mixSamples[:0]
		e.mixWeights = e.mixWeights[:0]
		for i, data := range e.mixData {
			if off+sampleBytes <= len(data) {
				e.mixSamples = append(e.mixSamples, e.format.ReadSample(data, off))
				e.mixWeights = append(e.mixWeights, e.mixGains[i])
			}
		}
		if len(e.mixSamples) == 0 {
			continue // silence is already zeroed
		}
		e.format.WriteSample(out, off, e.format.MixSamples(e.mixSamples, e.mixWeights))
	}
	return out
}

// clampVolume limits v to [0, 1].
func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
