package mixer_test

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/mixdeck/pkg/audio"
	"github.com/MrWong99/mixdeck/pkg/audio/mixer"
)

// collector gathers emitted chunks from the output callback, which runs on
// the engine's tick goroutine.
type collector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *collector) output(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, p)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

// constant16 renders n frames with every sample set to value.
func constant16(f audio.Format, frames, value int) []byte {
	out := make([]byte, frames*f.FrameBytes())
	for fr := 0; fr < frames; fr++ {
		for ch := 0; ch < f.Channels; ch++ {
			f.WriteSample(out, f.SampleOffset(fr, ch), value)
		}
	}
	return out
}

// newTestEngine builds an engine with a fast 5ms cadence and a priming
// threshold high enough that Append alone never starts the loop. Tests that
// want full determinism append everything, then call FinishSource.
func newTestEngine(t *testing.T, c *collector, opts ...mixer.Option) *mixer.Engine {
	t.Helper()
	all := append([]mixer.Option{
		mixer.WithChunkDuration(5 * time.Millisecond),
		mixer.WithPrimingThreshold(time.Second),
	}, opts...)
	e := mixer.New(audio.DefaultFormat, c.output, all...)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_AddSource_CapacityAndDuplicates(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c, mixer.WithMaxSources(2))

	if err := e.AddSource(mixer.Source{ID: "a", Volume: 1}); err != nil {
		t.Fatalf("AddSource(a) = %v", err)
	}
	if err := e.AddSource(mixer.Source{ID: "a", Volume: 1}); !errors.Is(err, mixer.ErrDuplicateID) {
		t.Errorf("duplicate AddSource = %v, want ErrDuplicateID", err)
	}
	if err := e.AddSource(mixer.Source{ID: "b", Volume: 1}); err != nil {
		t.Fatalf("AddSource(b) = %v", err)
	}
	if err := e.AddSource(mixer.Source{ID: "c", Volume: 1}); !errors.Is(err, mixer.ErrCapacityExceeded) {
		t.Errorf("AddSource over cap = %v, want ErrCapacityExceeded", err)
	}

	got := e.Sources()
	want := []string{"a", "b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Sources = %v, want %v", got, want)
	}
}

func TestEngine_AddSource_RequiresID(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	if err := e.AddSource(mixer.Source{Volume: 1}); err == nil {
		t.Error("AddSource with empty id succeeded, want error")
	}
}

func TestEngine_StateTransitions(t *testing.T) {
	t.Parallel()

	var c collector
	f := audio.DefaultFormat
	e := mixer.New(f, c.output,
		mixer.WithChunkDuration(5*time.Millisecond),
		mixer.WithPrimingThreshold(10*time.Millisecond))
	defer e.Close()

	if got := e.State(); got != mixer.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	if err := e.AddSource(mixer.Source{ID: "a", Volume: 1}); err != nil {
		t.Fatal(err)
	}
	if got := e.State(); got != mixer.StatePriming {
		t.Fatalf("state after AddSource = %v, want priming", got)
	}

	// One 5ms chunk is below the 10ms priming threshold.
	e.Append("a", constant16(f, f.ChunkBytes(5*time.Millisecond)/f.FrameBytes(), 100))
	if got := e.State(); got != mixer.StatePriming {
		t.Fatalf("state below threshold = %v, want priming", got)
	}

	// Crossing the threshold starts the loop.
	e.Append("a", constant16(f, f.ChunkBytes(10*time.Millisecond)/f.FrameBytes(), 100))
	if got := e.State(); got != mixer.StateRunning {
		t.Fatalf("state past threshold = %v, want running", got)
	}

	e.FinishSource("a")
	waitFor(t, time.Second, func() bool { return e.State() == mixer.StateIdle },
		"engine back to idle after drain")
}

func TestEngine_SingleSourcePassthrough(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()

	if err := e.AddSource(mixer.Source{ID: "clip", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	in := constant16(f, f.ChunkBytes(60*time.Millisecond)/f.FrameBytes(), 1000)
	e.Append("clip", bytes.Clone(in))
	e.FinishSource("clip")

	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"source drained")
	if got := c.bytes(); !bytes.Equal(got, in) {
		t.Errorf("output differs from input: got %d bytes, want %d identical bytes",
			len(got), len(in))
	}
}

func TestEngine_SilentPartnerLeavesMixUnchanged(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()
	frames := f.ChunkBytes(40*time.Millisecond) / f.FrameBytes()

	if err := e.AddSource(mixer.Source{ID: "tone", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddSource(mixer.Source{ID: "quiet", Volume: 0.5}); err != nil {
		t.Fatal(err)
	}

	tone := constant16(f, frames, 1000)
	e.Append("tone", bytes.Clone(tone))
	e.Append("quiet", constant16(f, frames, 0)) // digital silence
	e.FinishSource("tone")
	e.FinishSource("quiet")

	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"both sources drained")
	if got := c.bytes(); !bytes.Equal(got, tone) {
		t.Errorf("mixing in silence changed the output")
	}
}

func TestEngine_ZeroGainContributesNothing(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()
	frames := f.ChunkBytes(20*time.Millisecond) / f.FrameBytes()

	if err := e.AddSource(mixer.Source{ID: "tone", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddSource(mixer.Source{ID: "muted", Volume: 0.0}); err != nil {
		t.Fatal(err)
	}

	tone := constant16(f, frames, 1000)
	e.Append("tone", bytes.Clone(tone))
	e.Append("muted", constant16(f, frames, 30000))
	e.FinishSource("tone")
	e.FinishSource("muted")

	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"both sources drained")
	if got := c.bytes(); !bytes.Equal(got, tone) {
		t.Errorf("muted source leaked into the output")
	}
}

func TestEngine_OverflowClampsWithoutWraparound(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()
	frames := f.ChunkBytes(20*time.Millisecond) / f.FrameBytes()

	for _, id := range []string{"a", "b"} {
		if err := e.AddSource(mixer.Source{ID: id, Volume: 1.0}); err != nil {
			t.Fatal(err)
		}
		e.Append(id, constant16(f, frames, f.MaxSample()))
		e.FinishSource(id)
	}

	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"both sources drained")
	out := c.bytes()
	if len(out) == 0 {
		t.Fatal("no output emitted")
	}
	for off := 0; off < len(out); off += f.SampleBytes() {
		if got := f.ReadSample(out, off); got != f.MaxSample() {
			t.Fatalf("sample at %d = %d, want clamped %d", off, got, f.MaxSample())
		}
	}
}

func TestEngine_ShortClipStartsWithoutReachingThreshold(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c) // 1s priming threshold
	f := e.Format()

	if err := e.AddSource(mixer.Source{ID: "blip", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	in := constant16(f, f.ChunkBytes(10*time.Millisecond)/f.FrameBytes(), 777)
	e.Append("blip", bytes.Clone(in))
	if got := e.State(); got != mixer.StatePriming {
		t.Fatalf("state = %v, want priming before the clip ends", got)
	}

	// Ending the clip must start playback even far below the threshold.
	e.FinishSource("blip")
	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"short clip played out")
	if got := c.bytes(); !bytes.Equal(got, in) {
		t.Errorf("short clip output differs from input")
	}
}

func TestEngine_CompletionFiresOnceOnDrain(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()

	var completions atomic.Int64
	err := e.AddSource(mixer.Source{
		ID:         "clip",
		Volume:     1.0,
		OnComplete: func() { completions.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Append("clip", constant16(f, f.ChunkBytes(15*time.Millisecond)/f.FrameBytes(), 5))
	e.FinishSource("clip")

	waitFor(t, 2*time.Second, func() bool { return completions.Load() == 1 },
		"completion callback fired")
	// Close must not fire it a second time.
	e.Close()
	if got := completions.Load(); got != 1 {
		t.Errorf("completions = %d, want exactly 1", got)
	}

	stats := e.Stats()
	if stats.SourcesCompleted != 1 {
		t.Errorf("SourcesCompleted = %d, want 1", stats.SourcesCompleted)
	}
}

func TestEngine_RemoveSource(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()

	var completions atomic.Int64
	err := e.AddSource(mixer.Source{
		ID:         "doomed",
		Volume:     1.0,
		OnComplete: func() { completions.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Append("doomed", constant16(f, 960, 42))

	if !e.RemoveSource("doomed") {
		t.Fatal("RemoveSource = false, want true")
	}
	if got := completions.Load(); got != 1 {
		t.Errorf("completions = %d, want 1 immediately after removal", got)
	}
	if got := e.Sources(); len(got) != 0 {
		t.Errorf("Sources after removal = %v, want empty", got)
	}
	if got := e.State(); got != mixer.StateIdle {
		t.Errorf("state after last removal = %v, want idle", got)
	}
	if e.RemoveSource("doomed") {
		t.Error("second RemoveSource = true, want false")
	}
	if e.RemoveSource("never-existed") {
		t.Error("RemoveSource of unknown id = true, want false")
	}
}

func TestEngine_RemovalLeavesOthersPlaying(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()
	frames := f.ChunkBytes(50*time.Millisecond) / f.FrameBytes()

	var survivorDone atomic.Bool
	err := e.AddSource(mixer.Source{
		ID:         "survivor",
		Volume:     1.0,
		OnComplete: func() { survivorDone.Store(true) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddSource(mixer.Source{ID: "faulty", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}

	in := constant16(f, frames, 1234)
	e.Append("survivor", bytes.Clone(in))
	e.Append("faulty", constant16(f, frames/2, -900))
	e.FinishSource("survivor")

	// Simulate a producer fault mid-play.
	waitFor(t, 2*time.Second, func() bool { return c.count() >= 1 }, "mixing started")
	if !e.RemoveSource("faulty") {
		t.Fatal("RemoveSource(faulty) = false")
	}

	waitFor(t, 2*time.Second, func() bool { return survivorDone.Load() },
		"survivor drained to completion")
	if got := c.bytes(); len(got) != len(in) {
		t.Errorf("emitted %d bytes, want %d (survivor plays out fully)", len(got), len(in))
	}
}

func TestEngine_SetVolume(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()
	frames := f.ChunkBytes(20*time.Millisecond) / f.FrameBytes()

	if err := e.AddSource(mixer.Source{ID: "clip", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	if e.SetVolume("nope", 0.5) {
		t.Error("SetVolume on unknown id = true, want false")
	}
	// Halve the gain before any mixing happens, then verify the output.
	if !e.SetVolume("clip", 0.5) {
		t.Fatal("SetVolume = false, want true")
	}

	e.Append("clip", constant16(f, frames, 1000))
	e.FinishSource("clip")
	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"clip drained")

	out := c.bytes()
	if len(out) == 0 {
		t.Fatal("no output emitted")
	}
	if got := f.ReadSample(out, 0); got != 500 {
		t.Errorf("first sample = %d, want 500 after halving gain", got)
	}
}

func TestEngine_PauseResumeIsGapFree(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()

	if err := e.AddSource(mixer.Source{ID: "clip", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	in := constant16(f, f.ChunkBytes(100*time.Millisecond)/f.FrameBytes(), 321)
	e.Append("clip", bytes.Clone(in))
	e.FinishSource("clip")

	waitFor(t, 2*time.Second, func() bool { return c.count() >= 2 }, "mixing started")
	e.Pause()
	if !e.Paused() {
		t.Fatal("Paused = false after Pause")
	}
	n := c.count()
	time.Sleep(30 * time.Millisecond)
	if got := c.count(); got != n {
		t.Fatalf("chunks emitted while paused: %d -> %d", n, got)
	}

	e.Resume()
	if e.Paused() {
		t.Fatal("Paused = true after Resume")
	}
	waitFor(t, 2*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"clip drained after resume")
	if got := c.bytes(); !bytes.Equal(got, in) {
		t.Errorf("pause/resume dropped or altered audio: got %d bytes, want %d",
			len(got), len(in))
	}
}

func TestEngine_UnderrunSkipsEmission(t *testing.T) {
	t.Parallel()

	var (
		c         collector
		tickMu    sync.Mutex
		underruns int
		emits     int
	)
	f := audio.DefaultFormat
	e := mixer.New(f, c.output,
		mixer.WithChunkDuration(5*time.Millisecond),
		mixer.WithPrimingThreshold(5*time.Millisecond),
		mixer.WithTickObserver(func(tk mixer.Tick) {
			tickMu.Lock()
			defer tickMu.Unlock()
			if tk.Underrun {
				underruns++
			}
			if tk.Emitted {
				emits++
			}
		}))
	defer e.Close()

	if err := e.AddSource(mixer.Source{ID: "stalled", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	// Exactly one chunk, source never finishes: one emission, then underruns.
	e.Append("stalled", constant16(f, f.ChunkBytes(5*time.Millisecond)/f.FrameBytes(), 7))

	waitFor(t, 2*time.Second, func() bool {
		s := e.Stats()
		return s.ChunksEmitted == 1 && s.Underruns >= 2
	}, "underruns recorded while stalled")

	if got := c.count(); got != 1 {
		t.Errorf("chunks emitted = %d, want 1", got)
	}
	tickMu.Lock()
	defer tickMu.Unlock()
	if emits != 1 || underruns < 2 {
		t.Errorf("observer saw emits=%d underruns=%d, want 1 and >=2", emits, underruns)
	}
}

func TestEngine_Close(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)
	f := e.Format()

	var completions atomic.Int64
	for _, id := range []string{"a", "b"} {
		err := e.AddSource(mixer.Source{
			ID:         id,
			Volume:     1.0,
			OnComplete: func() { completions.Add(1) },
		})
		if err != nil {
			t.Fatal(err)
		}
		e.Append(id, constant16(f, 960, 1))
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if got := completions.Load(); got != 2 {
		t.Errorf("completions after Close = %d, want 2", got)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := e.AddSource(mixer.Source{ID: "late", Volume: 1}); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("AddSource after Close = %v, want ErrClosed", err)
	}
	if e.Append("a", []byte{0, 0}) {
		t.Error("Append after Close = true, want false")
	}
}

func TestEngine_BufferedReportsPendingBytes(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)

	if err := e.AddSource(mixer.Source{ID: "a", Volume: 1}); err != nil {
		t.Fatal(err)
	}
	if got := e.Buffered("a"); got != 0 {
		t.Errorf("Buffered fresh source = %d, want 0", got)
	}
	e.Append("a", make([]byte, 128))
	if got := e.Buffered("a"); got != 128 {
		t.Errorf("Buffered = %d, want 128", got)
	}
	if got := e.Buffered("nope"); got != 0 {
		t.Errorf("Buffered unknown id = %d, want 0", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    mixer.State
		want string
	}{
		{mixer.StateIdle, "idle"},
		{mixer.StatePriming, "priming"},
		{mixer.StateRunning, "running"},
		{mixer.State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

// A slow output sink can still be inside the callback when pause/resume
// supersedes the tick loop. The engine must never run two callback
// invocations concurrently, and chunk order must survive loop restarts.
func TestEngine_EmissionStaysOrderedAcrossRestarts(t *testing.T) {
	t.Parallel()

	f := audio.DefaultFormat
	var (
		seqMu   sync.Mutex
		seq     []int
		inside  atomic.Int32
		overlap atomic.Bool
	)
	sink := func(p []byte) {
		if inside.Add(1) != 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond) // widen the window for a stale loop
		seqMu.Lock()
		seq = append(seq, f.ReadSample(p, 0))
		seqMu.Unlock()
		inside.Add(-1)
	}

	e := mixer.New(f, sink,
		mixer.WithChunkDuration(5*time.Millisecond),
		mixer.WithPrimingThreshold(time.Second))
	defer e.Close()

	if err := e.AddSource(mixer.Source{ID: "clip", Volume: 1.0}); err != nil {
		t.Fatal(err)
	}
	// Chunk i carries the value i+1 in every sample, so the sink can
	// reconstruct the emission order from the audio itself.
	chunkFrames := f.ChunkBytes(5*time.Millisecond) / f.FrameBytes()
	const chunks = 80
	for i := 0; i < chunks; i++ {
		e.Append("clip", constant16(f, chunkFrames, i+1))
	}
	e.FinishSource("clip")

	// Hammer the loop with restarts while chunks are in flight.
	for i := 0; i < 40; i++ {
		e.Pause()
		time.Sleep(time.Millisecond)
		e.Resume()
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, func() bool { return e.State() == mixer.StateIdle },
		"clip drained through restarts")

	if overlap.Load() {
		t.Error("output callback ran concurrently with itself")
	}
	seqMu.Lock()
	defer seqMu.Unlock()
	if len(seq) == 0 {
		t.Fatal("no chunks emitted")
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] <= seq[i-1] {
			t.Fatalf("chunk order violated at %d: %v", i, seq)
		}
	}
}

func TestEngine_EmptyEndedSourceEmitsNothing(t *testing.T) {
	t.Parallel()

	var c collector
	e := newTestEngine(t, &c)

	var completions atomic.Int64
	err := e.AddSource(mixer.Source{
		ID:         "empty",
		Volume:     1.0,
		OnComplete: func() { completions.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	// Ends without ever delivering a byte; no silent chunk may appear.
	e.FinishSource("empty")

	waitFor(t, time.Second, func() bool { return completions.Load() == 1 },
		"empty source completed")
	waitFor(t, time.Second, func() bool { return e.State() == mixer.StateIdle },
		"engine idle again")

	if got := c.count(); got != 0 {
		t.Errorf("chunks emitted for empty source = %d, want 0", got)
	}
	stats := e.Stats()
	if stats.ChunksEmitted != 0 {
		t.Errorf("ChunksEmitted = %d, want 0", stats.ChunksEmitted)
	}
	if stats.Underruns != 0 {
		t.Errorf("Underruns = %d, want 0", stats.Underruns)
	}
}
