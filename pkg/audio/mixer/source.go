package mixer

import "github.com/MrWong99/mixdeck/pkg/audio"

// Source describes one audio feed registered with an [Engine]. The engine
// exclusively owns the source's byte buffer once registered; producers only
// ever deliver bytes through [Engine.Append].
type Source struct {
	// ID is the opaque unique token identifying the source. Required.
	ID string

	// Volume is the per-source gain in [0, 1]. Values outside the range are
	// clamped. Mutable at runtime via [Engine.SetVolume].
	Volume float64

	// Name is optional human-readable metadata used in logs.
	Name string

	// OnComplete, if non-nil, is fired exactly once when the source is
	// deregistered, whether it drained naturally after ending, was
	// force-removed, or the engine closed. It is invoked outside the engine
	// lock and must not block for extended periods.
	OnComplete func()
}

// source is the engine-internal state wrapping a registered [Source].
type source struct {
	cfg       Source
	buf       audio.ByteQueue
	volume    float64
	ended     bool // producer signalled completion; draining
	completed bool // completion callback delivered
}
