package audio

import "sync/atomic"

// Stream is one independently-arriving feed of raw PCM bytes submitted to
// the player. Audio is streamed: byte spans arrive incrementally on the
// Data channel, so mixing can begin before the producer has finished
// delivering. The producer closes Data when the feed ends or when a
// mid-stream error occurs; after the channel closes, call [Stream.Err] to
// check whether delivery completed cleanly.
type Stream struct {
	// Data is a read-only channel of raw PCM byte spans, already in the
	// engine's configured [Format]. Ownership of each span transfers to the
	// consumer.
	Data <-chan []byte

	// streamErr stores the error that caused Data to close early.
	// Access via Err and Fail.
	streamErr atomic.Pointer[error]
}

// NewStream wraps ch as a Stream. The producer keeps the send side and must
// close ch when the feed ends.
func NewStream(ch <-chan []byte) *Stream {
	return &Stream{Data: ch}
}

// FromBytes returns a Stream that delivers p in spans of at most chunkBytes
// and then closes. Useful for fully-buffered clips.
func FromBytes(p []byte, chunkBytes int) *Stream {
	if chunkBytes <= 0 {
		chunkBytes = len(p)
	}
	n := 0
	if chunkBytes > 0 {
		n = (len(p) + chunkBytes - 1) / chunkBytes
	}
	ch := make(chan []byte, n)
	for len(p) > 0 {
		take := chunkBytes
		if take > len(p) {
			take = len(p)
		}
		ch <- p[:take:take]
		p = p[take:]
	}
	close(ch)
	return NewStream(ch)
}

// Err returns the error that caused the Data channel to close prematurely,
// or nil if the feed completed successfully. Callers should check Err only
// after Data is closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Fail records a mid-stream error. The producer should call this before
// closing Data so that the player can distinguish a clean completion from a
// producer fault.
func (s *Stream) Fail(err error) {
	s.streamErr.Store(&err)
}
