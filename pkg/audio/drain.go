package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent producer goroutine leaks when a source is removed
// from the engine while its [Stream] is still delivering.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
