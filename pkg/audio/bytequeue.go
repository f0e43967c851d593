package audio

// ByteQueue accumulates raw PCM bytes from a producer and releases them to a
// consumer in arbitrary byte counts. It is a segmented deque: appended spans
// are kept as-is and only split (by re-slicing, without copying the
// remainder) when a Consume request falls mid-segment, so both Append and
// Consume are amortized O(1) in the number of segments touched.
//
// ByteQueue is not safe for concurrent use; the mixing engine serialises
// access under its own lock.
type ByteQueue struct {
	segments [][]byte
	size     int
}

// Append adds p to the tail of the queue. The queue takes ownership of p;
// callers must not modify it afterwards.
func (q *ByteQueue) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	q.segments = append(q.segments, p)
	q.size += len(p)
}

// Len returns the total number of unconsumed buffered bytes.
func (q *ByteQueue) Len() int {
	return q.size
}

// Consume removes and returns up to n bytes from the head of the queue.
// When the request falls inside a segment, the segment is split by
// re-slicing. Fewer bytes than requested are returned when the queue holds
// less than n; the caller is responsible for silence-padding the remainder.
func (q *ByteQueue) Consume(n int) []byte {
	if n <= 0 || q.size == 0 {
		return nil
	}
	if n > q.size {
		n = q.size
	}

	// Fast path: the request is satisfied by the head segment alone.
	head := q.segments[0]
	if len(head) >= n {
		out := head[:n:n]
		if len(head) == n {
			q.segments[0] = nil
			q.segments = q.segments[1:]
		} else {
			q.segments[0] = head[n:]
		}
		q.size -= n
		return out
	}

	// Slow path: the request spans multiple segments; gather into one copy.
	out := make([]byte, 0, n)
	for len(out) < n {
		seg := q.segments[0]
		take := n - len(out)
		if take >= len(seg) {
			out = append(out, seg...)
			q.segments[0] = nil
			q.segments = q.segments[1:]
		} else {
			out = append(out, seg[:take]...)
			q.segments[0] = seg[take:]
		}
	}
	q.size -= n
	return out
}
