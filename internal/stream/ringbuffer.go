// Package stream is the single place bytes cross between the client
// transport and a container: framed/raw demultiplexing, the output replay
// buffer, handshake swallowing, and termination signalling.
//
// Grounded on the teacher's internal/egg/server.go replayBuffer (bounded
// append-only PTY output log) for the ring buffer, and its readPTY/session
// pump goroutines for the two-directional-task shape described in
// spec.md §5 ("independent tasks that communicate only via the underlying
// duplex stream").
package stream

import (
	"bytes"
	"sync"
)

// RingBuffer is session output history retained to replay to a resuming
// client. Unlike the teacher's cursor-based replayBuffer (built for
// concurrent multi-reader backpressure), only one client is ever attached
// at a time here, so a simple trim-on-append buffer bounded by both byte
// and line count is sufficient — see spec.md §3's outputBuffer invariants.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
	maxLines int
}

// NewRingBuffer builds a buffer bounded by both caps from spec.md §4.C1.
func NewRingBuffer(maxBytes, maxLines int) *RingBuffer {
	return &RingBuffer{
		maxBytes: maxBytes,
		maxLines: maxLines,
	}
}

// Append adds p to the buffer, trimming oldest bytes/lines from the front
// as needed so neither cap is ever exceeded after the call returns.
func (r *RingBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)

	if len(r.buf) > r.maxBytes {
		r.buf = r.buf[len(r.buf)-r.maxBytes:]
	}
	r.trimLines()
}

// trimLines drops whole leading lines until the buffer holds at most
// maxLines newline-terminated entries (a trailing partial line, if any,
// always counts as one more and is never itself dropped for line reasons).
func (r *RingBuffer) trimLines() {
	if r.maxLines <= 0 {
		return
	}
	lines := bytes.Count(r.buf, []byte{'\n'})
	for lines > r.maxLines {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		r.buf = r.buf[idx+1:]
		lines--
	}
}

// Snapshot returns a copy of the buffer's current contents, safe to hand
// to a resuming client for replay.
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(r.buf))
	copy(cp, r.buf)
	return cp
}

// Len reports the current byte length, for callers that check the
// buffer-guard predicate before an append (internal/ratelimit.BufferGuard).
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
