package stream

import "bytes"

// HandshakeSwallower strips the container runtime's one-time attach
// handshake from the outbound stream at most once, tolerating the
// handshake spanning two separate reads. Per spec.md §9: "replace the
// inline regex ... with a small state machine that tolerates the
// handshake spanning two reads and guarantees strip at most once."
//
// The handshake is a single JSON object whose keys include stream,
// stdin, stdout, stderr, hijack — e.g. `{"stream":true,"stdin":true,
// "stdout":true,"stderr":true,"hijack":true}` — optionally preceded or
// followed by application bytes in the same chunk.
type HandshakeSwallower struct {
	done    bool
	pending []byte // bytes held back while a candidate handshake prefix is incomplete
}

// handshakeMarkers are substrings that, together, identify the handshake
// object; all must appear for a candidate '{'...'}' span to be swallowed.
var handshakeMarkers = [][]byte{
	[]byte(`"stream"`),
	[]byte(`"stdin"`),
	[]byte(`"stdout"`),
	[]byte(`"stderr"`),
	[]byte(`"hijack"`),
}

// Filter processes one chunk of outbound container data and returns the
// chunk with the handshake object removed, if it was found (in this call
// or completed from a previous partial call). Once the handshake has been
// stripped (or conclusively ruled absent for this pump's lifetime), Filter
// becomes a passthrough.
func (h *HandshakeSwallower) Filter(chunk []byte) []byte {
	if h.done {
		return chunk
	}

	data := chunk
	if len(h.pending) > 0 {
		data = append(h.pending, chunk...)
		h.pending = nil
	}

	start := bytes.IndexByte(data, '{')
	if start < 0 {
		// No '{' yet — nothing to swallow this call, and nothing to hold
		// since application bytes never need buffering for this purpose.
		h.done = true
		return data
	}

	end := bytes.IndexByte(data[start:], '}')
	if end < 0 {
		// Candidate object started but hasn't closed yet. If it opens the
		// chunk, hold the whole chunk for the next call. If application
		// bytes precede the '{', the handshake (which must be the very first
		// bytes the runtime emits) is taken as absent and the whole chunk
		// passes through.
		if start > 0 {
			h.done = true
			return data
		}
		h.pending = data
		return nil
	}
	end += start + 1 // absolute index just past '}'

	candidate := data[start:end]
	if isHandshake(candidate) {
		h.done = true
		return append(data[:start], data[end:]...)
	}

	h.done = true
	return data
}

func isHandshake(candidate []byte) bool {
	for _, m := range handshakeMarkers {
		if !bytes.Contains(candidate, m) {
			return false
		}
	}
	return true
}
