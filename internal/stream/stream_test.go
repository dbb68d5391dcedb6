package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRingBufferTrimsByBytes(t *testing.T) {
	rb := NewRingBuffer(10, 1000)
	rb.Append([]byte("0123456789"))
	rb.Append([]byte("ABCDE"))
	got := rb.Snapshot()
	if len(got) != 10 {
		t.Fatalf("want len 10, got %d (%q)", len(got), got)
	}
	if string(got) != "56789ABCDE" {
		t.Fatalf("unexpected trim result: %q", got)
	}
}

func TestRingBufferTrimsByLines(t *testing.T) {
	rb := NewRingBuffer(1000, 2)
	rb.Append([]byte("line1\nline2\nline3\n"))
	got := rb.Snapshot()
	if bytes.Count(got, []byte{'\n'}) > 2 {
		t.Fatalf("want at most 2 lines, got %q", got)
	}
	if bytes.Contains(got, []byte("line1")) {
		t.Fatalf("oldest line should have been trimmed: %q", got)
	}
}

func TestHandshakeSwallowerStripsSingleChunk(t *testing.T) {
	var h HandshakeSwallower
	input := []byte(`{"stream":true,"stdin":true,"stdout":true,"stderr":true,"hijack":true}hello`)
	out := h.Filter(input)
	if string(out) != "hello" {
		t.Fatalf("want %q, got %q", "hello", out)
	}
}

func TestHandshakeSwallowerSplitAcrossReads(t *testing.T) {
	var h HandshakeSwallower
	part1 := []byte(`{"stream":true,"stdin":true,`)
	part2 := []byte(`"stdout":true,"stderr":true,"hijack":true}world`)

	out1 := h.Filter(part1)
	if out1 != nil {
		t.Fatalf("expected no output while handshake incomplete, got %q", out1)
	}
	out2 := h.Filter(part2)
	if string(out2) != "world" {
		t.Fatalf("want %q, got %q", "world", out2)
	}
}

func TestHandshakeSwallowerStripsAtMostOnce(t *testing.T) {
	var h HandshakeSwallower
	h.Filter([]byte(`{"stream":true,"stdin":true,"stdout":true,"stderr":true,"hijack":true}a`))
	out := h.Filter([]byte(`{"stream":true,"stdin":true,"stdout":true,"stderr":true,"hijack":true}b`))
	if string(out) != `{"stream":true,"stdin":true,"stdout":true,"stderr":true,"hijack":true}b` {
		t.Fatalf("second chunk must pass through untouched, got %q", out)
	}
}

func TestHandshakeSwallowerAbsentHandshakePassesThrough(t *testing.T) {
	var h HandshakeSwallower
	out := h.Filter([]byte("$ echo hi\r\n"))
	if string(out) != "$ echo hi\r\n" {
		t.Fatalf("want passthrough, got %q", out)
	}
}

func TestFrameDemuxerCompleteFrame(t *testing.T) {
	var d FrameDemuxer
	frame := append([]byte{1, 0, 0, 0, 0, 0, 0, 5}, []byte("hello")...)
	out := d.Feed(frame)
	if len(out) != 1 || string(out[0]) != "hello" {
		t.Fatalf("want one frame %q, got %v", "hello", out)
	}
}

func TestFrameDemuxerIncompleteFrameBuffered(t *testing.T) {
	var d FrameDemuxer
	header := []byte{1, 0, 0, 0, 0, 0, 0, 5}
	out := d.Feed(header)
	if len(out) != 0 {
		t.Fatalf("want no frames yet, got %v", out)
	}
	out = d.Feed([]byte("hello"))
	if len(out) != 1 || string(out[0]) != "hello" {
		t.Fatalf("want completed frame, got %v", out)
	}
}

func TestFrameDemuxerSkipsStdin(t *testing.T) {
	var d FrameDemuxer
	frame := append([]byte{0, 0, 0, 0, 0, 0, 0, 3}, []byte("abc")...)
	out := d.Feed(frame)
	if len(out) != 0 {
		t.Fatalf("stdin frames must not be forwarded outbound, got %v", out)
	}
}

// fakeContainerConn/fakeClientConn exercise Pump's ordering guarantee:
// connected, then hello, then replay, then live bytes.

type fakeContainerConn struct {
	r      *bytes.Reader
	closed bool
}

func (f *fakeContainerConn) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeContainerConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeContainerConn) Close() error                { f.closed = true; return nil }

type fakeClientConn struct {
	mu        sync.Mutex
	messages  [][]byte
	closed    bool
	closeCode int
}

func (f *fakeClientConn) ReadMessage() ([]byte, bool, error) {
	// No inbound traffic needed for this test; block until closed.
	select {}
}
func (f *fakeClientConn) WriteMessage(data []byte, isText bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}
func (f *fakeClientConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeClientConn) CloseWithCode(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func TestPumpAttachOrderingAndReplay(t *testing.T) {
	ring := NewRingBuffer(1024, 100)
	ring.Append([]byte("previously buffered output"))

	p := New(ModeRawTTY, "sess-1", ring, nil, nil, 4001, nil)

	cc := &fakeContainerConn{r: bytes.NewReader([]byte("live bytes"))}
	cl := &fakeClientConn{}

	if err := p.Attach(context.Background(), cl, cc); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Give the outbound loop a moment to drain the fake reader and hit EOF.
	time.Sleep(50 * time.Millisecond)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.messages) < 3 {
		t.Fatalf("want at least 3 messages (status, hello, replay), got %d", len(cl.messages))
	}
	if !bytes.Contains(cl.messages[0], []byte(`"connected"`)) {
		t.Fatalf("first message should be connected status, got %q", cl.messages[0])
	}
	if !bytes.Contains(cl.messages[1], []byte(`"hello"`)) {
		t.Fatalf("second message should be hello, got %q", cl.messages[1])
	}
	if string(cl.messages[2]) != "previously buffered output" {
		t.Fatalf("third message should be the replayed buffer, got %q", cl.messages[2])
	}
}

func TestPumpDetachIgnoresResumeClosure(t *testing.T) {
	var terminated bool
	ring := NewRingBuffer(1024, 100)
	p := New(ModeRawTTY, "sess-2", ring, nil, nil, 4001, func(reason string) { terminated = true })

	cc := &fakeContainerConn{r: bytes.NewReader(nil)}
	cl := &fakeClientConn{}
	if err := p.Attach(context.Background(), cl, cc); err != nil {
		t.Fatalf("attach: %v", err)
	}

	p.Detach(DetachForResume)
	time.Sleep(20 * time.Millisecond)

	if terminated {
		t.Fatalf("detach-for-resume must not fire onTerminate")
	}
	if !cc.closed {
		t.Fatalf("old container conn should be closed on detach")
	}
}

func TestPumpContainerExitClosesClientWithUserExitCode(t *testing.T) {
	ring := NewRingBuffer(1024, 100)
	p := New(ModeRawTTY, "sess-3", ring, nil, nil, 4001, func(reason string) {})

	cc := &fakeContainerConn{r: bytes.NewReader(nil)} // immediate EOF
	cl := &fakeClientConn{}
	if err := p.Attach(context.Background(), cl, cc); err != nil {
		t.Fatalf("attach: %v", err)
	}

	time.Sleep(flushWindow + 50*time.Millisecond)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.closed {
		t.Fatal("client should be closed after a genuine container exit")
	}
	if cl.closeCode != 4001 {
		t.Fatalf("want user-exit close code 4001, got %d", cl.closeCode)
	}
}

var _ io.Closer = (*fakeContainerConn)(nil)
var _ error = errors.New("")
