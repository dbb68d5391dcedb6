package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shellbox/broker/internal/ratelimit"
)

// Mode selects which wire convention the container side uses.
type Mode int

const (
	// ModeRawTTY is the default for attached shells: container output is
	// forwarded verbatim (after the one-time handshake swallow) and
	// inbound client messages are either control JSON or raw keystrokes.
	ModeRawTTY Mode = iota
	// ModeFramed is exec-style, no TTY: container output arrives as
	// length-prefixed stdout/stderr frames.
	ModeFramed
)

// TerminationMode controls how a container-stream closure is interpreted,
// per spec.md §9 ("Event/listener unsubscription"): Normal treats closure
// as the session ending; DetachForResume means the broker itself tore the
// stream down deliberately and the closure carries no meaning.
type TerminationMode int

const (
	Normal TerminationMode = iota
	DetachForResume
)

// flushWindow is how long the pump waits after emitting a disconnected
// status before closing the transport, per spec.md §4.C7.
const flushWindow = 200 * time.Millisecond

// inboundRawThreshold: messages at or below this length are never attempted
// as JSON, per spec.md §9's disambiguation rule (control bytes like ETX
// must not be misparsed as JSON).
const inboundRawThreshold = 3

// ResizeFunc dispatches a terminal resize to the container supervisor.
type ResizeFunc func(ctx context.Context, cols, rows int) error

// ContainerConn is the duplex byte stream attached to a running container.
// A session's underlying container persists across resumes; ContainerConn
// instances do not — each attach yields a fresh one.
type ContainerConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// ClientConn is the duplex message stream to the remote client. The
// broker package adapts its websocket connection to this interface so
// stream stays independent of the transport library.
type ClientConn interface {
	ReadMessage() (data []byte, isText bool, err error)
	WriteMessage(data []byte, isText bool) error
	Close(reason string) error
	// CloseWithCode closes with an application-specific numeric close code
	// the caller owns the meaning of (stream treats it as opaque) — e.g.
	// the broker's distinct "user-exit" code for a genuine container exit,
	// per spec.md §6's close-code table.
	CloseWithCode(code int, reason string) error
}

// statusEnvelope and helloEnvelope mirror the wire shapes in spec.md §6.
type statusEnvelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason,omitempty"`
}

type helloEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type controlEnvelope struct {
	Type string          `json:"type"`
	Cols int             `json:"cols"`
	Rows int             `json:"rows"`
	Data json.RawMessage `json:"data"`
}

type resizeData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Pump is the single place bytes cross between a session's client
// connection and its container, for as long as the session exists. The
// client side and the container side are each swapped out across
// resumes; Pump itself lives for the session's lifetime.
type Pump struct {
	mode         Mode
	resize       ResizeFunc
	ring         *RingBuffer
	bandwidth    *ratelimit.BandwidthShaper
	sessionID    string
	userExitCode int
	onTerminate  func(reason string)

	mu            sync.Mutex
	client        ClientConn
	containerConn ContainerConn
	termMode      TerminationMode
	generation    int // bumped on every Attach; outbound/inbound loops check it to know when they've been superseded

	handshake HandshakeSwallower
	demux     FrameDemuxer
}

// New builds a pump bound to a session's ring buffer and resize dispatcher.
// userExitCode is the close code emitted to the client when the container
// exits on its own (the shell exited normally) — distinct from a client
// disconnect, per spec.md §8 scenario 5 and §6's close-code table.
// onTerminate is invoked exactly once per genuine (Normal-mode) stream
// closure with a human-readable reason; the broker treats that as the
// signal to drive the SessionFSM to terminal.
func New(mode Mode, sessionID string, ring *RingBuffer, resize ResizeFunc, bandwidth *ratelimit.BandwidthShaper, userExitCode int, onTerminate func(reason string)) *Pump {
	return &Pump{
		mode:         mode,
		resize:       resize,
		ring:         ring,
		bandwidth:    bandwidth,
		sessionID:    sessionID,
		userExitCode: userExitCode,
		onTerminate:  onTerminate,
	}
}

// Attach binds a (client, container) pair and starts the two forwarding
// loops. Ordering guarantee from spec.md §5: connected, then hello, then
// the replayed buffer, then live bytes — the forwarding loops start only
// after the replay is written, so no live write can interleave before
// replay completes.
func (p *Pump) Attach(ctx context.Context, client ClientConn, containerConn ContainerConn) error {
	p.mu.Lock()
	p.client = client
	p.containerConn = containerConn
	p.termMode = Normal
	p.generation++
	gen := p.generation
	p.handshake = HandshakeSwallower{}
	p.demux = FrameDemuxer{}
	p.mu.Unlock()

	if err := p.emitStatus(client, "connected", ""); err != nil {
		return fmt.Errorf("stream: emit connected: %w", err)
	}
	if err := p.emitHello(client); err != nil {
		return fmt.Errorf("stream: emit hello: %w", err)
	}
	if snap := p.ring.Snapshot(); len(snap) > 0 {
		if err := client.WriteMessage(snap, false); err != nil {
			return fmt.Errorf("stream: replay buffer: %w", err)
		}
	}

	go p.outboundLoop(ctx, gen, containerConn, client)
	go p.inboundLoop(ctx, gen, client, containerConn)
	return nil
}

// Detach tears down the current (client, container) pair and records mode
// as the pump's termination mode until the next Attach resets it to
// Normal. Detach also bumps the generation, so a loop still reading the
// old container stream is stale and its closure never signals
// termination upstream, whichever mode is passed.
func (p *Pump) Detach(mode TerminationMode) {
	p.mu.Lock()
	p.termMode = mode
	p.generation++ // any loop still reading the old conn becomes stale
	cc := p.containerConn
	p.containerConn = nil
	p.client = nil
	p.mu.Unlock()

	if cc != nil {
		cc.Close()
	}
}

func (p *Pump) outboundLoop(ctx context.Context, gen int, cc ContainerConn, client ClientConn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := cc.Read(buf)
		if n > 0 {
			p.forwardOutbound(ctx, gen, buf[:n])
		}
		if err != nil {
			p.handleContainerClosed(gen, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pump) forwardOutbound(ctx context.Context, gen int, chunk []byte) {
	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		return
	}
	client := p.client
	p.mu.Unlock()

	payload := chunk
	if p.mode == ModeRawTTY {
		payload = p.handshake.Filter(chunk)
		if payload == nil {
			return
		}
	} else {
		frames := p.demux.Feed(chunk)
		for _, f := range frames {
			p.appendAndForward(ctx, gen, client, f)
		}
		return
	}
	p.appendAndForward(ctx, gen, client, payload)
}

func (p *Pump) appendAndForward(ctx context.Context, gen int, client ClientConn, payload []byte) {
	if len(payload) == 0 {
		return
	}
	p.ring.Append(payload)
	if client == nil {
		return
	}
	if p.bandwidth != nil {
		if err := p.bandwidth.Wait(ctx, p.sessionID, len(payload)); err != nil {
			return
		}
	}
	p.mu.Lock()
	stillCurrent := p.generation == gen
	p.mu.Unlock()
	if !stillCurrent {
		return
	}
	_ = client.WriteMessage(payload, false)
}

func (p *Pump) handleContainerClosed(gen int, err error) {
	p.mu.Lock()
	current := p.generation == gen
	mode := p.termMode
	client := p.client
	p.mu.Unlock()

	if !current || mode == DetachForResume {
		return
	}

	reason := "container stream closed"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = err.Error()
	}
	if client != nil {
		p.emitStatus(client, "disconnected", "Session ended by user")
		time.Sleep(flushWindow)
		client.CloseWithCode(p.userExitCode, "user-exit")
	}
	if p.onTerminate != nil {
		p.onTerminate(reason)
	}
}

func (p *Pump) inboundLoop(ctx context.Context, gen int, client ClientConn, cc ContainerConn) {
	for {
		data, isText, err := client.ReadMessage()
		if err != nil {
			p.handleClientClosed(gen)
			return
		}
		p.mu.Lock()
		current := p.generation == gen
		p.mu.Unlock()
		if !current {
			return
		}
		p.handleInbound(ctx, cc, data, isText)
	}
}

func (p *Pump) handleInbound(ctx context.Context, cc ContainerConn, data []byte, isText bool) {
	if isText && len(data) > inboundRawThreshold && looksLikeJSON(data) {
		var env controlEnvelope
		if err := json.Unmarshal(data, &env); err == nil {
			switch env.Type {
			case "resize":
				cols, rows := env.Cols, env.Rows
				if cols == 0 && rows == 0 && len(env.Data) > 0 {
					var rd resizeData
					if err := json.Unmarshal(env.Data, &rd); err == nil {
						cols, rows = rd.Cols, rd.Rows
					}
				}
				if p.resize != nil && (cols > 0 || rows > 0) {
					_ = p.resize(ctx, cols, rows)
				}
				return
			case "data":
				var raw string
				if err := json.Unmarshal(env.Data, &raw); err == nil {
					cc.Write([]byte(raw))
					return
				}
			}
		}
	}
	cc.Write(data)
}

func (p *Pump) handleClientClosed(gen int) {
	p.mu.Lock()
	current := p.generation == gen
	p.mu.Unlock()
	if !current {
		return
	}
	// The broker learns of this same Read error through the ClientConn
	// wrapper it passed to Attach and drives the SessionFSM's "client
	// disconnect" transition; the pump itself only needs to stop forwarding.
}

func (p *Pump) emitStatus(client ClientConn, payload, reason string) error {
	b, err := json.Marshal(statusEnvelope{Type: "status", Payload: payload, Reason: reason})
	if err != nil {
		return err
	}
	return client.WriteMessage(b, true)
}

func (p *Pump) emitHello(client ClientConn) error {
	b, err := json.Marshal(helloEnvelope{Type: "hello", SessionID: p.sessionID})
	if err != nil {
		return err
	}
	return client.WriteMessage(b, true)
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}
