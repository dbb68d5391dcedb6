// Package session owns the per-connection Session record, the registry of
// live sessions indexed by id and class, and the session state machine
// (spec.md §4.C5, §4.C8).
//
// Grounded on the teacher's internal/relay/sessions.go (SessionManager:
// mutex-guarded map, per-session struct, admission bookkeeping) for the
// registry shape, generalized from the teacher's browser-session model to
// the broker's class-capped admission model.
package session

import (
	"sync"
	"time"

	"github.com/shellbox/broker/internal/credentials"
	"github.com/shellbox/broker/internal/stream"
)

// State is one node of the session state machine in spec.md §4.C8.
type State string

const (
	StatePending       State = "pending"
	StateAuthenticated State = "authenticated"
	StateProvisioning  State = "provisioning"
	StateAttached      State = "attached"
	StateOrphaned      State = "orphaned"
	StateTerminal      State = "terminal"
	StateRejected      State = "rejected"
	StateFailed        State = "failed"
)

// ContainerRef is an opaque handle to a provisioned container. The session
// package only ever stores and compares it; internal/container is the
// only package that interprets it.
type ContainerRef struct {
	ID string
}

func (c ContainerRef) IsZero() bool { return c.ID == "" }

// Session is the primary entity from spec.md §3. Every mutation after
// construction goes through the owning per-connection task (enforced by
// convention, not the type system) or the Registry's lock for membership
// changes; see spec.md §5's single-writer concurrency model.
type Session struct {
	mu sync.Mutex

	ID                string
	CredentialHash    credentials.Hash
	ClientFingerprint [16]byte
	Class             credentials.Class
	State             State
	ContainerRef      ContainerRef
	Pump              *stream.Pump // nil only in pending/provisioning/terminal
	OutputBuffer      *stream.RingBuffer

	CreatedAt      time.Time
	LastActivityAt time.Time
	OrphanedAt     time.Time
	ResumeCount    int

	// attaching guards against concurrent attach/detach races during
	// resume, per spec.md §3.
	attaching bool
}

// New constructs a pending session with a fresh output buffer. The caller
// (the broker, on successful admission) assigns id, class and hash once
// credentials validate.
func New(id string, outputBufferMaxBytes, outputBufferMaxLines int) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		State:          StatePending,
		OutputBuffer:   stream.NewRingBuffer(outputBufferMaxBytes, outputBufferMaxLines),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// TouchActivity updates lastActivityAt. Per SPEC_FULL.md §6, any inbound
// byte — control message or raw keystroke — resets idle; outbound
// container activity deliberately does not, so a session quietly producing
// output with nobody attached still gets reclaimed on schedule.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastActivityAt)
}

// TryBeginAttach sets the attaching guard if it is currently clear,
// reporting whether it acquired it. Callers must EndAttach when done.
func (s *Session) TryBeginAttach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attaching {
		return false
	}
	s.attaching = true
	return true
}

func (s *Session) EndAttach() {
	s.mu.Lock()
	s.attaching = false
	s.mu.Unlock()
}

func (s *Session) snapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
