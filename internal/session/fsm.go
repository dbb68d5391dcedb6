package session

import (
	"fmt"
	"time"

	"github.com/shellbox/broker/internal/credentials"
)

// Event names the transitions a Session can undergo, per the table in
// spec.md §4.C8. The FSM only validates and records state; the actions
// named in the table (create container, start pump, schedule reaper,
// destroy container) are the Broker's responsibility — this keeps the
// state machine testable without a live container runtime, per spec.md
// §9's "avoid process-wide singletons ... enable in-process testing".
type Event string

const (
	EventAuthReceived       Event = "auth_received"
	EventAdmissionGranted   Event = "admission_granted"
	EventContainerReady     Event = "container_ready"
	EventClientDisconnect   Event = "client_disconnect"
	EventIdleTimeout        Event = "idle_timeout"
	EventContainerExit      Event = "container_exit"
	EventResumeGranted      Event = "resume_granted"
	EventGraceElapsed       Event = "grace_elapsed"
	EventFatalError         Event = "fatal_error"
)

// transitions is keyed by (fromState, event); the value is the next
// state. Transitions whose destination depends on session class
// (attached -> client_disconnect goes to orphaned for authenticated,
// terminal for anonymous) are resolved in FSM.Apply rather than in this
// static table.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventAuthReceived: StateAuthenticated,
	},
	StateAuthenticated: {
		EventAdmissionGranted: StateProvisioning,
	},
	StateProvisioning: {
		EventContainerReady: StateAttached,
	},
	StateAttached: {
		EventIdleTimeout:   StateTerminal,
		EventContainerExit: StateTerminal,
		// EventClientDisconnect is class-dependent; resolved in Apply.
	},
	StateOrphaned: {
		EventResumeGranted: StateAttached,
		EventGraceElapsed:  StateTerminal,
		// A container can exit on its own while no client is attached
		// (e.g. the shell process dies from an OOM kill); that's still a
		// terminal event, it doesn't wait out the rest of the grace period.
		EventContainerExit: StateTerminal,
	},
}

// FSM drives one Session's state transitions.
type FSM struct {
	sess *Session
}

func NewFSM(sess *Session) *FSM {
	return &FSM{sess: sess}
}

// Apply validates and performs a transition, returning the resulting
// state. An event illegal for the session's current state returns an
// *Error with KindInternalError — the broker treats this as a logic bug,
// not a client-facing condition.
func (f *FSM) Apply(event Event) (State, error) {
	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()

	from := f.sess.State
	if from == StateTerminal || from == StateRejected || from == StateFailed {
		return from, newError(KindInternalError, fmt.Sprintf("no transitions out of terminal state %s", from), nil)
	}

	// fatal_error is legal from any non-terminal state.
	if event == EventFatalError {
		f.sess.State = StateFailed
		return StateFailed, nil
	}

	if from == StateAttached && event == EventClientDisconnect {
		if f.sess.Class == credentials.Authenticated {
			f.sess.State = StateOrphaned
			f.sess.OrphanedAt = time.Now()
		} else {
			f.sess.State = StateTerminal
		}
		return f.sess.State, nil
	}

	next, ok := transitions[from][event]
	if !ok {
		return from, newError(KindInternalError, fmt.Sprintf("illegal transition: %s on %s", event, from), nil)
	}

	if event == EventResumeGranted {
		f.sess.ResumeCount++
		f.sess.OrphanedAt = time.Time{}
	}

	f.sess.State = next
	return next, nil
}

// ResumeAuthorize recomputes the hash from resume credentials and
// constant-time-compares it to the session's stored hash, per spec.md
// §4.C8's resume authorization rule: mismatch fails without leaking which
// field differed.
func (f *FSM) ResumeAuthorize(apiKey, accessToken string) bool {
	f.sess.mu.Lock()
	stored := f.sess.CredentialHash
	f.sess.mu.Unlock()
	candidate := credentials.Compute(apiKey, accessToken)
	return credentials.EqualsConstantTime(stored, candidate)
}

// State returns the session's current state under lock.
func (f *FSM) State() State {
	return f.sess.snapshotState()
}
