package session

import (
	"fmt"
	"sync"

	"github.com/shellbox/broker/internal/credentials"
)

// Limits are the admission caps from Config (spec.md §4.C1), copied into
// the registry at construction so it never depends on the config package.
type Limits struct {
	MaxSessions              int
	MaxAnonymousSessions     int
	MaxAuthenticatedSessions int
}

// Metrics is a point-in-time snapshot returned by Registry.Metrics.
type Metrics struct {
	Total         int
	Anonymous     int
	Authenticated int
}

// Registry is the in-memory map of sessions by id plus per-class counts,
// per spec.md §4.C5. One mutex guards membership changes; see spec.md §5
// ("SessionRegistry: guarded by a single mutex ... for membership
// changes; reads of counts are consistent with writes").
type Registry struct {
	mu       sync.Mutex
	limits   Limits
	sessions map[string]*Session
	classOf  map[string]credentials.Class
	counts   map[credentials.Class]int
}

func NewRegistry(limits Limits) *Registry {
	return &Registry{
		limits:   limits,
		sessions: make(map[string]*Session),
		classOf:  make(map[string]credentials.Class),
		counts:   make(map[credentials.Class]int),
	}
}

// Admit consults both the class-specific and global caps without yet
// registering anything — callers call Register only after a successful
// Admit, keeping the decision and the mutation separable (the session's
// id may not exist yet when capacity is merely being checked).
func (r *Registry) Admit(class credentials.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(class)
}

func (r *Registry) admitLocked(class credentials.Class) error {
	total := r.counts[credentials.Anonymous] + r.counts[credentials.Authenticated]
	if total >= r.limits.MaxSessions {
		return newError(KindAdmissionDenied, "global session cap reached", nil)
	}
	switch class {
	case credentials.Anonymous:
		if r.counts[credentials.Anonymous] >= r.limits.MaxAnonymousSessions {
			return newError(KindAdmissionDenied, "anonymous session cap reached", nil)
		}
	case credentials.Authenticated:
		if r.counts[credentials.Authenticated] >= r.limits.MaxAuthenticatedSessions {
			return newError(KindAdmissionDenied, "authenticated session cap reached", nil)
		}
	}
	return nil
}

// Register admits and inserts sess in one locked step, re-checking
// capacity so a race between Admit and Register can't overshoot a cap.
func (r *Registry) Register(sess *Session, class credentials.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.admitLocked(class); err != nil {
		return err
	}
	r.sessions[sess.ID] = sess
	r.classOf[sess.ID] = class
	r.counts[class]++
	return nil
}

func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	class, ok := r.classOf[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	delete(r.classOf, sessionID)
	r.counts[class]--
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Reclassify moves a session between class counters (e.g. an anonymous
// session whose resume envelope now carries a valid accessToken),
// succeeding only if the destination class has headroom.
func (r *Registry) Reclassify(sessionID string, newClass credentials.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldClass, ok := r.classOf[sessionID]
	if !ok {
		return newError(KindSessionNotFound, sessionID, nil)
	}
	if oldClass == newClass {
		return nil
	}
	if err := r.admitLocked(newClass); err != nil {
		return err
	}
	r.counts[oldClass]--
	r.counts[newClass]++
	r.classOf[sessionID] = newClass
	return nil
}

func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Total:         r.counts[credentials.Anonymous] + r.counts[credentials.Authenticated],
		Anonymous:     r.counts[credentials.Anonymous],
		Authenticated: r.counts[credentials.Authenticated],
	}
}

// ValidateInvariants asserts the registry's bookkeeping is internally
// consistent: no id double-counted across classes, no counter negative or
// above its cap. Intended for test use and periodic self-checks, per
// spec.md §4.C5.
func (r *Registry) ValidateInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[credentials.Anonymous] < 0 || r.counts[credentials.Authenticated] < 0 {
		return fmt.Errorf("session registry: negative class count")
	}
	if r.counts[credentials.Anonymous] > r.limits.MaxAnonymousSessions {
		return fmt.Errorf("session registry: anonymous count exceeds cap")
	}
	if r.counts[credentials.Authenticated] > r.limits.MaxAuthenticatedSessions {
		return fmt.Errorf("session registry: authenticated count exceeds cap")
	}
	total := r.counts[credentials.Anonymous] + r.counts[credentials.Authenticated]
	if total > r.limits.MaxSessions {
		return fmt.Errorf("session registry: total exceeds MAX_SESSIONS")
	}
	if total != len(r.sessions) {
		return fmt.Errorf("session registry: class counts (%d) disagree with membership (%d)", total, len(r.sessions))
	}

	seen := make(map[string]bool, len(r.classOf))
	for id := range r.classOf {
		if seen[id] {
			return fmt.Errorf("session registry: id %s present more than once", id)
		}
		seen[id] = true
	}
	return nil
}

// All returns a snapshot slice of every registered session, used by
// reapers scanning for idle/orphan-expired sessions.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
