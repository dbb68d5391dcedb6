package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shellbox/broker/internal/credentials"
)

func TestRegistryAdmitRespectsCaps(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 2, MaxAnonymousSessions: 1, MaxAuthenticatedSessions: 2})

	s1 := New("s1", 1024, 100)
	if err := r.Register(s1, credentials.Anonymous); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s2 := New("s2", 1024, 100)
	if err := r.Register(s2, credentials.Anonymous); err == nil {
		t.Fatalf("expected anonymous cap rejection")
	}
}

func TestRegistryGlobalCap(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 1, MaxAnonymousSessions: 5, MaxAuthenticatedSessions: 5})
	r.Register(New("s1", 1024, 100), credentials.Anonymous)
	if err := r.Register(New("s2", 1024, 100), credentials.Authenticated); err == nil {
		t.Fatalf("expected global cap rejection")
	}
}

func TestRegistryUnregisterFreesCapacity(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 1, MaxAnonymousSessions: 1, MaxAuthenticatedSessions: 1})
	r.Register(New("s1", 1024, 100), credentials.Anonymous)
	r.Unregister("s1")
	if err := r.Register(New("s2", 1024, 100), credentials.Anonymous); err != nil {
		t.Fatalf("unexpected error after freeing capacity: %v", err)
	}
}

func TestRegistryReclassifyRequiresHeadroom(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 2, MaxAnonymousSessions: 1, MaxAuthenticatedSessions: 0})
	r.Register(New("s1", 1024, 100), credentials.Anonymous)
	if err := r.Reclassify("s1", credentials.Authenticated); err == nil {
		t.Fatalf("expected reclassify to fail: authenticated cap is 0")
	}
}

func TestRegistryValidateInvariants(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 5, MaxAnonymousSessions: 5, MaxAuthenticatedSessions: 5})
	r.Register(New("s1", 1024, 100), credentials.Anonymous)
	r.Register(New("s2", 1024, 100), credentials.Authenticated)
	if err := r.ValidateInvariants(); err != nil {
		t.Fatalf("unexpected invariant violation: %v", err)
	}
}

func TestRegistryConcurrentAdmission(t *testing.T) {
	r := NewRegistry(Limits{MaxSessions: 50, MaxAnonymousSessions: 50, MaxAuthenticatedSessions: 0})
	var wg sync.WaitGroup
	admitted := 0
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(fmt.Sprintf("sess-%d", i), 1024, 100)
			if err := r.Register(s, credentials.Anonymous); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if admitted > 50 {
		t.Fatalf("admitted %d sessions, want <= 50", admitted)
	}
	if err := r.ValidateInvariants(); err != nil {
		t.Fatalf("invariant violation after concurrent admission: %v", err)
	}
}

func TestFSMHappyPath(t *testing.T) {
	s := New("s1", 1024, 100)
	s.Class = credentials.Authenticated
	f := NewFSM(s)

	steps := []Event{EventAuthReceived, EventAdmissionGranted, EventContainerReady}
	for _, ev := range steps {
		if _, err := f.Apply(ev); err != nil {
			t.Fatalf("event %s: %v", ev, err)
		}
	}
	if f.State() != StateAttached {
		t.Fatalf("want attached, got %s", f.State())
	}
}

func TestFSMDisconnectClassDependent(t *testing.T) {
	anon := New("anon", 1024, 100)
	anon.Class = credentials.Anonymous
	anon.State = StateAttached
	if st, err := NewFSM(anon).Apply(EventClientDisconnect); err != nil || st != StateTerminal {
		t.Fatalf("anonymous disconnect should terminate, got %s, err %v", st, err)
	}

	auth := New("auth", 1024, 100)
	auth.Class = credentials.Authenticated
	auth.State = StateAttached
	if st, err := NewFSM(auth).Apply(EventClientDisconnect); err != nil || st != StateOrphaned {
		t.Fatalf("authenticated disconnect should orphan, got %s, err %v", st, err)
	}
}

func TestFSMIllegalTransitionRejected(t *testing.T) {
	s := New("s1", 1024, 100)
	f := NewFSM(s)
	if _, err := f.Apply(EventContainerReady); err == nil {
		t.Fatalf("expected illegal transition from pending on container_ready")
	}
}

func TestFSMFatalErrorFromAnyState(t *testing.T) {
	s := New("s1", 1024, 100)
	s.State = StateProvisioning
	f := NewFSM(s)
	if st, err := f.Apply(EventFatalError); err != nil || st != StateFailed {
		t.Fatalf("want failed, got %s, err %v", st, err)
	}
}

func TestFSMResumeAuthorize(t *testing.T) {
	s := New("s1", 1024, 100)
	s.CredentialHash = credentials.Compute("key", "token")
	f := NewFSM(s)
	if !f.ResumeAuthorize("key", "token") {
		t.Fatalf("matching credentials should authorize resume")
	}
	if f.ResumeAuthorize("key", "wrong-token") {
		t.Fatalf("mismatched credentials must not authorize resume")
	}
}

func TestFSMResumeIncrementsCount(t *testing.T) {
	s := New("s1", 1024, 100)
	s.State = StateOrphaned
	f := NewFSM(s)
	if _, err := f.Apply(EventResumeGranted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ResumeCount != 1 {
		t.Fatalf("want resume count 1, got %d", s.ResumeCount)
	}
}
