// Package container provisions and supervises the single-user sandbox
// process backing each session: one container per session, hardened per
// spec.md §4.C6.
//
// The primary backend (docker.go) drives the Docker Engine API directly,
// grounded on the dependency set pulled from gravitational-teleport's and
// lazydocker's go.mod (the teacher itself never touches Docker — this is
// new code exercising a pack-wide dependency, not an adaptation of
// existing usage). A local/dev fallback backend (local_linux.go) is
// adapted from the teacher's internal/sandbox/linux.go namespace+seccomp
// sandbox for environments without a container runtime.
package container

import (
	"context"
	"io"
	"time"
)

// Ref is an opaque handle returned by Create, passed back into every
// other Supervisor operation. Its ID is the only part the session package
// ever sees or compares.
type Ref struct {
	ID   string
	Name string
}

func (r Ref) IsZero() bool { return r.ID == "" }

// AttachedStream is the duplex byte connection to a running container's
// TTY (raw mode) or stdio (framed mode). It satisfies stream.ContainerConn
// structurally without this package importing internal/stream.
type AttachedStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Event reports a container-level lifecycle change, consumed by the
// broker to drive the SessionFSM's container_exit transition.
type Event struct {
	ContainerID string
	Exited      bool
	ExitCode    int
	Err         error
}

// Spec describes the container to provision for one session.
type Spec struct {
	SessionID      string
	CredentialHash string // hex-encoded, label-only, never the raw secret
	Image          string
	NetworkName    string
	MemoryBytes    int64
	PidsLimit      int64
	CPUs           float64
	SeccompProfile string // path to a materialised, verified profile, or ""
	AppArmorProfile string // verified profile name, or ""
	TTY            bool
	// ProxyPort, when nonzero, is the loopback port of the host's
	// restricted domain proxy (security.DomainProxy); each Supervisor
	// implementation injects HTTP_PROXY/HTTPS_PROXY pointed at it using
	// whatever host address reaches the loopback interface from inside
	// its container/process.
	ProxyPort int
}

// Supervisor is the C6 contract: create/attach/resize/destroy/events.
// Implementations must make Destroy idempotent (spec.md §8, property 8).
type Supervisor interface {
	Create(ctx context.Context, spec Spec) (Ref, error)
	Attach(ctx context.Context, ref Ref) (AttachedStream, error)
	Resize(ctx context.Context, ref Ref, cols, rows int) error
	Destroy(ctx context.Context, ref Ref, reason string) error
	Events() <-chan Event
}

// DestroyTimeout bounds the graceful-stop wait before a force-kill, per
// spec.md §5 ("graceful stop with a bounded wait followed by force-kill").
const DestroyTimeout = 5 * time.Second
