//go:build !linux

package container

import (
	"context"
	"fmt"
)

// LocalSupervisor on non-Linux platforms: the namespace-isolation
// approach in local_linux.go needs Linux clone flags, so this backend is
// unavailable here. Kept as a same-shaped stub (rather than omitted
// entirely) so cmd/shellboxd can reference container.NewLocalSupervisor
// unconditionally and degrade at call time instead of at compile time.
type LocalSupervisor struct{}

func NewLocalSupervisor(shellPath string) *LocalSupervisor {
	return &LocalSupervisor{}
}

func (s *LocalSupervisor) Create(ctx context.Context, spec Spec) (Ref, error) {
	return Ref{}, fmt.Errorf("container: local supervisor unavailable on this platform")
}

func (s *LocalSupervisor) Attach(ctx context.Context, ref Ref) (AttachedStream, error) {
	return nil, fmt.Errorf("container: local supervisor unavailable on this platform")
}

func (s *LocalSupervisor) Resize(ctx context.Context, ref Ref, cols, rows int) error {
	return fmt.Errorf("container: local supervisor unavailable on this platform")
}

func (s *LocalSupervisor) Destroy(ctx context.Context, ref Ref, reason string) error {
	return nil
}

func (s *LocalSupervisor) Events() <-chan Event {
	ch := make(chan Event)
	return ch
}
