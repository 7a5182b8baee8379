//go:build !linux
// +build !linux

package blockdev

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// StubManager is a no-op block-device manager for non-Linux systems.
type StubManager struct{}

// NewManager creates a stub manager on non-Linux systems.
func NewManager(settleDelay time.Duration) (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) Rescan(ctx context.Context, device string) error {
	return fmt.Errorf("blockdev not supported on %s", runtime.GOOS)
}

func (m *StubManager) Topology(ctx context.Context, device string) (*Device, error) {
	return nil, fmt.Errorf("blockdev not supported on %s", runtime.GOOS)
}

func (m *StubManager) Unmount(ctx context.Context, target string, opts UnmountOptions) error {
	return fmt.Errorf("blockdev not supported on %s", runtime.GOOS)
}

func (m *StubManager) UUID(ctx context.Context, device string) (string, error) {
	return "", fmt.Errorf("blockdev not supported on %s", runtime.GOOS)
}
