package luks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/cryptvol/pkg/blockdev"
)

// Recovery actions.
const (
	ActionUnmount     = "unmount"
	ActionRescan      = "rescan"
	ActionTopology    = "topology"
	ActionUnmountTree = "unmount_child"
	ActionCloseChild  = "close_child"
)

// RecoveryStep is the outcome of one best-effort teardown step taken while
// freeing a busy device. Err is informational only.
type RecoveryStep struct {
	Action string
	Target string
	Err    error
}

// recoverBusy frees the device before the single format retry: force-unmount
// it, rescan, then unmount every mounted child and close every child as a
// crypt mapping. Failures are recorded and never stop the sequence.
func (s *Session) recoverBusy(ctx context.Context) []RecoveryStep {
	var steps []RecoveryStep
	record := func(action, target string, err error) {
		if err != nil {
			slog.Warn("luks_recovery_step_failed", "device", s.device, "action", action, "target", target, "error", err)
		} else {
			slog.Debug("luks_recovery_step", "device", s.device, "action", action, "target", target)
		}
		steps = append(steps, RecoveryStep{Action: action, Target: target, Err: err})
	}

	slog.Info("luks_recovery_start", "device", s.device)

	record(ActionUnmount, s.device, s.disks.Unmount(ctx, s.device, blockdev.UnmountOptions{Force: true}))
	record(ActionRescan, s.device, s.disks.Rescan(ctx, s.device))

	topo, err := s.disks.Topology(ctx, s.device)
	record(ActionTopology, s.device, err)
	if err != nil {
		return steps
	}

	for _, child := range topo.Children {
		if mp := child.MountPoint(); mp != "" {
			record(ActionUnmountTree, mp, s.disks.Unmount(ctx, mp, blockdev.UnmountOptions{Force: true, Recursive: true}))
		}

		// the child may not be a crypt mapping at all; close is attempted anyway
		code, _, err := s.run("close", child.Name)
		if err == nil && code != ExitSuccess {
			err = fmt.Errorf("cryptsetup close %s: exit code %d", child.Name, code)
		}
		record(ActionCloseChild, child.Name, err)
	}

	slog.Info("luks_recovery_complete", "device", s.device, "steps", len(steps))
	return steps
}
