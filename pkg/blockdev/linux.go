//go:build linux
// +build linux

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/cryptvol/pkg/errors"
)

// runFunc executes a one-shot command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LinuxManager implements Manager with partprobe, lsblk, blkid and umount.
type LinuxManager struct {
	settleDelay time.Duration
	run         runFunc
	stat        func(string) (os.FileInfo, error)
}

// NewManager creates a Linux block-device manager.
func NewManager(settleDelay time.Duration) (Manager, error) {
	slog.Info("blockdev_init", "platform", "linux", "settle_delay", settleDelay)

	if os.Geteuid() != 0 {
		slog.Warn("blockdev_not_root", "euid", os.Geteuid())
	}

	return &LinuxManager{
		settleDelay: settleDelay,
		run:         execRun,
		stat:        os.Stat,
	}, nil
}

func (m *LinuxManager) Rescan(ctx context.Context, device string) error {
	slog.Info("blockdev_rescan", "device", device)

	if out, err := m.run(ctx, "partprobe", device); err != nil {
		slog.Error("partprobe_failed", "device", device, "error", err, "output", strings.TrimSpace(string(out)))
		return errors.Wrapf(err, "partprobe %s", device)
	}

	if m.settleDelay > 0 {
		select {
		case <-time.After(m.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// udev may briefly remove and recreate the node after a rescan
	wait := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(settleInterval), settleAttempts), ctx)
	err := backoff.Retry(func() error {
		_, err := m.stat(device)
		return err
	}, wait)
	if err != nil {
		slog.Error("blockdev_settle_failed", "device", device, "error", err)
		return errors.Wrapf(err, "device %s did not settle", device)
	}

	slog.Info("blockdev_rescan_complete", "device", device)
	return nil
}

func (m *LinuxManager) Topology(ctx context.Context, device string) (*Device, error) {
	slog.Info("blockdev_topology", "device", device)

	out, err := m.run(ctx, "lsblk", "--fs", "-J", device)
	if err != nil {
		slog.Error("lsblk_failed", "device", device, "error", err)
		return nil, errors.Wrapf(err, "lsblk %s", device)
	}

	dev, err := ParseTopology(out)
	if err != nil {
		return nil, err
	}

	slog.Info("blockdev_topology_complete", "device", device, "children", len(dev.Children))
	return dev, nil
}

func (m *LinuxManager) Unmount(ctx context.Context, target string, opts UnmountOptions) error {
	slog.Info("unmount", "target", target, "force", opts.Force, "recursive", opts.Recursive)

	args := make([]string, 0, 3)
	if opts.Force {
		args = append(args, "-f")
	}
	if opts.Recursive {
		args = append(args, "-R")
	}
	args = append(args, target)

	if out, err := m.run(ctx, "umount", args...); err != nil {
		slog.Error("unmount_failed", "target", target, "error", err, "output", strings.TrimSpace(string(out)))
		return errors.Wrapf(err, "umount %s", target)
	}

	slog.Info("unmount_complete", "target", target)
	return nil
}

func (m *LinuxManager) UUID(ctx context.Context, device string) (string, error) {
	out, err := m.run(ctx, "blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		slog.Error("blkid_failed", "device", device, "error", err)
		return "", errors.Wrapf(err, "blkid %s", device)
	}

	uuid := strings.TrimSpace(string(out))
	if uuid == "" {
		return "", fmt.Errorf("no UUID reported for %s", device)
	}
	return uuid, nil
}
