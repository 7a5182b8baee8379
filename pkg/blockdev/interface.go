// Package blockdev wraps the block-device tools cryptvol depends on:
// partition rescans, topology queries, unmounting and UUID lookups.
package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
)

// Device is one node of the tree reported by lsblk.
type Device struct {
	Name        string   `json:"name"`
	Path        string   `json:"path,omitempty"`
	FSType      string   `json:"fstype,omitempty"`
	UUID        string   `json:"uuid,omitempty"`
	Mountpoint  string   `json:"mountpoint,omitempty"`
	Mountpoints []string `json:"mountpoints,omitempty"`
	Children    []Device `json:"children,omitempty"`
}

// MountPoint returns the first mountpoint of the device, or "" when it is not
// mounted. Older lsblk releases report a single "mountpoint" field, newer
// ones a "mountpoints" list.
func (d Device) MountPoint() string {
	if d.Mountpoint != "" {
		return d.Mountpoint
	}
	for _, mp := range d.Mountpoints {
		if mp != "" {
			return mp
		}
	}
	return ""
}

// UnmountOptions selects umount flags.
type UnmountOptions struct {
	Force     bool
	Recursive bool
}

// Manager is the block-device collaborator used by encryption sessions.
type Manager interface {
	// Rescan asks the kernel to re-read the partition table of device and
	// waits for the device node to settle.
	Rescan(ctx context.Context, device string) error

	// Topology returns the device and its children as seen by lsblk.
	Topology(ctx context.Context, device string) (*Device, error)

	// Unmount unmounts target, which may be a device or a mountpoint.
	Unmount(ctx context.Context, target string, opts UnmountOptions) error

	// UUID resolves device to its filesystem/LUKS UUID.
	UUID(ctx context.Context, device string) (string, error)
}

type lsblkOutput struct {
	BlockDevices []Device `json:"blockdevices"`
}

// ParseTopology decodes `lsblk --fs -J` output and returns the first entry.
func ParseTopology(data []byte) (*Device, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode lsblk output: %w", err)
	}
	if len(out.BlockDevices) == 0 {
		return nil, fmt.Errorf("lsblk reported no block devices")
	}
	return &out.BlockDevices[0], nil
}
