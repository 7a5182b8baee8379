//go:build linux
// +build linux

package blockdev

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	calls   []string
	outputs map[string][]byte
	errs    map[string]error
}

func (r *recordedRun) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, line)
	return r.outputs[name], r.errs[name]
}

func newTestManager(r *recordedRun, stat func(string) (os.FileInfo, error)) *LinuxManager {
	return &LinuxManager{run: r.run, stat: stat}
}

func statOK(string) (os.FileInfo, error) { return nil, nil }

func TestLinuxManager_Rescan(t *testing.T) {
	r := &recordedRun{}
	m := newTestManager(r, statOK)

	require.NoError(t, m.Rescan(context.Background(), "/dev/sdX1"))
	assert.Equal(t, []string{"partprobe /dev/sdX1"}, r.calls)
}

func TestLinuxManager_RescanWaitsForNode(t *testing.T) {
	r := &recordedRun{}
	attempts := 0
	m := newTestManager(r, func(string) (os.FileInfo, error) {
		attempts++
		if attempts < 3 {
			return nil, os.ErrNotExist
		}
		return nil, nil
	})

	require.NoError(t, m.Rescan(context.Background(), "/dev/sdX1"))
	assert.Equal(t, 3, attempts)
}

func TestLinuxManager_RescanPartprobeFails(t *testing.T) {
	r := &recordedRun{errs: map[string]error{"partprobe": fmt.Errorf("exit status 1")}}
	m := newTestManager(r, statOK)

	assert.Error(t, m.Rescan(context.Background(), "/dev/sdX1"))
}

func TestLinuxManager_Topology(t *testing.T) {
	r := &recordedRun{outputs: map[string][]byte{"lsblk": []byte(lsblkBusy)}}
	m := newTestManager(r, statOK)

	dev, err := m.Topology(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.Len(t, dev.Children, 2)
	assert.Equal(t, []string{"lsblk --fs -J /dev/sdb1"}, r.calls)
}

func TestLinuxManager_UnmountFlags(t *testing.T) {
	tests := []struct {
		opts     UnmountOptions
		expected string
	}{
		{UnmountOptions{}, "umount /mnt"},
		{UnmountOptions{Force: true}, "umount -f /mnt"},
		{UnmountOptions{Recursive: true}, "umount -R /mnt"},
		{UnmountOptions{Force: true, Recursive: true}, "umount -f -R /mnt"},
	}

	for _, tt := range tests {
		r := &recordedRun{}
		m := newTestManager(r, statOK)
		require.NoError(t, m.Unmount(context.Background(), "/mnt", tt.opts))
		assert.Equal(t, []string{tt.expected}, r.calls)
	}
}

func TestLinuxManager_UUID(t *testing.T) {
	r := &recordedRun{outputs: map[string][]byte{"blkid": []byte("4b1b7a4e-2f0e\n")}}
	m := newTestManager(r, statOK)

	uuid, err := m.UUID(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, "4b1b7a4e-2f0e", uuid)

	r = &recordedRun{outputs: map[string][]byte{"blkid": []byte("\n")}}
	m = newTestManager(r, statOK)
	_, err = m.UUID(context.Background(), "/dev/sdb1")
	assert.Error(t, err)
}

// TestManagerInterface verifies Manager interface compliance
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*LinuxManager)(nil)
}
