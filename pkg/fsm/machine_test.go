package fsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"

	"github.com/fly-io/cryptvol/pkg/db"
	"github.com/fly-io/cryptvol/pkg/luks"
	"github.com/fly-io/cryptvol/pkg/storage"
)

type recordingStore struct {
	keys    []string
	content [][]byte
	err     error
}

func (s *recordingStore) Upload(ctx context.Context, key, localPath string) (*storage.UploadResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	s.keys = append(s.keys, key)
	s.content = append(s.content, data)
	return &storage.UploadResult{Key: key, SHA256: "abc", Size: int64(len(data))}, nil
}

type harness struct {
	machine   *Machine
	repo      *db.Repository
	cryptset  *fakeCryptsetup
	store     *recordingStore
	mapperDir string
	root      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "volumes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mapperDir := filepath.Join(dir, "mapper")
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(mapperDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))

	cs := &fakeCryptsetup{mapperDir: mapperDir}
	store := &recordingStore{}
	m := NewMachine(repo, cs, stubDisks{uuid: "9f3c-uuid"}, store, "cryptsetup", mapperDir, filepath.Join(dir, "work"), 3)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	return &harness{machine: m, repo: repo, cryptset: cs, store: store, mapperDir: mapperDir, root: root}
}

func (h *harness) run(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	steps := []func(context.Context, *ProvisionRequest, *ProvisionResponse) error{
		h.machine.checkDB,
		h.machine.encrypt,
		h.machine.unlock,
		h.machine.crypttab,
		h.machine.backupHeader,
	}
	for _, step := range steps {
		if err := step(ctx, req, resp); err != nil {
			return err
		}
	}
	h.machine.complete(req, resp)
	return nil
}

func TestProvisionHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	keyFile := filepath.Join(t.TempDir(), "root.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("boot-key"), 0o600))

	h.machine.SetPassphrase("/dev/sdX1", []byte("correct-horse"))
	req := &ProvisionRequest{
		Device:          "/dev/sdX1",
		Mapping:         "cryptroot",
		Root:            h.root,
		EnrollKeyFile:   keyFile,
		CrypttabKeyPath: "/etc/cryptsetup-keys.d/root.key",
		HeaderBackup:    true,
	}
	resp := &ProvisionResponse{}

	require.NoError(t, h.run(ctx, req, resp))

	assert.Equal(t, db.StateUnlocked, resp.Status)
	assert.Equal(t, filepath.Join(h.mapperDir, "cryptroot"), resp.MappedPath)
	assert.Equal(t, "9f3c-uuid", resp.LUKSUUID)
	assert.Equal(t, "headers/9f3c-uuid/1700000000.img", resp.HeaderKey)
	assert.Equal(t, []string{"headers/9f3c-uuid/1700000000.img"}, h.store.keys)
	assert.Equal(t, "LUKS header", string(h.store.content[0]))
	assert.Equal(t, []string{keyFile}, h.cryptset.keys)

	tab, err := os.ReadFile(filepath.Join(h.root, "etc", "crypttab"))
	require.NoError(t, err)
	assert.Equal(t, "cryptroot UUID=9f3c-uuid /etc/cryptsetup-keys.d/root.key luks,key-slot=1\n", string(tab))

	vol, err := h.repo.GetByDevice(ctx, "/dev/sdX1")
	require.NoError(t, err)
	assert.Equal(t, db.StateUnlocked, vol.State)
	assert.Equal(t, "9f3c-uuid", vol.LUKSUUID)

	ops, err := h.repo.ListOperations(ctx, "/dev/sdX1", 0)
	require.NoError(t, err)
	kinds := map[string]string{}
	for _, op := range ops {
		kinds[op.Kind] = op.Status
	}
	assert.Equal(t, map[string]string{
		db.KindEncrypt:      db.OpSucceeded,
		db.KindUnlock:       db.OpSucceeded,
		db.KindAddKey:       db.OpSucceeded,
		db.KindCrypttab:     db.OpSucceeded,
		db.KindHeaderBackup: db.OpSucceeded,
	}, kinds)

	_, err = h.machine.passphrase("/dev/sdX1")
	assert.ErrorIs(t, err, luks.ErrMissingCredential, "passphrase must be wiped after completion")

	leftovers, _ := os.ReadDir(filepath.Join(h.machine.workDir, "headers"))
	assert.Empty(t, leftovers, "local header copies are removed")
}

func TestProvisionSkipsRecordedVolume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.repo.UpsertVolume(ctx, &db.Volume{Device: "/dev/sdX1", Mapping: "cryptroot", State: db.StateClosed, LUKSUUID: "old"}))

	resp := &ProvisionResponse{}
	require.NoError(t, h.run(ctx, &ProvisionRequest{Device: "/dev/sdX1", Mapping: "cryptroot", HeaderBackup: true}, resp))

	assert.True(t, resp.Skipped)
	assert.Equal(t, db.StateClosed, resp.Status)
	assert.Equal(t, "old", resp.LUKSUUID)
	assert.Zero(t, h.cryptset.ran("luksFormat"))
	assert.Empty(t, h.store.keys)
}

func TestProvisionForceReformats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.repo.UpsertVolume(ctx, &db.Volume{Device: "/dev/sdX1", State: db.StateEncrypted}))
	h.machine.SetPassphrase("/dev/sdX1", []byte("pw"))

	resp := &ProvisionResponse{}
	require.NoError(t, h.run(ctx, &ProvisionRequest{Device: "/dev/sdX1", Force: true}, resp))
	assert.False(t, resp.Skipped)
	assert.Equal(t, 1, h.cryptset.ran("luksFormat"))
	assert.Equal(t, db.StateEncrypted, resp.Status)
	assert.Zero(t, h.cryptset.ran("open"), "no mapping means no unlock")
}

func TestProvisionRequiresPassphrase(t *testing.T) {
	h := newHarness(t)

	err := h.run(context.Background(), &ProvisionRequest{Device: "/dev/sdX1", Mapping: "cryptroot"}, &ProvisionResponse{})
	require.ErrorIs(t, err, luks.ErrMissingCredential)
	assert.Empty(t, h.cryptset.commands)
}

func TestEncryptFailureAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cryptset.failFormat = luks.ExitWrongDevice
	h.machine.SetPassphrase("/dev/sdX1", []byte("pw"))

	req := &ProvisionRequest{Device: "/dev/sdX1", Mapping: "cryptroot"}
	resp := &ProvisionResponse{}
	require.NoError(t, h.machine.checkDB(ctx, req, resp))

	_, err := h.machine.handleEncrypt(ctx, fsm.NewRequest(req, resp))
	require.Error(t, err)

	assert.Equal(t, db.StateFailed, resp.Status)
	vol, err := h.repo.GetByDevice(ctx, "/dev/sdX1")
	require.NoError(t, err)
	assert.Equal(t, db.StateFailed, vol.State)
	assert.Contains(t, vol.ErrorMessage, "wrong device")

	ops, err := h.repo.ListOperations(ctx, "/dev/sdX1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, db.OpFailed, ops[0].Status)
	assert.Equal(t, luks.ExitWrongDevice, ops[0].ExitCode)
	assert.NotContains(t, ops[0].ErrorMessage, "Enter passphrase", "transcripts are not persisted")

	_, err = h.machine.passphrase("/dev/sdX1")
	assert.ErrorIs(t, err, luks.ErrMissingCredential)
}

func TestUnlockWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.machine.SetPassphrase("/dev/sdX1", []byte("right"))

	req := &ProvisionRequest{Device: "/dev/sdX1", Mapping: "cryptroot"}
	resp := &ProvisionResponse{}
	require.NoError(t, h.machine.checkDB(ctx, req, resp))
	require.NoError(t, h.machine.encrypt(ctx, req, resp))

	h.machine.SetPassphrase("/dev/sdX1", []byte("wrong"))
	err := h.machine.unlock(ctx, req, resp)

	var diskErr *luks.DiskError
	require.ErrorAs(t, err, &diskErr)
	assert.Equal(t, luks.ExitNoPermission, diskErr.ExitCode)
	assert.Empty(t, resp.MappedPath)
}

func TestUnlockAdoptsOpenMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.repo.UpsertVolume(ctx, &db.Volume{Device: "/dev/sdX1", State: db.StateEncrypted}))
	require.NoError(t, os.Symlink("../dm-3", filepath.Join(h.mapperDir, "cryptroot")))

	resp := &ProvisionResponse{}
	require.NoError(t, h.machine.unlock(ctx, &ProvisionRequest{Device: "/dev/sdX1", Mapping: "cryptroot"}, resp))
	assert.Equal(t, filepath.Join(h.mapperDir, "cryptroot"), resp.MappedPath)
	assert.Zero(t, h.cryptset.ran("open"))
}

func TestBackupHeaderUploadFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.err = errors.New("access denied")
	require.NoError(t, h.repo.UpsertVolume(ctx, &db.Volume{Device: "/dev/sdX1", State: db.StateEncrypted}))

	resp := &ProvisionResponse{}
	err := h.machine.backupHeader(ctx, &ProvisionRequest{Device: "/dev/sdX1", HeaderBackup: true}, resp)
	require.Error(t, err)
	assert.Empty(t, resp.HeaderKey)
	assert.Equal(t, "9f3c-uuid", resp.LUKSUUID)
}

func TestOperationOutcome(t *testing.T) {
	code, msg := OperationOutcome(nil)
	assert.Equal(t, 0, code)
	assert.Empty(t, msg)

	diskErr := &luks.DiskError{Op: "unlock", Device: "/dev/sdX1", ExitCode: 2, Output: "Enter passphrase for /dev/sdX1: \r\nNo key available"}
	code, msg = OperationOutcome(fmt.Errorf("provision: %w", diskErr))
	assert.Equal(t, 2, code)
	assert.Equal(t, "could not unlock /dev/sdX1: exit code 2 (no permission or bad passphrase)", msg)

	code, msg = OperationOutcome(luks.ErrMissingCredential)
	assert.Equal(t, -1, code)
	assert.Equal(t, luks.ErrMissingCredential.Error(), msg)
}

func TestTrackWithoutRepository(t *testing.T) {
	called := false
	err := Track(context.Background(), nil, "/dev/sdX1", db.KindErase, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
