package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/cryptvol/pkg/blockdev"
	"github.com/fly-io/cryptvol/pkg/db"
	"github.com/fly-io/cryptvol/pkg/errors"
	"github.com/fly-io/cryptvol/pkg/luks"
	"github.com/fly-io/cryptvol/pkg/storage"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

// HeaderStore receives header backups.
type HeaderStore interface {
	Upload(ctx context.Context, key, localPath string) (*storage.UploadResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	starter    subprocess.Starter
	disks      blockdev.Manager
	headers    HeaderStore
	binary     string
	mapperDir  string
	workDir    string
	maxRetries int
	now        func() time.Time

	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMachine creates a new FSM machine with dependencies. headers may be nil,
// in which case header backups are skipped.
func NewMachine(
	repo *db.Repository,
	starter subprocess.Starter,
	disks blockdev.Manager,
	headers HeaderStore,
	binary, mapperDir, workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		starter:    starter,
		disks:      disks,
		headers:    headers,
		binary:     binary,
		mapperDir:  mapperDir,
		workDir:    workDir,
		maxRetries: maxRetries,
		now:        time.Now,
		secrets:    map[string][]byte{},
	}
}

// SetPassphrase hands the machine the passphrase for device. It stays in
// memory only and is wiped when the run for device completes or fails.
func (m *Machine) SetPassphrase(device string, passphrase []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.secrets[device]; ok {
		clear(old)
	}
	m.secrets[device] = passphrase
}

// Forget wipes the passphrase held for device.
func (m *Machine) Forget(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.secrets[device]; ok {
		clear(old)
		delete(m.secrets, device)
	}
}

func (m *Machine) passphrase(device string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.secrets[device]
	if !ok || len(pw) == 0 {
		return nil, luks.ErrMissingCredential
	}
	return pw, nil
}

func (m *Machine) session(req *ProvisionRequest) (*luks.Session, error) {
	return luks.NewSession(luks.Config{
		Device:    req.Device,
		Mapping:   req.Mapping,
		Binary:    m.binary,
		MapperDir: m.mapperDir,
	}, m.starter, m.disks)
}

func (m *Machine) checkRetries(ctx context.Context, state string, req *ProvisionRequest) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "device", req.Device, "state", state, "max_retries", m.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
	}
	return nil
}

// fail marks the volume failed, wipes the passphrase and aborts the run.
// Destructive steps are never retried by the FSM.
func (m *Machine) fail(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse, err error) error {
	_, message := OperationOutcome(err)
	resp.Status = db.StateFailed
	resp.ErrorMessage = message

	if uerr := m.repo.UpdateState(context.WithoutCancel(ctx), req.Device, db.StateFailed, "", message); uerr != nil {
		slog.Error("status_update_failed", "device", req.Device, "error", uerr)
	}
	m.Forget(req.Device)
	return fsm.Abort(err)
}

func response(req *fsm.Request[ProvisionRequest, ProvisionResponse]) *ProvisionResponse {
	if req.W.Msg == nil {
		return &ProvisionResponse{}
	}
	return req.W.Msg
}

// handleCheckDB registers the volume and decides whether it needs formatting
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	if err := m.checkDB(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(ctx, req.Msg, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) checkDB(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	slog.Info("fsm_state_check_db", "device", req.Device)

	if err := m.checkRetries(ctx, StateCheckDB, req); err != nil {
		return err
	}

	vol, err := m.repo.GetByDevice(ctx, req.Device)
	if err != nil {
		slog.Error("database_check_failed", "device", req.Device, "error", err)
		return errors.Wrap(err, "database error")
	}

	if vol != nil && !req.Force {
		switch vol.State {
		case db.StateEncrypted, db.StateUnlocked, db.StateClosed:
			slog.Info("volume_already_encrypted", "device", req.Device, "volume_id", vol.ID, "state", vol.State)
			resp.VolumeID = vol.ID
			resp.LUKSUUID = vol.LUKSUUID
			resp.MappedPath = vol.MappedPath
			resp.Status = vol.State
			resp.Skipped = true
			return nil
		}
	}

	if _, err := m.passphrase(req.Device); err != nil {
		return err
	}

	vol = &db.Volume{Device: req.Device, Mapping: req.Mapping, State: db.StateUninitialized}
	if err := m.repo.UpsertVolume(ctx, vol); err != nil {
		slog.Error("create_volume_failed", "device", req.Device, "error", err)
		return errors.Wrap(err, "failed to create volume record")
	}
	resp.VolumeID = vol.ID
	slog.Info("volume_registered", "device", req.Device, "volume_id", vol.ID)
	return nil
}

// handleEncrypt formats the device
func (m *Machine) handleEncrypt(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	if err := m.encrypt(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(ctx, req.Msg, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) encrypt(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	slog.Info("fsm_state_encrypt", "device", req.Device, "skipped", resp.Skipped)
	if resp.Skipped {
		return nil
	}
	if err := m.checkRetries(ctx, StateEncrypt, req); err != nil {
		return err
	}

	pw, err := m.passphrase(req.Device)
	if err != nil {
		return err
	}
	sess, err := m.session(req)
	if err != nil {
		return err
	}

	err = Track(ctx, m.repo, req.Device, db.KindEncrypt, func() error {
		return sess.Encrypt(ctx, pw, "")
	})
	if err != nil {
		slog.Error("encrypt_failed", "device", req.Device, "error", err)
		return err
	}
	resp.Recovered = len(sess.LastRecovery()) > 0

	luksUUID, err := m.disks.UUID(ctx, req.Device)
	if err != nil {
		slog.Warn("luks_uuid_unavailable", "device", req.Device, "error", err)
	}
	resp.LUKSUUID = luksUUID

	vol := &db.Volume{Device: req.Device, Mapping: req.Mapping, State: db.StateEncrypted, LUKSUUID: luksUUID}
	if err := m.repo.UpsertVolume(ctx, vol); err != nil {
		return errors.Wrap(err, "failed to update volume")
	}
	return nil
}

// handleUnlock opens the mapping
func (m *Machine) handleUnlock(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	if err := m.unlock(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(ctx, req.Msg, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) unlock(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	slog.Info("fsm_state_unlock", "device", req.Device, "mapping", req.Mapping)
	if req.Mapping == "" || resp.Skipped {
		return nil
	}
	if err := m.checkRetries(ctx, StateUnlock, req); err != nil {
		return err
	}

	sess, err := m.session(req)
	if err != nil {
		return err
	}
	if mapped := sess.Lookup(); mapped != nil {
		slog.Info("mapping_already_open", "device", req.Device, "mapped", mapped.Path)
		resp.MappedPath = mapped.Path
		return m.repo.UpdateState(ctx, req.Device, db.StateUnlocked, mapped.Path, "")
	}

	pw, err := m.passphrase(req.Device)
	if err != nil {
		return err
	}

	var mapped *luks.MappedDevice
	err = Track(ctx, m.repo, req.Device, db.KindUnlock, func() error {
		var err error
		mapped, err = sess.Unlock(ctx, pw, "")
		return err
	})
	if err != nil {
		slog.Error("unlock_failed", "device", req.Device, "error", err)
		return err
	}

	resp.MappedPath = mapped.Path
	return m.repo.UpdateState(ctx, req.Device, db.StateUnlocked, mapped.Path, "")
}

// handleCrypttab enrolls the boot key and registers the volume in crypttab
func (m *Machine) handleCrypttab(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	if err := m.crypttab(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(ctx, req.Msg, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) crypttab(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	slog.Info("fsm_state_crypttab", "device", req.Device, "root", req.Root)
	if req.Root == "" || req.Mapping == "" || resp.Skipped {
		return nil
	}
	if err := m.checkRetries(ctx, StateCrypttab, req); err != nil {
		return err
	}

	sess, err := m.session(req)
	if err != nil {
		return err
	}

	keyPath := req.CrypttabKeyPath
	if req.EnrollKeyFile != "" {
		pw, err := m.passphrase(req.Device)
		if err != nil {
			return err
		}
		err = Track(ctx, m.repo, req.Device, db.KindAddKey, func() error {
			return sess.AddKey(ctx, req.EnrollKeyFile, pw, "")
		})
		if err != nil {
			slog.Error("add_key_failed", "device", req.Device, "error", err)
			return err
		}
		if keyPath == "" {
			keyPath = req.EnrollKeyFile
		}
	}
	if keyPath == "" {
		keyPath = "none"
	}

	err = Track(ctx, m.repo, req.Device, db.KindCrypttab, func() error {
		return sess.Crypttab(ctx, req.Root, keyPath, req.CrypttabOptions)
	})
	if err != nil {
		return err
	}
	resp.CrypttabPath = filepath.Join(req.Root, "etc", "crypttab")
	return nil
}

// handleBackupHeader copies the LUKS header off-host
func (m *Machine) handleBackupHeader(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	if err := m.backupHeader(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(ctx, req.Msg, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) backupHeader(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	slog.Info("fsm_state_backup_header", "device", req.Device, "enabled", req.HeaderBackup)
	if !req.HeaderBackup || resp.Skipped {
		return nil
	}
	if m.headers == nil {
		slog.Warn("header_backup_unavailable", "device", req.Device, "reason", "no_store")
		return nil
	}
	if err := m.checkRetries(ctx, StateBackupHeader, req); err != nil {
		return err
	}

	if resp.LUKSUUID == "" {
		luksUUID, err := m.disks.UUID(ctx, req.Device)
		if err != nil {
			return errors.Wrap(err, "cannot name header backup")
		}
		resp.LUKSUUID = luksUUID
	}

	sess, err := m.session(req)
	if err != nil {
		return err
	}

	dir := filepath.Join(m.workDir, "headers")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Error("header_dir_creation_failed", "path", dir, "error", err)
		return errors.Wrap(err, "failed to create header dir")
	}

	taken := m.now()
	local := filepath.Join(dir, fmt.Sprintf("%s-%d.img", resp.LUKSUUID, taken.Unix()))
	// cryptsetup refuses to overwrite an existing backup file
	_ = os.Remove(local)
	defer os.Remove(local)

	err = Track(ctx, m.repo, req.Device, db.KindHeaderBackup, func() error {
		if err := sess.HeaderBackup(ctx, local); err != nil {
			return err
		}
		result, err := m.headers.Upload(ctx, storage.HeaderKey(resp.LUKSUUID, taken), local)
		if err != nil {
			return err
		}
		resp.HeaderKey = result.Key
		resp.HeaderSHA256 = result.SHA256
		return nil
	})
	if err != nil {
		slog.Error("header_backup_failed", "device", req.Device, "error", err)
		return err
	}
	return nil
}

// handleComplete marks the run as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	m.complete(req.Msg, resp)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) complete(req *ProvisionRequest, resp *ProvisionResponse) {
	m.Forget(req.Device)

	if !resp.Skipped {
		resp.Status = db.StateEncrypted
		if resp.MappedPath != "" {
			resp.Status = db.StateUnlocked
		}
	}
	slog.Info("fsm_complete", "device", req.Device, "status", resp.Status, "skipped", resp.Skipped, "header_key", resp.HeaderKey)
}
