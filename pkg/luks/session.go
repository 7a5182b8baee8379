// Package luks drives cryptsetup through its interactive prompts to format,
// open, close, re-key and erase LUKS2 volumes.
//
// A Session is bound to one block device and, optionally, one mapping name.
// Every operation spawns a single cryptsetup process, waits for its
// passphrase prompt, answers it exactly once and interprets the exit code.
// Once a command has been started it is never cancelled.
package luks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fly-io/cryptvol/pkg/blockdev"
	"github.com/fly-io/cryptvol/pkg/errors"
	"github.com/fly-io/cryptvol/pkg/security"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

// State is the lifecycle position of a session's volume.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateEncrypted     State = "encrypted"
	StateUnlocked      State = "unlocked"
	StateClosed        State = "closed"
)

// MappedDevice is the decrypted view of a volume under the mapper directory.
// It is an observation, not an owned resource.
type MappedDevice struct {
	Name string
	Path string
}

func (m *MappedDevice) String() string {
	return m.Path
}

// Config describes the volume a session operates on.
type Config struct {
	// Device is the block device holding the LUKS volume.
	Device string
	// Mapping is the bare mapping name. Path separators are stripped.
	Mapping string
	// Password and KeyFile are the session-level credential.
	Password []byte
	KeyFile  string
	// AutoClose closes the mapping on Release.
	AutoClose bool

	Binary    string
	MapperDir string
}

// Session drives cryptsetup for one device. Operations are serialized; at
// most one cryptsetup process runs per session.
type Session struct {
	device    string
	mapping   string
	password  []byte
	keyFile   string
	autoClose bool
	binary    string
	mapperDir string

	starter subprocess.Starter
	disks   blockdev.Manager

	mu           sync.Mutex
	state        State
	mapped       *MappedDevice
	lastRecovery []RecoveryStep
}

// NewSession validates cfg and returns a session in the uninitialized state.
func NewSession(cfg Config, starter subprocess.Starter, disks blockdev.Manager) (*Session, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("luks: device is required")
	}

	mapping := ""
	if cfg.Mapping != "" {
		name, err := security.SanitizeMappingName(cfg.Mapping)
		if err != nil {
			return nil, errors.Wrap(err, "luks: invalid mapping name")
		}
		mapping = name
	}

	s := &Session{
		device:    cfg.Device,
		mapping:   mapping,
		password:  cfg.Password,
		keyFile:   cfg.KeyFile,
		autoClose: cfg.AutoClose,
		binary:    cfg.Binary,
		mapperDir: cfg.MapperDir,
		starter:   starter,
		disks:     disks,
		state:     StateUninitialized,
	}
	if s.binary == "" {
		s.binary = DefaultBinary
	}
	if s.mapperDir == "" {
		s.mapperDir = DefaultMapperDir
	}
	return s, nil
}

func (s *Session) Device() string  { return s.device }
func (s *Session) Mapping() string { return s.mapping }

// State returns the last known lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mapped returns the mapping recorded by the last Unlock or Lookup.
func (s *Session) Mapped() *MappedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped
}

// LastRecovery returns the outcome of every busy-recovery step taken by the
// most recent Encrypt.
func (s *Session) LastRecovery() []RecoveryStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecoveryStep(nil), s.lastRecovery...)
}

// MappedPath is the conventional path of the session's mapping.
func (s *Session) MappedPath() string {
	if s.mapping == "" {
		return ""
	}
	return filepath.Join(s.mapperDir, s.mapping)
}

func (s *Session) passphrasePrompt() string {
	return fmt.Sprintf(passphrasePromptFormat, s.device)
}

func (s *Session) formatArgs() []string {
	return []string{
		"--batch-mode",
		"--verbose",
		"--type", FormatType,
		"--pbkdf", FormatPBKDF,
		"--hash", FormatHash,
		"--key-size", strconv.Itoa(FormatKeySize),
		"--iter-time", strconv.Itoa(FormatIterTime),
		"--use-urandom",
		"luksFormat", s.device,
	}
}

// Encrypt formats the device as a LUKS2 volume. If cryptsetup reports the
// device busy, child mappings are torn down and the format is retried once.
func (s *Session) Encrypt(ctx context.Context, password []byte, keyFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	secret, err := s.resolveCredential(password, keyFile)
	if err != nil {
		return err
	}
	defer wipe(secret)

	slog.Info("luks_encrypt_start", "device", s.device, "pbkdf", FormatPBKDF, "key_size", FormatKeySize)
	s.lastRecovery = nil

	if err := s.disks.Rescan(ctx, s.device); err != nil {
		slog.Warn("luks_rescan_failed", "device", s.device, "error", err)
	}

	args := s.formatArgs()
	code, out, err := s.interact(args, s.passphrasePrompt(), secret)
	if err != nil {
		return err
	}

	if code == ExitDeviceBusy {
		slog.Warn("luks_device_busy", "device", s.device, "exit_code", code)

		s.lastRecovery = s.recoverBusy(ctx)

		code, out, err = s.interact(args, s.passphrasePrompt(), secret)
		if err != nil {
			return err
		}
		if code == ExitDeviceBusy {
			slog.Error("luks_encrypt_busy_after_recovery", "device", s.device)
			return s.diskError("encrypt", code, out, secret, &DeviceBusyError{Device: s.device, ExitCode: code})
		}
	}

	if code != ExitSuccess {
		slog.Error("luks_encrypt_failed", "device", s.device, "exit_code", code)
		return s.diskError("encrypt", code, out, secret, nil)
	}

	s.state = StateEncrypted
	s.mapped = nil
	slog.Info("luks_encrypt_complete", "device", s.device, "recovered", len(s.lastRecovery) > 0)
	return nil
}

// Unlock opens the volume as the session's mapping and returns the mapped
// device once its link exists.
func (s *Session) Unlock(ctx context.Context, password []byte, keyFile string) (*MappedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mapping == "" {
		return nil, ErrNoMapping
	}

	secret, err := s.resolveCredential(password, keyFile)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)

	slog.Info("luks_unlock_start", "device", s.device, "mapping", s.mapping)

	args := []string{"open", s.device, s.mapping, "--type", FormatType, "--tries", passphraseTries}
	code, out, err := s.interact(args, s.passphrasePrompt(), secret)
	if err != nil {
		return nil, err
	}
	if code != ExitSuccess {
		slog.Error("luks_unlock_failed", "device", s.device, "mapping", s.mapping, "exit_code", code)
		return nil, s.diskError("unlock", code, out, secret, nil)
	}

	path := s.MappedPath()
	if !isSymlink(path) {
		slog.Error("luks_unlock_mapping_missing", "device", s.device, "path", path)
		return nil, &InconsistentStateError{Device: s.device, Mapping: s.mapping, Path: path}
	}

	s.mapped = &MappedDevice{Name: s.mapping, Path: path}
	s.state = StateUnlocked
	slog.Info("luks_unlock_complete", "device", s.device, "mapped", path)
	return s.mapped, nil
}

// Close tears down the mapping recorded by Unlock or Lookup. With no known
// mapping it does nothing and returns false. Otherwise it reports whether
// the mapping link is gone.
func (s *Session) Close(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close(ctx)
}

func (s *Session) close(ctx context.Context) (bool, error) {
	if s.mapped == nil {
		slog.Info("luks_close_noop", "device", s.device)
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	mapped := s.mapped
	slog.Info("luks_close_start", "device", s.device, "mapping", mapped.Name)

	code, out, err := s.run("close", mapped.Name)
	if err != nil {
		return false, err
	}
	if code != ExitSuccess {
		slog.Error("luks_close_failed", "mapping", mapped.Name, "exit_code", code)
		return false, s.diskError("close", code, out, nil, nil)
	}

	closed := !isSymlink(mapped.Path)
	if closed {
		s.mapped = nil
		s.state = StateClosed
	}
	slog.Info("luks_close_complete", "mapping", mapped.Name, "closed", closed)
	return closed, nil
}

// AddKey enrolls keyPath as an additional key, authenticating with an
// existing passphrase. The new key is passed as a file argument, only the
// existing credential goes through the prompt.
func (s *Session) AddKey(ctx context.Context, keyPath string, password []byte, keyFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := os.Stat(keyPath); err != nil {
		slog.Error("luks_add_key_missing", "device", s.device, "key_path", keyPath, "error", err)
		return errors.Wrapf(err, "could not import %s as a disk encryption key", keyPath)
	}

	secret, err := s.resolveCredential(password, keyFile)
	if err != nil {
		return err
	}
	defer wipe(secret)

	slog.Info("luks_add_key_start", "device", s.device, "key_path", keyPath)

	args := []string{"-q", "-v", "--tries", passphraseTries, "luksAddKey", s.device, keyPath}
	code, out, err := s.interact(args, existingPassphrasePrompt, secret)
	if err != nil {
		return err
	}
	if code != ExitSuccess {
		slog.Error("luks_add_key_failed", "device", s.device, "exit_code", code)
		return s.diskError("add key to", code, out, secret, nil)
	}

	slog.Info("luks_add_key_complete", "device", s.device, "key_path", keyPath)
	return nil
}

// Erase wipes all keyslots of the volume. The data becomes unrecoverable.
// An open mapping is forgotten by the session; use Lookup to adopt it again
// for closing.
func (s *Session) Erase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Info("luks_erase_start", "device", s.device)

	code, out, err := s.run("-q", "-v", "luksErase", s.device)
	if err != nil {
		return err
	}
	if code != ExitSuccess {
		slog.Error("luks_erase_failed", "device", s.device, "exit_code", code)
		return s.diskError("erase", code, out, nil, nil)
	}

	if s.mapped != nil {
		slog.Warn("luks_erase_mapping_still_open", "device", s.device, "mapping", s.mapped.Name)
		s.mapped = nil
	}
	s.state = StateUninitialized
	slog.Info("luks_erase_complete", "device", s.device)
	return nil
}

// HeaderBackup writes a copy of the LUKS header to dest.
func (s *Session) HeaderBackup(ctx context.Context, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Info("luks_header_backup_start", "device", s.device, "dest", dest)

	code, out, err := s.run("--batch-mode", "luksHeaderBackup", s.device, "--header-backup-file", dest)
	if err != nil {
		return err
	}
	if code != ExitSuccess {
		slog.Error("luks_header_backup_failed", "device", s.device, "exit_code", code)
		return s.diskError("back up header of", code, out, nil, nil)
	}

	slog.Info("luks_header_backup_complete", "device", s.device, "dest", dest)
	return nil
}

// Lookup re-checks the mapping link and adopts it when present, so a mapping
// opened by another process can be closed by this session.
func (s *Session) Lookup() *MappedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mapping == "" {
		return nil
	}

	path := s.MappedPath()
	if !isSymlink(path) {
		if s.mapped != nil {
			slog.Warn("luks_mapping_vanished", "mapping", s.mapping, "path", path)
			s.state = StateClosed
		}
		s.mapped = nil
		return nil
	}

	s.mapped = &MappedDevice{Name: s.mapping, Path: path}
	s.state = StateUnlocked
	return s.mapped
}

// Release closes the mapping when the session was created with AutoClose.
// Callers defer it right after creating the session.
func (s *Session) Release(ctx context.Context) error {
	if !s.autoClose {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.close(ctx)
	return err
}

// interact runs cryptsetup with args and answers prompt with secret once.
func (s *Session) interact(args []string, prompt string, secret []byte) (int, []byte, error) {
	ch, err := s.starter.Start(s.binary, args, localeEnv)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "could not run cryptsetup on %s", s.device)
	}

	latch := newPromptLatch(prompt)
	code := latch.drive(ch, secret)
	return code, ch.Output(), nil
}

// run executes a cryptsetup command that does not prompt.
func (s *Session) run(args ...string) (int, []byte, error) {
	ch, err := s.starter.Start(s.binary, args, localeEnv)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "could not run cryptsetup on %s", s.device)
	}
	code := subprocess.Await(ch)
	return code, ch.Output(), nil
}

func (s *Session) diskError(op string, code int, out, secret []byte, cause error) *DiskError {
	return &DiskError{
		Op:       op,
		Device:   s.device,
		ExitCode: code,
		Output:   string(redact(out, secret, s.password)),
		Err:      cause,
	}
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}
