package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fly-io/cryptvol/internal/config"
	"github.com/fly-io/cryptvol/pkg/blockdev"
	"github.com/fly-io/cryptvol/pkg/db"
	"github.com/fly-io/cryptvol/pkg/errors"
	"github.com/fly-io/cryptvol/pkg/luks"
	"github.com/fly-io/cryptvol/pkg/security"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

// DefaultPassphraseEnv names the environment variable read for passphrases
// when no key file is given.
const DefaultPassphraseEnv = "CRYPTVOL_PASSPHRASE"

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o700); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed for provision
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0o700); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o700); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func openRepository(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// credential is the secret a command authenticates with. Exactly one of
// the fields is set.
type credential struct {
	password []byte
	keyFile  string
}

func (c *credential) wipe() {
	clear(c.password)
}

// readKeyFile reads a passphrase from path without its trailing newline.
func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read key file %s", path)
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.Wrapf(luks.ErrMissingCredential, "key file %s is empty", path)
	}
	return data, nil
}

func addCredentialFlags(cmd *cobra.Command) {
	cmd.Flags().String("key-file", "", "Read the passphrase from this file")
	cmd.Flags().String("passphrase-env", DefaultPassphraseEnv, "Environment variable holding the passphrase")
}

// credentialSource resolves a credential from a key file, an environment
// variable or an interactive prompt, in that order.
type credentialSource struct {
	keyFile      string
	envName      string
	getenv       func(string) string
	stdin        int
	isTerminal   func(int) bool
	readPassword func(int) ([]byte, error)
	prompt       io.Writer
}

func newCredentialSource(cmd *cobra.Command) *credentialSource {
	keyFile, _ := cmd.Flags().GetString("key-file")
	envName, _ := cmd.Flags().GetString("passphrase-env")
	return &credentialSource{
		keyFile:      keyFile,
		envName:      envName,
		getenv:       os.Getenv,
		stdin:        int(os.Stdin.Fd()),
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
		prompt:       os.Stderr,
	}
}

// resolve returns the credential. With confirm, an interactive passphrase
// must be typed twice.
func (s *credentialSource) resolve(v *security.Validator, device string, confirm bool) (*credential, error) {
	if s.keyFile != "" {
		if err := v.ValidateKeyFile(s.keyFile); err != nil {
			return nil, err
		}
		return &credential{keyFile: s.keyFile}, nil
	}

	if s.envName != "" {
		if pw := s.getenv(s.envName); pw != "" {
			return &credential{password: []byte(pw)}, nil
		}
	}

	if !s.isTerminal(s.stdin) {
		return nil, errors.Wrapf(luks.ErrMissingCredential, "no key file, $%s is empty and stdin is not a terminal", s.envName)
	}

	pw, err := s.ask(fmt.Sprintf("Passphrase for %s: ", device))
	if err != nil {
		return nil, err
	}
	if confirm {
		again, err := s.ask("Confirm passphrase: ")
		if err != nil {
			clear(pw)
			return nil, err
		}
		defer clear(again)
		if !bytes.Equal(pw, again) {
			clear(pw)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	if len(pw) == 0 {
		return nil, luks.ErrMissingCredential
	}
	return &credential{password: pw}, nil
}

func (s *credentialSource) ask(prompt string) ([]byte, error) {
	fmt.Fprint(s.prompt, prompt)
	pw, err := s.readPassword(s.stdin)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read passphrase")
	}
	return pw, nil
}

// volumeEnv bundles what a single-volume command needs.
type volumeEnv struct {
	cfg       *config.Config
	repo      *db.Repository
	disks     blockdev.Manager
	validator *security.Validator
}

func openVolumeEnv() (*volumeEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	disks, err := blockdev.NewManager(cfg.SettleDelay)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev init failed")
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}

	return &volumeEnv{
		cfg:       cfg,
		repo:      repo,
		disks:     disks,
		validator: security.NewValidator(cfg.MaxKeyFileSize),
	}, nil
}

func (e *volumeEnv) Close() error {
	return e.repo.Close()
}

// session validates device and returns a session for it. A key-file
// credential becomes the session key file.
func (e *volumeEnv) session(device, mapping string, cred *credential) (*luks.Session, error) {
	if err := e.validator.ValidateDevicePath(device); err != nil {
		return nil, err
	}

	cfg := luks.Config{
		Device:    device,
		Mapping:   mapping,
		Binary:    e.cfg.CryptsetupPath,
		MapperDir: e.cfg.MapperDir,
	}
	if cred != nil {
		cfg.Password = cred.password
		cfg.KeyFile = cred.keyFile
	}
	return luks.NewSession(cfg, subprocess.PtyStarter{}, e.disks)
}

// mappingFor falls back to the mapping recorded for device.
func (e *volumeEnv) mappingFor(cmd *cobra.Command, device string) (string, error) {
	mapping, _ := cmd.Flags().GetString("mapping")
	if mapping != "" {
		return mapping, nil
	}
	vol, err := e.repo.GetByDevice(cmd.Context(), device)
	if err != nil {
		return "", err
	}
	if vol == nil || vol.Mapping == "" {
		return "", fmt.Errorf("no mapping recorded for %s; pass --mapping", device)
	}
	return vol.Mapping, nil
}
