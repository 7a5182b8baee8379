package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fly-io/cryptvol/pkg/errors"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
	"github.com/fly-io/cryptvol/pkg/storage"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <device>",
	Short: "Encrypt, unlock, register and back up a volume in one durable run",
	Long: `Runs the provisioning workflow:
  check_db -> encrypt -> unlock -> crypttab -> backup_header -> complete

Devices already recorded as encrypted are skipped unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().String("mapping", "", "Mapping name to open the volume as")
	provisionCmd.Flags().Bool("force", false, "Re-format a device that is already recorded as encrypted")
	provisionCmd.Flags().String("root", "", "Target root whose etc/crypttab gets an entry")
	provisionCmd.Flags().String("enroll-key", "", "Key file to enroll before writing crypttab")
	provisionCmd.Flags().String("crypttab-key", "", "Key path written to crypttab (defaults to --enroll-key)")
	provisionCmd.Flags().StringSlice("options", nil, "crypttab options (default luks,key-slot=1)")
	provisionCmd.Flags().Bool("header-backup", false, "Upload a LUKS header backup to S3")
	addCredentialFlags(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	req := &appfsm.ProvisionRequest{Device: args[0]}
	req.Mapping, _ = flags.GetString("mapping")
	req.Force, _ = flags.GetBool("force")
	req.Root, _ = flags.GetString("root")
	req.EnrollKeyFile, _ = flags.GetString("enroll-key")
	req.CrypttabKeyPath, _ = flags.GetString("crypttab-key")
	req.CrypttabOptions, _ = flags.GetStringSlice("options")
	req.HeaderBackup, _ = flags.GetBool("header-backup")

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	if !flags.Changed("header-backup") {
		req.HeaderBackup = cfg.HeaderBackup
	}

	if err := env.validator.ValidateDevicePath(req.Device); err != nil {
		return err
	}
	if req.EnrollKeyFile != "" {
		if err := env.validator.ValidateKeyFile(req.EnrollKeyFile); err != nil {
			return err
		}
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	var headers appfsm.HeaderStore
	if req.HeaderBackup {
		if cfg.S3Bucket == "" {
			return fmt.Errorf("--header-backup needs --s3-bucket")
		}
		client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		headers = client
	}

	cred, err := newCredentialSource(cmd).resolve(env.validator, req.Device, true)
	if err != nil {
		return err
	}
	defer cred.wipe()
	pw, err := credentialBytes(cred)
	if err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(env.repo, subprocess.PtyStarter{}, env.disks, headers,
		cfg.CryptsetupPath, cfg.MapperDir, cfg.WorkDir, cfg.FSMMaxRetries)
	machine.SetPassphrase(req.Device, pw)
	defer machine.Forget(req.Device)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	runID := uuid.NewString()
	resp := &appfsm.ProvisionResponse{}

	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", runID, "device", req.Device, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	vol, err := env.repo.GetByDevice(ctx, req.Device)
	if err != nil {
		return err
	}
	if vol == nil {
		return fmt.Errorf("provision of %s left no volume record", req.Device)
	}

	slog.Info("provision_completed", "run_id", runID, "device", req.Device, "state", vol.State)
	fmt.Printf("%s: %s", req.Device, vol.State)
	if vol.MappedPath != "" {
		fmt.Printf(" at %s", vol.MappedPath)
	}
	fmt.Println()
	return nil
}

// credentialBytes turns a credential into passphrase bytes for the
// workflow, which keeps no file paths for secrets.
func credentialBytes(cred *credential) ([]byte, error) {
	if cred.keyFile == "" {
		return cred.password, nil
	}
	data, err := readKeyFile(cred.keyFile)
	if err != nil {
		return nil, err
	}
	cred.password = data
	return data, nil
}
