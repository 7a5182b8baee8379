package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt <device>",
	Short: "Format a device as a LUKS2 volume (destroys its contents)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEncrypt,
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	encryptCmd.Flags().String("mapping", "", "Mapping name to record for later unlocks")
	addCredentialFlags(encryptCmd)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device := args[0]
	mapping, _ := cmd.Flags().GetString("mapping")

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	cred, err := newCredentialSource(cmd).resolve(env.validator, device, true)
	if err != nil {
		return err
	}
	defer cred.wipe()

	sess, err := env.session(device, mapping, cred)
	if err != nil {
		return err
	}

	err = appfsm.Track(ctx, env.repo, device, db.KindEncrypt, func() error {
		return sess.Encrypt(ctx, nil, "")
	})
	for _, step := range sess.LastRecovery() {
		slog.Info("recovery_step", "action", step.Action, "target", step.Target, "error", step.Err)
	}
	if err != nil {
		recordFailure(cmd, env.repo, device, sess.Mapping(), err)
		return err
	}

	luksUUID, err := env.disks.UUID(ctx, device)
	if err != nil {
		slog.Warn("luks_uuid_unavailable", "device", device, "error", err)
	}
	vol := &db.Volume{Device: device, Mapping: sess.Mapping(), State: db.StateEncrypted, LUKSUUID: luksUUID}
	if err := env.repo.UpsertVolume(ctx, vol); err != nil {
		return err
	}

	fmt.Printf("Encrypted %s (LUKS UUID %s)\n", device, orDash(luksUUID))
	return nil
}

// recordFailure marks device failed with a transcript-free message.
func recordFailure(cmd *cobra.Command, repo *db.Repository, device, mapping string, opErr error) {
	_, message := appfsm.OperationOutcome(opErr)
	vol := &db.Volume{Device: device, Mapping: mapping, State: db.StateFailed, ErrorMessage: message}
	if err := repo.UpsertVolume(cmd.Context(), vol); err != nil {
		slog.Warn("status_update_failed", "device", device, "error", err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
