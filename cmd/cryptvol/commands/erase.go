package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
)

var eraseYes bool

var eraseCmd = &cobra.Command{
	Use:   "erase <device>",
	Short: "Wipe every keyslot of a LUKS volume (data becomes unrecoverable)",
	Args:  cobra.ExactArgs(1),
	RunE:  runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().BoolVar(&eraseYes, "yes", false, "Confirm that all keyslots should be destroyed")
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device := args[0]

	if !eraseYes {
		return fmt.Errorf("refusing to erase %s without --yes", device)
	}

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := env.session(device, "", nil)
	if err != nil {
		return err
	}

	err = appfsm.Track(ctx, env.repo, device, db.KindErase, func() error {
		return sess.Erase(ctx)
	})
	if err != nil {
		return err
	}

	vol := &db.Volume{Device: device, State: db.StateUninitialized}
	if err := env.repo.UpsertVolume(ctx, vol); err != nil {
		return err
	}

	fmt.Printf("Erased all keyslots of %s\n", device)
	return nil
}
