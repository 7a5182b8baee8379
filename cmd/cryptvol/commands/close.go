package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
)

var closeCmd = &cobra.Command{
	Use:   "close <device>",
	Short: "Close the mapping of a LUKS volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

func init() {
	rootCmd.AddCommand(closeCmd)
	closeCmd.Flags().String("mapping", "", "Mapping name (defaults to the recorded one)")
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device := args[0]

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	mapping, err := env.mappingFor(cmd, device)
	if err != nil {
		return err
	}

	sess, err := env.session(device, mapping, nil)
	if err != nil {
		return err
	}

	if sess.Lookup() == nil {
		fmt.Printf("%s is not open\n", sess.MappedPath())
		return nil
	}

	var closed bool
	err = appfsm.Track(ctx, env.repo, device, db.KindClose, func() error {
		var err error
		closed, err = sess.Close(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("cryptsetup closed %s but %s still exists", mapping, sess.MappedPath())
	}

	vol := &db.Volume{Device: device, Mapping: sess.Mapping(), State: db.StateClosed}
	if err := env.repo.UpsertVolume(ctx, vol); err != nil {
		return err
	}

	fmt.Printf("Closed %s\n", sess.MappedPath())
	return nil
}
