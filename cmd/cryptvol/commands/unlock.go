package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
	"github.com/fly-io/cryptvol/pkg/luks"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <device>",
	Short: "Open a LUKS volume under the mapper directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
	unlockCmd.Flags().String("mapping", "", "Mapping name (defaults to the recorded one)")
	addCredentialFlags(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
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

	cred, err := newCredentialSource(cmd).resolve(env.validator, device, false)
	if err != nil {
		return err
	}
	defer cred.wipe()

	sess, err := env.session(device, mapping, cred)
	if err != nil {
		return err
	}

	var mapped *luks.MappedDevice
	err = appfsm.Track(ctx, env.repo, device, db.KindUnlock, func() error {
		var err error
		mapped, err = sess.Unlock(ctx, nil, "")
		return err
	})
	if err != nil {
		recordFailure(cmd, env.repo, device, sess.Mapping(), err)
		return err
	}

	vol := &db.Volume{Device: device, Mapping: sess.Mapping(), State: db.StateUnlocked, MappedPath: mapped.Path}
	if err := env.repo.UpsertVolume(ctx, vol); err != nil {
		return err
	}

	fmt.Println(mapped)
	return nil
}
