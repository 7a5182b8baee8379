package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
)

var addKeyCmd = &cobra.Command{
	Use:   "add-key <device> <new-key-file>",
	Short: "Enroll a key file as an additional LUKS key",
	Long: `Enrolls <new-key-file> in a free keyslot. The existing passphrase is taken
from --key-file, the passphrase environment variable, or an interactive prompt.`,
	Args: cobra.ExactArgs(2),
	RunE: runAddKey,
}

func init() {
	rootCmd.AddCommand(addKeyCmd)
	addCredentialFlags(addKeyCmd)
}

func runAddKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device, newKey := args[0], args[1]

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.validator.ValidateKeyFile(newKey); err != nil {
		return err
	}

	cred, err := newCredentialSource(cmd).resolve(env.validator, device, false)
	if err != nil {
		return err
	}
	defer cred.wipe()

	sess, err := env.session(device, "", cred)
	if err != nil {
		return err
	}

	err = appfsm.Track(ctx, env.repo, device, db.KindAddKey, func() error {
		return sess.AddKey(ctx, newKey, nil, "")
	})
	if err != nil {
		return err
	}

	fmt.Printf("Enrolled %s on %s\n", newKey, device)
	return nil
}
