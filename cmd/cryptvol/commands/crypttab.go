package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
)

var crypttabCmd = &cobra.Command{
	Use:   "crypttab <device> <key-path>",
	Short: "Append a crypttab entry for a volume to a target root",
	Long: `Appends "<mapping> UUID=<uuid> <key-path> <options>" to <root>/etc/crypttab.
<key-path> is the key location as seen by the target system, or "none".`,
	Args: cobra.ExactArgs(2),
	RunE: runCrypttab,
}

func init() {
	rootCmd.AddCommand(crypttabCmd)
	crypttabCmd.Flags().String("mapping", "", "Mapping name (defaults to the recorded one)")
	crypttabCmd.Flags().String("root", "/", "Target system root")
	crypttabCmd.Flags().StringSlice("options", nil, "crypttab options (default luks,key-slot=1)")
}

func runCrypttab(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device, keyPath := args[0], args[1]
	root, _ := cmd.Flags().GetString("root")
	options, _ := cmd.Flags().GetStringSlice("options")

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

	err = appfsm.Track(ctx, env.repo, device, db.KindCrypttab, func() error {
		return sess.Crypttab(ctx, root, keyPath, options)
	})
	if err != nil {
		return err
	}

	fmt.Printf("Added %s to %s\n", sess.Mapping(), filepath.Join(root, "etc", "crypttab"))
	return nil
}
