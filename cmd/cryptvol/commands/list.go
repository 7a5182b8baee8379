package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded volumes and their state",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	volumes, err := repo.List(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(volumes) == 0 {
		fmt.Println("No volumes found")
		return nil
	}

	fmt.Printf("%-20s %-16s %-14s %-30s %-38s\n", "DEVICE", "MAPPING", "STATE", "MAPPED", "LUKS UUID")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------")

	for _, vol := range volumes {
		fmt.Printf("%-20s %-16s %-14s %-30s %-38s\n",
			vol.Device, orDash(vol.Mapping), vol.State, orDash(vol.MappedPath), orDash(vol.LUKSUUID))
		if vol.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", vol.ErrorMessage)
		}
	}

	return nil
}
