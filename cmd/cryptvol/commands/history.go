package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [device]",
	Short: "Show recorded cryptsetup operations, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of operations (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	device := ""
	if len(args) == 1 {
		device = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ops, err := repo.ListOperations(cmd.Context(), device, historyLimit)
	if err != nil {
		return errors.Wrap(err, "history failed")
	}

	if len(ops) == 0 {
		fmt.Println("No operations found")
		return nil
	}

	fmt.Printf("%-20s %-20s %-14s %-10s %-5s %s\n", "STARTED", "DEVICE", "KIND", "STATUS", "EXIT", "ID")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------")

	for _, op := range ops {
		fmt.Printf("%-20s %-20s %-14s %-10s %-5d %s\n",
			op.StartedAt, op.Device, op.Kind, op.Status, op.ExitCode, op.ID)
		if op.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", op.ErrorMessage)
		}
	}

	return nil
}
