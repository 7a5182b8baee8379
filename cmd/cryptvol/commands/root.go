package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "cryptvol",
	Short: "LUKS2 volume provisioning",
	Long: `Formats, unlocks, closes and re-keys LUKS2 volumes by driving cryptsetup,
keeps a local registry of volumes and operations, and backs up headers to S3.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the CLI. An interrupt stops commands between cryptsetup
// invocations; a running invocation is always allowed to finish.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("cryptsetup-path", "/usr/bin/cryptsetup", "cryptsetup executable")
	flags.String("mapper-dir", "/dev/mapper", "device-mapper directory")
	flags.String("sqlite-path", "/var/lib/cryptvol/volumes.db", "SQLite database path")
	flags.String("fsm-db-path", "/var/lib/cryptvol/fsm.db", "FSM BoltDB path")
	flags.String("work-dir", "/var/lib/cryptvol/work", "Working directory for header images")
	flags.String("s3-bucket", "", "S3 bucket for header backups")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.Duration("settle-delay", time.Second, "Wait after a partition rescan")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")

	for _, name := range []string{
		"cryptsetup-path", "mapper-dir", "sqlite-path", "fsm-db-path", "work-dir",
		"s3-bucket", "s3-region", "settle-delay", "log-level", "log-format", "log-file",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
