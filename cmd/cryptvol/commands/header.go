package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/cryptvol/pkg/db"
	"github.com/fly-io/cryptvol/pkg/errors"
	appfsm "github.com/fly-io/cryptvol/pkg/fsm"
	"github.com/fly-io/cryptvol/pkg/storage"
)

var headerCmd = &cobra.Command{
	Use:   "header",
	Short: "Manage LUKS header backups in S3",
}

var headerBackupCmd = &cobra.Command{
	Use:   "backup <device>",
	Short: "Back up the LUKS header of a device to S3",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeaderBackup,
}

var headerListCmd = &cobra.Command{
	Use:   "list [luks-uuid]",
	Short: "List header backups, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHeaderList,
}

var headerFetchCmd = &cobra.Command{
	Use:   "fetch <s3-key> <dest>",
	Short: "Download a header backup for luksHeaderRestore",
	Args:  cobra.ExactArgs(2),
	RunE:  runHeaderFetch,
}

func init() {
	rootCmd.AddCommand(headerCmd)
	headerCmd.AddCommand(headerBackupCmd, headerListCmd, headerFetchCmd)
}

func s3Client(cmd *cobra.Command) (*storage.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3-bucket is not configured")
	}
	client, err := storage.NewClient(cmd.Context(), cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}

func runHeaderBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	device := args[0]

	env, err := openVolumeEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	client, err := s3Client(cmd)
	if err != nil {
		return err
	}

	sess, err := env.session(device, "", nil)
	if err != nil {
		return err
	}

	luksUUID, err := env.disks.UUID(ctx, device)
	if err != nil {
		return errors.Wrapf(err, "could not resolve UUID of %s", device)
	}

	dir := filepath.Join(env.cfg.WorkDir, "headers")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create header dir")
	}
	taken := time.Now()
	local := filepath.Join(dir, fmt.Sprintf("%s-%d.img", luksUUID, taken.Unix()))
	_ = os.Remove(local)
	defer os.Remove(local)

	var result *storage.UploadResult
	err = appfsm.Track(ctx, env.repo, device, db.KindHeaderBackup, func() error {
		if err := sess.HeaderBackup(ctx, local); err != nil {
			return err
		}
		var err error
		result, err = client.Upload(ctx, storage.HeaderKey(luksUUID, taken), local)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded %s (%d bytes, sha256 %s)\n", result.Key, result.Size, result.SHA256)
	return nil
}

func runHeaderList(cmd *cobra.Command, args []string) error {
	luksUUID := ""
	if len(args) == 1 {
		luksUUID = args[0]
	}

	client, err := s3Client(cmd)
	if err != nil {
		return err
	}

	headers, err := client.ListHeaders(cmd.Context(), luksUUID)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		fmt.Println("No header backups found")
		return nil
	}

	fmt.Printf("%-38s %-22s %-10s %s\n", "LUKS UUID", "TAKEN", "SIZE", "KEY")
	for _, h := range headers {
		fmt.Printf("%-38s %-22s %-10d %s\n", h.UUID, h.TakenAt.Format(time.RFC3339), h.Size, h.Key)
	}
	return nil
}

func runHeaderFetch(cmd *cobra.Command, args []string) error {
	key, dest := args[0], args[1]

	client, err := s3Client(cmd)
	if err != nil {
		return err
	}

	exists, err := client.Exists(cmd.Context(), key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no header backup at %s", key)
	}

	result, err := client.Download(cmd.Context(), key, dest)
	if err != nil {
		return err
	}

	fmt.Printf("Fetched %s to %s (sha256 %s)\n", key, result.LocalPath, result.SHA256)
	return nil
}
