package luks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/cryptvol/pkg/errors"
)

// CrypttabEntry formats one crypttab line without the trailing newline.
func CrypttabEntry(mapping, uuid, keyPath string, options []string) string {
	if len(options) == 0 {
		options = DefaultCrypttabOptions
	}
	return fmt.Sprintf("%s UUID=%s %s %s", mapping, uuid, keyPath, strings.Join(options, ","))
}

// Crypttab appends an entry for the session's mapping to
// <root>/etc/crypttab, so the target system unlocks the volume at boot with
// keyPath.
func (s *Session) Crypttab(ctx context.Context, root, keyPath string, options []string) error {
	if s.mapping == "" {
		return ErrNoMapping
	}

	uuid, err := s.disks.UUID(ctx, s.device)
	if err != nil {
		return errors.Wrapf(err, "could not resolve UUID of %s", s.device)
	}

	path := filepath.Join(root, "etc", "crypttab")
	slog.Info("luks_crypttab_append", "device", s.device, "mapping", s.mapping, "key_path", keyPath, "crypttab", path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to open crypttab")
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, CrypttabEntry(s.mapping, uuid, keyPath, options)); err != nil {
		return errors.Wrap(err, "failed to write crypttab")
	}
	return f.Close()
}
