package luks

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
)

// fakeVolume emulates cryptsetup against one LUKS volume: luksFormat stores
// the injected passphrase, open succeeds only with the same passphrase and
// creates the mapping link, close removes it.
type fakeVolume struct {
	mu         sync.Mutex
	device     string
	mapperDir  string
	passphrase []byte
	formatted  bool
}

func (v *fakeVolume) handler(args []string) *fakeChannel {
	prompt := "Enter passphrase for " + v.device

	switch {
	case hasArg(args, "luksFormat"):
		ch := promptChannel(prompt, 0)
		ch.onWrite = func(b []byte) {
			v.mu.Lock()
			defer v.mu.Unlock()
			v.passphrase = bytes.TrimRight(bytes.Clone(b), "\n")
			v.formatted = true
		}
		return ch

	case hasArg(args, "open"):
		name := args[2]
		ch := promptChannel(prompt, ExitNoPermission)
		ch.onWrite = func(b []byte) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.formatted && bytes.Equal(bytes.TrimRight(b, "\n"), v.passphrase) {
				ch.setExit(0)
			}
		}
		ch.onExit = func(c *fakeChannel) {
			if c.ExitCode() == 0 {
				_ = os.Symlink("../dm-0", filepath.Join(v.mapperDir, name))
			}
		}
		return ch

	case hasArg(args, "close"):
		name := args[len(args)-1]
		ch := quietChannel(0, "")
		ch.onExit = func(*fakeChannel) {
			_ = os.Remove(filepath.Join(v.mapperDir, name))
		}
		return ch
	}
	return nil
}
