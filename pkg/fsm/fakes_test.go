package fsm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fly-io/cryptvol/pkg/blockdev"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

var fired = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// cryptsetupProcess prints prompt, accepts one line and exits with the code
// decided by finish.
type cryptsetupProcess struct {
	mu      sync.Mutex
	output  []byte
	written []byte
	polls   int
	code    int
	exited  bool
	finish  func(written []byte) int
}

func (p *cryptsetupProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.polls <= 4 {
		return true
	}
	if !p.exited {
		p.exited = true
		p.code = p.finish(bytes.TrimSuffix(p.written, []byte("\n")))
	}
	return false
}

func (p *cryptsetupProcess) Contains(sub []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Contains(p.output, sub)
}

func (p *cryptsetupProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *cryptsetupProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *cryptsetupProcess) Output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.output)
}

func (p *cryptsetupProcess) Notify() <-chan struct{} { return fired }

// fakeCryptsetup emulates one LUKS volume and a mapper directory.
type fakeCryptsetup struct {
	mu         sync.Mutex
	mapperDir  string
	passphrase []byte
	keys       []string
	commands   [][]string
	failFormat int
}

func (f *fakeCryptsetup) Start(name string, args []string, env map[string]string) (subprocess.Channel, error) {
	f.mu.Lock()
	f.commands = append(f.commands, append([]string(nil), args...))
	f.mu.Unlock()

	prompt := ""
	var finish func([]byte) int

	switch {
	case contains(args, "luksFormat"):
		device := args[len(args)-1]
		prompt = "Enter passphrase for " + device + ": "
		finish = func(w []byte) int {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.failFormat != 0 {
				return f.failFormat
			}
			f.passphrase = bytes.Clone(w)
			return 0
		}
	case contains(args, "open"):
		prompt = "Enter passphrase for " + args[1] + ": "
		name := args[2]
		finish = func(w []byte) int {
			if !f.accepts(w) {
				return 2
			}
			_ = os.Symlink("../dm-0", filepath.Join(f.mapperDir, name))
			return 0
		}
	case contains(args, "luksAddKey"):
		prompt = "Enter any existing passphrase: "
		key := args[len(args)-1]
		finish = func(w []byte) int {
			if !f.accepts(w) {
				return 2
			}
			f.mu.Lock()
			f.keys = append(f.keys, key)
			f.mu.Unlock()
			return 0
		}
	case contains(args, "luksHeaderBackup"):
		dest := args[len(args)-1]
		finish = func([]byte) int {
			_ = os.WriteFile(dest, []byte("LUKS header"), 0o600)
			return 0
		}
	case contains(args, "close"):
		name := args[len(args)-1]
		finish = func([]byte) int {
			_ = os.Remove(filepath.Join(f.mapperDir, name))
			return 0
		}
	default:
		finish = func([]byte) int { return 1 }
	}

	return &cryptsetupProcess{output: []byte(prompt), finish: finish}, nil
}

func (f *fakeCryptsetup) accepts(w []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passphrase != nil && bytes.Equal(w, f.passphrase)
}

func (f *fakeCryptsetup) ran(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if contains(c, verb) {
			n++
		}
	}
	return n
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

type stubDisks struct {
	uuid string
}

func (stubDisks) Rescan(context.Context, string) error { return nil }

func (stubDisks) Topology(_ context.Context, device string) (*blockdev.Device, error) {
	return &blockdev.Device{Name: filepath.Base(device)}, nil
}

func (stubDisks) Unmount(context.Context, string, blockdev.UnmountOptions) error { return nil }

func (d stubDisks) UUID(context.Context, string) (string, error) { return d.uuid, nil }
