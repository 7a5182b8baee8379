// Package subprocess runs interactive command-line tools under a
// pseudo-terminal and exposes their live output for prompt detection.
//
// Tools such as cryptsetup only print their passphrase prompt when attached
// to a terminal, so every Channel allocates a pty for its child. A single
// background reader drains the pty into an append-only buffer; callers poll
// that buffer with Contains and answer prompts with Write.
package subprocess

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// Channel is a running external process whose combined output can be
// searched while it is still being produced.
type Channel interface {
	// IsAlive reports whether the process is still running or its output
	// has not been fully drained yet. It never blocks.
	IsAlive() bool

	// Contains reports whether sub appeared anywhere in the output read so far.
	Contains(sub []byte) bool

	// Write sends b to the process input.
	Write(b []byte) (int, error)

	// ExitCode returns the exit status. Only valid once IsAlive is false.
	ExitCode() int

	// Output returns a copy of everything read so far.
	Output() []byte

	// Notify is signalled whenever output grows or the process exits.
	Notify() <-chan struct{}
}

// Starter launches channels. It exists so callers can substitute scripted
// processes in tests.
type Starter interface {
	Start(name string, args []string, env map[string]string) (Channel, error)
}

// SpawnError is returned when the executable cannot be found or started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PtyStarter starts processes attached to a new pseudo-terminal.
type PtyStarter struct{}

// Start implements Starter.
func (PtyStarter) Start(name string, args []string, env map[string]string) (Channel, error) {
	return Start(name, args, env)
}

// Start launches name with args, the current environment merged with env,
// and a pty for stdin, stdout and stderr.
//
// The process is not bound to a context. A started command always runs to
// completion.
func Start(name string, args []string, env map[string]string) (*PtyChannel, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		slog.Error("subprocess_lookup_failed", "command", name, "error", err)
		return nil, &SpawnError{Command: name, Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Env = mergeEnv(os.Environ(), env)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		slog.Error("subprocess_start_failed", "command", name, "error", err)
		return nil, &SpawnError{Command: name, Err: err}
	}

	c := &PtyChannel{
		cmd:    cmd,
		ptmx:   ptmx,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	slog.Debug("subprocess_started", "command", name, "pid", cmd.Process.Pid)

	go c.drain()

	return c, nil
}

// PtyChannel is the pty-backed Channel.
type PtyChannel struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	buf      bytes.Buffer
	exited   bool
	exitCode int

	notify chan struct{}
	done   chan struct{}
}

// drain copies the pty into the buffer until the slave side closes, then
// reaps the process. It is the only goroutine that touches the buffer's
// write side.
func (c *PtyChannel) drain() {
	chunk := make([]byte, 4096)
	for {
		n, err := c.ptmx.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf.Write(chunk[:n])
			c.mu.Unlock()
			c.signal()
		}
		if err != nil {
			// Linux reports EIO once the child side of the pty is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("subprocess_read_ended", "error", err)
			}
			break
		}
	}

	code := 0
	if err := c.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			slog.Error("subprocess_wait_failed", "error", err)
			code = -1
		}
	}
	_ = c.ptmx.Close()

	c.mu.Lock()
	c.exited = true
	c.exitCode = code
	c.mu.Unlock()

	close(c.done)
	c.signal()
}

func (c *PtyChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *PtyChannel) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

func (c *PtyChannel) Contains(sub []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.buf.Bytes(), sub)
}

func (c *PtyChannel) Write(b []byte) (int, error) {
	return c.ptmx.Write(b)
}

func (c *PtyChannel) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *PtyChannel) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func (c *PtyChannel) Notify() <-chan struct{} {
	return c.notify
}

// Wait blocks until the process has exited and its output is drained, and
// returns the exit code.
func (c *PtyChannel) Wait() int {
	<-c.done
	return c.ExitCode()
}

// Await blocks until ch is no longer alive and returns its exit code.
func Await(ch Channel) int {
	for ch.IsAlive() {
		<-ch.Notify()
	}
	return ch.ExitCode()
}

// mergeEnv overlays overrides onto base. Overridden keys are removed from
// base so the child sees exactly one value for them.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}
