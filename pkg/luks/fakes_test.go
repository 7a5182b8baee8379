package luks

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fly-io/cryptvol/pkg/blockdev"
	"github.com/fly-io/cryptvol/pkg/subprocess"
)

var closedNotify = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type timedOutput struct {
	atPoll int
	data   string
}

// fakeChannel is a scripted process. It stays alive for aliveFor polls of
// IsAlive, emitting each scripted output once its poll number is reached.
type fakeChannel struct {
	mu       sync.Mutex
	script   []timedOutput
	output   []byte
	writes   [][]byte
	polls    int
	aliveFor int
	exitCode int
	exited   bool
	onWrite  func(b []byte)
	onExit   func(c *fakeChannel)
}

func (c *fakeChannel) IsAlive() bool {
	c.mu.Lock()
	c.polls++
	for _, s := range c.script {
		if s.atPoll == c.polls {
			c.output = append(c.output, s.data...)
		}
	}
	alive := c.polls <= c.aliveFor
	fireExit := !alive && !c.exited
	if fireExit {
		c.exited = true
	}
	c.mu.Unlock()

	if fireExit && c.onExit != nil {
		c.onExit(c)
	}
	return alive
}

func (c *fakeChannel) Contains(sub []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.output, sub)
}

func (c *fakeChannel) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, bytes.Clone(b))
	c.mu.Unlock()
	if c.onWrite != nil {
		c.onWrite(b)
	}
	return len(b), nil
}

func (c *fakeChannel) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *fakeChannel) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.output)
}

func (c *fakeChannel) Notify() <-chan struct{} { return closedNotify }

func (c *fakeChannel) setExit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitCode = code
}

func (c *fakeChannel) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeChannel) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

// promptChannel prints prompt on the first poll and keeps it in the buffer
// for several more polls before exiting with code.
func promptChannel(prompt string, code int) *fakeChannel {
	return &fakeChannel{
		script:   []timedOutput{{atPoll: 1, data: prompt + ": "}},
		aliveFor: 5,
		exitCode: code,
	}
}

func quietChannel(code int, output string) *fakeChannel {
	return &fakeChannel{
		script:   []timedOutput{{atPoll: 1, data: output}},
		aliveFor: 1,
		exitCode: code,
	}
}

// stalledPolls bounds how long retryingChannel waits for a second answer.
// Real cryptsetup would wait on the terminal forever.
const stalledPolls = 200

// retryingChannel behaves like cryptsetup reading a passphrase from a
// terminal: a rejected answer is followed by the prompt again until the
// --tries budget (default 3) is spent. Without a second answer it stalls
// and finally exits with -1.
func retryingChannel(prompt string, args []string, accept func([]byte) bool) *fakeChannel {
	tries := 3
	for i, a := range args {
		if a == "--tries" && i+1 < len(args) {
			tries, _ = strconv.Atoi(args[i+1])
		}
	}

	ch := &fakeChannel{
		script:   []timedOutput{{atPoll: 1, data: prompt + ": "}},
		aliveFor: stalledPolls,
		exitCode: -1,
	}
	attempts := 0
	ch.onWrite = func(b []byte) {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		attempts++
		switch {
		case accept(bytes.TrimRight(b, "\n")):
			ch.exitCode = ExitSuccess
			ch.aliveFor = ch.polls + 1
		case attempts >= tries:
			ch.output = append(ch.output, "No key available with this passphrase.\n"...)
			ch.exitCode = ExitNoPermission
			ch.aliveFor = ch.polls + 1
		default:
			ch.output = append(ch.output, "No key available with this passphrase.\n"+prompt+": "...)
		}
	}
	return ch
}

type startCall struct {
	name string
	args []string
	env  map[string]string
}

func (c startCall) line() string {
	return strings.Join(c.args, " ")
}

// fakeStarter hands out channels built by handler and records every start.
type fakeStarter struct {
	mu       sync.Mutex
	calls    []startCall
	channels []*fakeChannel
	handler  func(args []string) *fakeChannel
	err      error
}

func (s *fakeStarter) Start(name string, args []string, env map[string]string) (subprocess.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, startCall{name: name, args: append([]string(nil), args...), env: env})
	if s.err != nil {
		return nil, s.err
	}

	var ch *fakeChannel
	if s.handler != nil {
		ch = s.handler(args)
	}
	if ch == nil {
		ch = quietChannel(0, "")
	}
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeStarter) callsWith(sub string) []startCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []startCall
	for _, c := range s.calls {
		for _, a := range c.args {
			if a == sub {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

type unmountCall struct {
	target string
	opts   blockdev.UnmountOptions
}

// fakeDisks records block-device calls.
type fakeDisks struct {
	mu          sync.Mutex
	rescans     []string
	unmounts    []unmountCall
	topologies  int
	topology    *blockdev.Device
	topologyErr error
	unmountErr  error
	uuid        string
}

func (d *fakeDisks) Rescan(ctx context.Context, device string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescans = append(d.rescans, device)
	return nil
}

func (d *fakeDisks) Topology(ctx context.Context, device string) (*blockdev.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topologies++
	if d.topologyErr != nil {
		return nil, d.topologyErr
	}
	if d.topology == nil {
		return &blockdev.Device{Name: device}, nil
	}
	return d.topology, nil
}

func (d *fakeDisks) Unmount(ctx context.Context, target string, opts blockdev.UnmountOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmounts = append(d.unmounts, unmountCall{target: target, opts: opts})
	return d.unmountErr
}

func (d *fakeDisks) UUID(ctx context.Context, device string) (string, error) {
	if d.uuid == "" {
		return "", fmt.Errorf("no uuid for %s", device)
	}
	return d.uuid, nil
}
