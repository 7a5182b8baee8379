package luks

import (
	"log/slog"

	"github.com/fly-io/cryptvol/pkg/subprocess"
)

type latchState int

const (
	awaitingPrompt latchState = iota
	injected
	done
)

func (s latchState) String() string {
	switch s {
	case awaitingPrompt:
		return "awaiting_prompt"
	case injected:
		return "injected"
	case done:
		return "done"
	}
	return "unknown"
}

// promptLatch answers a prompt at most once, no matter how many polls
// still find the prompt text in the accumulated output.
type promptLatch struct {
	prompt []byte
	state  latchState
}

func newPromptLatch(prompt string) *promptLatch {
	return &promptLatch{prompt: []byte(prompt)}
}

// poll writes secret followed by the line terminator the first time the
// prompt is seen. It reports whether this call injected.
func (l *promptLatch) poll(ch subprocess.Channel, secret []byte) bool {
	if l.state != awaitingPrompt || !ch.Contains(l.prompt) {
		return false
	}
	l.state = injected

	line := make([]byte, 0, len(secret)+1)
	line = append(line, secret...)
	line = append(line, lineTerminator)
	defer wipe(line)

	if _, err := ch.Write(line); err != nil {
		// never write twice, even if this one failed
		slog.Warn("luks_prompt_write_failed", "prompt", string(l.prompt), "error", err)
	}
	return true
}

// drive polls ch until it exits, answering the prompt once.
func (l *promptLatch) drive(ch subprocess.Channel, secret []byte) int {
	for ch.IsAlive() {
		if l.poll(ch, secret) {
			slog.Debug("luks_prompt_answered", "prompt", string(l.prompt))
		}
		<-ch.Notify()
	}
	if l.state == awaitingPrompt {
		slog.Debug("luks_prompt_not_seen", "prompt", string(l.prompt))
	}
	l.state = done
	return ch.ExitCode()
}
