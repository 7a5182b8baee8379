package luks

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredential is returned before any process is spawned when
// neither a password nor a readable key file is available.
var ErrMissingCredential = errors.New("luks: either a key file or a password is required")

// ErrNoMapping is returned by operations that need a mapping name when the
// session was created without one.
var ErrNoMapping = errors.New("luks: session has no mapping name")

// DiskError is a fatal cryptsetup failure. Output is the captured transcript
// with credentials redacted.
type DiskError struct {
	Op       string
	Device   string
	ExitCode int
	Output   string
	Err      error
}

func (e *DiskError) Error() string {
	msg := e.Summary()
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Summary is the error message without the process transcript.
func (e *DiskError) Summary() string {
	msg := fmt.Sprintf("could not %s %s: exit code %d", e.Op, e.Device, e.ExitCode)
	if reason := exitReason(e.ExitCode); reason != "" {
		msg += " (" + reason + ")"
	}
	return msg
}

func (e *DiskError) Unwrap() error { return e.Err }

// DeviceBusyError reports cryptsetup's "device in use" exit code.
type DeviceBusyError struct {
	Device   string
	ExitCode int
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("%s is in use (exit code %d)", e.Device, e.ExitCode)
}

// InconsistentStateError is returned when cryptsetup reported success but
// the mapping link did not appear.
type InconsistentStateError struct {
	Device  string
	Mapping string
	Path    string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("opened %s as %s but %s is not a symbolic link", e.Device, e.Mapping, e.Path)
}

func exitReason(code int) string {
	switch code {
	case ExitInvalidArguments:
		return "wrong parameters"
	case ExitNoPermission:
		return "no permission or bad passphrase"
	case ExitOutOfMemory:
		return "out of memory"
	case ExitWrongDevice:
		return "wrong device specified"
	case ExitDeviceBusy:
		return "device already exists or is busy"
	}
	return ""
}
