package luks

import (
	"bytes"
	"log/slog"
	"os"

	"github.com/fly-io/cryptvol/pkg/errors"
)

// resolveCredential picks the secret for one operation: explicit password,
// then the session password, then the explicit key file, then the session
// key file. Key-file contents lose their trailing CR/LF.
func (s *Session) resolveCredential(password []byte, keyFile string) ([]byte, error) {
	if len(password) > 0 {
		return bytes.Clone(password), nil
	}
	if len(s.password) > 0 {
		return bytes.Clone(s.password), nil
	}

	if keyFile == "" {
		keyFile = s.keyFile
	}
	if keyFile == "" {
		return nil, ErrMissingCredential
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		slog.Error("luks_key_file_unreadable", "device", s.device, "key_file", keyFile, "error", err)
		return nil, errors.Wrapf(ErrMissingCredential, "key file %s: %v", keyFile, err)
	}

	secret := bytes.TrimRight(data, "\r\n")
	if len(secret) == 0 {
		return nil, errors.Wrapf(ErrMissingCredential, "key file %s is empty", keyFile)
	}
	return secret, nil
}

// minSubstringRedact is the shortest secret redacted wherever it occurs.
// Shorter secrets are only redacted as whole whitespace-delimited tokens so
// that common letters in diagnostics survive.
const minSubstringRedact = 8

var redacted = []byte("[redacted]")

// redact replaces the given secrets in out.
func redact(out []byte, secrets ...[]byte) []byte {
	for _, secret := range secrets {
		switch {
		case len(secret) == 0:
		case len(secret) >= minSubstringRedact:
			out = bytes.ReplaceAll(out, secret, redacted)
		default:
			out = redactTokens(out, secret)
		}
	}
	return out
}

func redactTokens(out, secret []byte) []byte {
	var b []byte
	last, start := 0, 0
	for start+len(secret) <= len(out) {
		i := bytes.Index(out[start:], secret)
		if i < 0 {
			break
		}
		i += start
		end := i + len(secret)
		if !tokenBoundary(out, i-1) || !tokenBoundary(out, end) {
			start = i + 1
			continue
		}
		b = append(b, out[last:i]...)
		b = append(b, redacted...)
		last, start = end, end
	}
	if b == nil {
		return out
	}
	return append(b, out[last:]...)
}

func tokenBoundary(out []byte, i int) bool {
	if i < 0 || i >= len(out) {
		return true
	}
	switch out[i] {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

// wipe zeroes a resolved secret once an operation is done with it.
func wipe(b []byte) {
	clear(b)
}
