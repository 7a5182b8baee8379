package errors

import (
	stderrors "errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
	assert.NoError(t, Wrapf(nil, "ignored %d", 1))

	err := Wrap(fs.ErrNotExist, "open key file")
	assert.EqualError(t, err, "open key file: file does not exist")
	assert.True(t, stderrors.Is(err, fs.ErrNotExist))

	err = Wrapf(fs.ErrPermission, "umount %s", "/mnt")
	assert.EqualError(t, err, "umount /mnt: permission denied")
	assert.True(t, stderrors.Is(err, fs.ErrPermission))
}
