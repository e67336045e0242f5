package sysfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
)

func TestIsPermissionDenied(t *testing.T) {
	err := errs.Wrap(errs.KindSyscall, "mount failed", unix.EPERM)
	assert.True(t, IsPermissionDenied(err))

	err = errs.Wrap(errs.KindSyscall, "mount failed", unix.ENOENT)
	assert.False(t, IsPermissionDenied(err))

	assert.False(t, IsPermissionDenied(nil))
}

func TestErrnoUnwrapsThroughKindedError(t *testing.T) {
	err := syscallErr("mount", unix.EBUSY)
	errno, ok := Errno(err)
	assert.True(t, ok)
	assert.Equal(t, unix.EBUSY, errno)
}

func TestCurrentPlatformKnownArch(t *testing.T) {
	p, err := CurrentPlatform()
	if err != nil {
		assert.True(t, errs.Is(err, errs.KindProtocolUnsupported))
		return
	}
	assert.Equal(t, "linux", p.OS)
	assert.NotEmpty(t, p.Arch)
}
