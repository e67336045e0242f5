package launcher

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimNewlineStripsTrailingCRLF(t *testing.T) {
	assert.Equal(t, "123", trimNewline("123\n"))
	assert.Equal(t, "123", trimNewline("123\r\n"))
	assert.Equal(t, "123", trimNewline("123"))
	assert.Equal(t, "", trimNewline("\n"))
}

func TestCheckPidfileMissingFile(t *testing.T) {
	running, pid := checkPidfile(filepath.Join(t.TempDir(), "init.pid"))
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestCheckPidfileLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	running, pid := checkPidfile(path)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
	_, err := os.Stat(path)
	assert.NoError(t, err, "pidfile for a live process must not be removed")
}

func TestCheckPidfileStaleProcessIsCleaned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.pid")
	// PID 1 belongs to init/systemd in any real PID namespace this test
	// runs in, but a vanishingly unlikely, very large PID is reliably gone.
	require.NoError(t, os.WriteFile(path, []byte("2147483646\n"), 0o644))

	running, pid := checkPidfile(path)
	assert.False(t, running)
	assert.Zero(t, pid)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale pidfile should be removed")
}

func TestCheckPidfileMalformedContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	running, pid := checkPidfile(path)
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestSelfExeIsProcSelfExe(t *testing.T) {
	assert.Equal(t, "/proc/self/exe", selfExe())
}
