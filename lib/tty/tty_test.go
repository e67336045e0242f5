package tty

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitExitCodeNormalExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())
	assert.Equal(t, 7, waitExitCode(cmd))
}

func TestWaitExitCodeSignaled(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "kill -TERM $$")
	require.NoError(t, cmd.Start())
	assert.Equal(t, 128+15, waitExitCode(cmd))
}

func TestWaitExitCodeSuccess(t *testing.T) {
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	assert.Equal(t, 0, waitExitCode(cmd))
}

func TestWritePidfileAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/init.pid"
	require.NoError(t, writePidfile(path, 1234))
	removePidfile(path)
}

func TestWritePidfileEmptyPathNoop(t *testing.T) {
	assert.NoError(t, writePidfile("", 1234))
	removePidfile("")
}
