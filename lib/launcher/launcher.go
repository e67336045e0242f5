// Package launcher implements a layer's "start" and "exec" operations: it
// builds the namespaces and overlay mount for a layer and runs its
// configured command as PID 1, or joins an already-running layer's
// namespaces to run an additional command in it.
//
// Creating a CLONE_NEWUSER namespace by calling unshare(2) from an already
// multithreaded process fails with EINVAL, and the Go runtime is always
// multithreaded by the time any of our code runs. So, unlike the reference
// implementation (which unshares in place), the actual namespace creation
// happens in a freshly cloned child: podder re-execs itself via
// /proc/self/exe with the namespace flags set on SysProcAttr.Cloneflags,
// the same trick github.com/creack/pty-style PTY brokers and minimal
// container launchers use to get a single-threaded process at clone(2)
// time. The re-exec'd child is recognized by a hidden first argument and
// dispatches into RunInit before any normal CLI parsing happens.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/idmap"
	"github.com/podder-project/podder/lib/layer"
	"github.com/podder-project/podder/lib/logger"
	"github.com/podder-project/podder/lib/sysfd"
	"github.com/podder-project/podder/lib/tty"
	"golang.org/x/sys/unix"
)

// InitArg is the hidden subcommand name that re-launches podder as a
// layer's init process.
const InitArg = "__podder_init__"

// ExecArg is the hidden subcommand name that re-launches podder to join an
// already-running layer's namespaces.
const ExecArg = "__podder_exec__"

func selfExe() string {
	return "/proc/self/exe"
}

// Start brings up l's namespace and overlay, and runs its configured
// command as PID 1, blocking until it exits. It returns the command's exit
// code (or 128+signal if it died from a signal).
func Start(l *layer.Layer) (int, error) {
	if !l.Exists() {
		return 1, errs.New(errs.KindNotFound, l.Path)
	}

	if running, pid := checkPidfile(l.Pidfile()); running {
		return 1, errs.New(errs.KindAlreadyRunning, fmt.Sprintf("pid %d", pid))
	}

	flags := sysfd.CloneNewNS | sysfd.CloneNewCgroup | sysfd.CloneNewIPC | sysfd.CloneNewUser | sysfd.CloneNewPID
	if _, ok := l.Ifname(); ok {
		flags |= sysfd.CloneNewNet | sysfd.CloneNewUTS
	}

	evfd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, 0, 0)
	if errno != 0 {
		return 1, errs.Wrap(errs.KindSyscall, "eventfd2", errno)
	}
	evFile := os.NewFile(evfd, "eventfd")
	defer evFile.Close()

	cmd := exec.Command(selfExe(), InitArg, l.Path)
	cmd.ExtraFiles = []*os.File{evFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: uintptr(flags)}

	code, err := tty.Run(cmd, l.Pidfile(), func(pid int) error {
		if err := idmap.MapIDs(pid); err != nil {
			return err
		}
		return signalEventfd(evFile)
	})
	if err != nil {
		return 1, errs.Wrap(errs.KindChildCrashed, "running layer init", err)
	}
	return code, nil
}

// Exec joins an already-running layer's namespaces and runs cmd in it,
// inheriting the layer's effective environment. It returns cmd's exit
// code.
func Exec(l *layer.Layer, cmd []string) (int, error) {
	if !l.Exists() {
		return 1, errs.New(errs.KindNotFound, l.Path)
	}
	pidBytes, err := os.ReadFile(l.Pidfile())
	if err != nil {
		return 1, errs.Wrap(errs.KindNotFound, "reading pidfile", err)
	}
	pid, err := strconv.Atoi(trimNewline(string(pidBytes)))
	if err != nil {
		return 1, errs.Wrap(errs.KindConfigParse, "parsing pidfile", err)
	}

	args := append([]string{ExecArg, strconv.Itoa(pid)}, cmd...)
	execCmd := exec.Command(selfExe(), args...)
	execCmd.Env = envSlice(l.Env())

	code, err := tty.Run(execCmd, "", nil)
	if err != nil {
		return 1, errs.Wrap(errs.KindChildCrashed, "joining layer namespaces", err)
	}
	return code, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// checkPidfile reports whether the layer's pidfile names a still-running
// process, removing the pidfile if the process is gone.
func checkPidfile(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return false, 0
	}
	if err := unix.Kill(pid, 0); err != nil {
		logger.FromContext(context.Background()).Warn("stale pidfile; removing", "pid", pid, "path", path)
		os.Remove(path)
		return false, 0
	}
	return true, pid
}

func signalEventfd(f *os.File) error {
	buf := make([]byte, 8)
	buf[0] = 1
	if _, err := f.Write(buf); err != nil {
		return errs.Wrap(errs.KindSyscall, "signaling eventfd", err)
	}
	return nil
}
