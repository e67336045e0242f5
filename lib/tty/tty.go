// Package tty brokers the terminal between podder's caller and a layer's
// init process. When the caller's stdin is a terminal, the init process is
// started behind a pseudo-terminal and window-size/terminal-mode changes
// are relayed across it; otherwise the init process inherits the caller's
// stdio directly.
package tty

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/podder-project/podder/lib/errs"
)

// IsTerminal reports whether fd refers to a terminal device.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Run starts cmd, optionally behind a pty, writes pidfile (if non-empty)
// once the process has started, relays the terminal until cmd exits, and
// returns the exit code to report to the caller: the process's own exit
// status, or 128+signal if it died from a signal.
//
// If onStart is non-nil, it runs once cmd's process exists (its pid is
// known) but before the terminal relay begins, letting the caller perform
// setup that must happen from outside cmd's new namespaces — such as
// writing its uid/gid map — before cmd is allowed to proceed. An error
// from onStart aborts the run.
func Run(cmd *exec.Cmd, pidfile string, onStart func(pid int) error) (int, error) {
	stdinFd := int(os.Stdin.Fd())
	if !IsTerminal(stdinFd) {
		return runPlain(cmd, pidfile, onStart)
	}
	return runTTY(cmd, pidfile, stdinFd, onStart)
}

func runPlain(cmd *exec.Cmd, pidfile string, onStart func(pid int) error) (int, error) {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 1, errs.Wrap(errs.KindChildCrashed, "starting init process", err)
	}

	if onStart != nil {
		if err := onStart(cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			cmd.Wait()
			return 1, err
		}
	}

	if err := writePidfile(pidfile, cmd.Process.Pid); err != nil {
		return 1, err
	}
	defer removePidfile(pidfile)

	forwardSIGTERM(cmd)

	return waitExitCode(cmd), nil
}

func runTTY(cmd *exec.Cmd, pidfile string, stdinFd int, onStart func(pid int) error) (int, error) {
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return 1, errs.Wrap(errs.KindSyscall, "setting raw terminal mode", err)
	}
	restore := func() {
		// A background process restoring terminal state is sent SIGTTOU by
		// the kernel; the reference broker ignores it rather than stopping.
		signal.Ignore(syscall.SIGTTOU)
		_ = term.Restore(stdinFd, oldState)
	}
	defer restore()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 1, errs.Wrap(errs.KindChildCrashed, "starting init process under pty", err)
	}
	defer ptmx.Close()

	if onStart != nil {
		if err := onStart(cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			cmd.Wait()
			return 1, err
		}
	}

	if err := writePidfile(pidfile, cmd.Process.Pid); err != nil {
		return 1, err
	}
	defer removePidfile(pidfile)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH // sync the initial window size
	defer signal.Stop(winch)

	forwardSIGTERM(cmd)

	done := make(chan struct{})
	go func() {
		io.Copy(ptmx, os.Stdin)
	}()
	go func() {
		io.Copy(os.Stdout, ptmx)
		close(done)
	}()

	code := waitExitCode(cmd)
	<-done
	return code, nil
}

// forwardSIGTERM arranges for a SIGTERM received by this process to be
// forwarded to cmd's process, matching the broker's role as a
// thin relay rather than the thing actually being terminated.
func forwardSIGTERM(cmd *exec.Cmd) {
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	go func() {
		for range term {
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		}
	}()
}

func waitExitCode(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}

func writePidfile(path string, pid int) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindSyscall, "creating pidfile", err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(pid) + "\n")
	return err
}

func removePidfile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
