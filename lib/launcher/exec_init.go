package launcher

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/logger"
	"github.com/podder-project/podder/lib/sysfd"
)

// joinNamespaces are the namespace types exec joins via the target's
// pidfd. CLONE_NEWUSER is deliberately excluded: setns(2) refuses to join a
// different user namespace from an already multithreaded caller, which the
// Go runtime always is, even freshly re-exec'd. The command still runs
// with this process's original (unmapped) credentials; it shares the
// container's mount/pid/ipc/cgroup/net/uts view, which is what makes
// exec'ing into a running layer useful in practice.
const joinNamespaces = sysfd.CloneNewNS | sysfd.CloneNewCgroup | sysfd.CloneNewIPC |
	sysfd.CloneNewPID | sysfd.CloneNewNet | sysfd.CloneNewUTS

// RunExec is the entry point for the re-exec'd process that joins a
// running layer's namespaces and execs cmd in them. It never returns.
func RunExec(pid int, cmd []string) {
	log := logger.FromContext(context.Background()).With("subsystem", "launcher", "join_pid", pid)

	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		fatal(log, "opening target pidfd", errs.Wrap(errs.KindSyscall, "pidfd_open", err))
	}
	defer unix.Close(fd)

	if err := sysfd.Setns(fd, joinNamespaces); err != nil {
		fatal(log, "joining layer namespaces", err)
	}

	if len(cmd) == 0 {
		fatal(log, "resolving command", errs.New(errs.KindConfigParse, "no command given"))
	}
	argv0, err := lookPath(cmd[0], os.Environ())
	if err != nil {
		fatal(log, "resolving command path", fmt.Errorf("%w", err))
	}
	if err := unix.Exec(argv0, cmd, os.Environ()); err != nil {
		fatal(log, "exec", err)
	}
}
