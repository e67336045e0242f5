// Package puller pulls an OCI image into a layer chain. Pulling writes
// files owned by arbitrary uids/gids taken from the image's tar entries,
// which rootless podder can only do as the fake-root of its own user
// namespace; as with the launcher, clone(2)'s CLONE_NEWUSER must be
// requested at process-creation time via SysProcAttr.Cloneflags rather
// than unshare(2)'d in place, since the Go runtime is never single
// threaded once it is running. Pull re-execs itself into a worker that
// does the actual fetching and writing inside that namespace, synchronized
// with the parent's uid/gid mapping step via the same eventfd handshake
// the launcher uses.
package puller

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/idmap"
	"github.com/podder-project/podder/lib/paths"
	"github.com/podder-project/podder/lib/registry"
	"github.com/podder-project/podder/lib/sysfd"
)

// PullArg is the hidden subcommand name that re-launches podder as the
// in-namespace pull worker.
const PullArg = "__podder_pull__"

// Pull resolves fullURL (e.g. "registry-1.docker.io/library/ubuntu:latest")
// against its registry and materializes its layers under p, rooted in a
// freshly cloned user namespace so layer files can carry arbitrary
// uid/gid ownership.
func Pull(p *paths.Paths, fullURL string) error {
	if _, err := registry.ParseRef(fullURL); err != nil {
		return err
	}

	evfd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, 0, 0)
	if errno != 0 {
		return errs.Wrap(errs.KindSyscall, "eventfd2", errno)
	}
	evFile := os.NewFile(evfd, "eventfd")
	defer evFile.Close()

	cmd := exec.Command(selfExe(), PullArg, p.Root(), fullURL)
	cmd.ExtraFiles = []*os.File{evFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: uintptr(sysfd.CloneNewUser)}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.KindChildCrashed, "starting pull worker", err)
	}

	if err := idmap.MapIDs(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return err
	}
	if _, err := evFile.Write([]byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		return errs.Wrap(errs.KindSyscall, "signaling pull worker", err)
	}

	if err := cmd.Wait(); err != nil {
		return errs.Wrap(errs.KindChildCrashed, "pull worker", err)
	}
	return nil
}

func selfExe() string {
	return "/proc/self/exe"
}
