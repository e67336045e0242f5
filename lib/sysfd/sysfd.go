// Package sysfd wraps the low-level Linux syscalls podder's launcher needs
// to build namespaces and mounts, converting errno into the errs.KindSyscall
// taxonomy so callers can branch on specific failures (e.g. EPERM) without
// string matching.
package sysfd

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
)

// Namespace flags, used to build SysProcAttr.Cloneflags for the re-exec'd
// init/exec children.
const (
	CloneNewNS     = unix.CLONE_NEWNS
	CloneNewCgroup = unix.CLONE_NEWCGROUP
	CloneNewUTS    = unix.CLONE_NEWUTS
	CloneNewIPC    = unix.CLONE_NEWIPC
	CloneNewUser   = unix.CLONE_NEWUSER
	CloneNewPID    = unix.CLONE_NEWPID
	CloneNewNet    = unix.CLONE_NEWNET
)

// Mount flags.
const (
	MsRdonly   = unix.MS_RDONLY
	MsNosuid   = unix.MS_NOSUID
	MsNodev    = unix.MS_NODEV
	MsNoexec   = unix.MS_NOEXEC
	MsRemount  = unix.MS_REMOUNT
	MsBind     = unix.MS_BIND
	MsMove     = unix.MS_MOVE
	MsRec      = unix.MS_REC
	MsPrivate  = unix.MS_PRIVATE
	MsSlave    = unix.MS_SLAVE
	MsShared   = unix.MS_SHARED
	MsRelatime = unix.MS_RELATIME
)

// Unmount flags.
const (
	MntForce  = unix.MNT_FORCE
	MntDetach = unix.MNT_DETACH
)

// syscallErr wraps an errno behind errs.KindSyscall, tagging the failing
// call name so logs are legible.
func syscallErr(call string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.KindSyscall, fmt.Sprintf("%s failed", call), err)
}

// Errno extracts the underlying unix.Errno from an error produced by this
// package, if any.
func Errno(err error) (unix.Errno, bool) {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}

// IsPermissionDenied reports whether err wraps EPERM, the signal the
// launcher uses to fall back from mounting sysfs/cgroup2 to bind mounting
// the host's /sys.
func IsPermissionDenied(err error) bool {
	errno, ok := Errno(err)
	return ok && errno == unix.EPERM
}

// Mount attaches the filesystem at source to target.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	return syscallErr("mount", unix.Mount(source, target, fstype, flags, data))
}

// Unmount detaches the filesystem mounted at target.
func Unmount(target string, flags int) error {
	return syscallErr("umount2", unix.Unmount(target, flags))
}

// PivotRoot moves the root mount to putOld and makes newRoot the new root
// mount for the calling process's mount namespace.
func PivotRoot(newRoot, putOld string) error {
	return syscallErr("pivot_root", unix.PivotRoot(newRoot, putOld))
}

// Sethostname sets the calling process's UTS namespace hostname.
func Sethostname(name string) error {
	return syscallErr("sethostname", unix.Sethostname([]byte(name)))
}

// Setdomainname sets the calling process's UTS namespace NIS domain name.
func Setdomainname(name string) error {
	return syscallErr("setdomainname", unix.Setdomainname([]byte(name)))
}

// Setns reassigns the calling thread into the namespace referred to by fd.
func Setns(fd int, nstype int) error {
	return syscallErr("setns", unix.Setns(fd, nstype))
}

// Mknod creates a device special file at path.
func Mknod(path string, mode uint32, dev int) error {
	return syscallErr("mknod", unix.Mknod(path, mode, dev))
}

// Mkdev composes a dev_t from major/minor numbers.
func Mkdev(major, minor uint32) int {
	return int(unix.Mkdev(major, minor))
}

// Platform returns the GOOS/GOARCH/variant triple the reference
// implementation derives from platform.machine(), used to select a
// manifest-list entry.
type Platform struct {
	OS      string
	Arch    string
	Variant string
}

// CurrentPlatform returns this process's platform triple.
func CurrentPlatform() (Platform, error) {
	switch runtime.GOARCH {
	case "arm64":
		return Platform{OS: "linux", Arch: "arm64", Variant: "v8"}, nil
	case "amd64":
		return Platform{OS: "linux", Arch: "amd64", Variant: ""}, nil
	default:
		return Platform{}, errs.New(errs.KindProtocolUnsupported,
			fmt.Sprintf("platform %s not supported", runtime.GOARCH))
	}
}
