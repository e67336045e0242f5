package tarfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
)

// Tar type-flag codes, per the USTAR spec.
const (
	TypeRegularOld = '0'
	TypeRegular    = '7'
	TypeHardlink   = '1'
	TypeSymlink    = '2'
	TypeChar       = '3'
	TypeBlock      = '4'
	TypeDirectory  = '5'
)

// WriteTo materializes the entry under dest, which must be a directory.
// The entry itself is created with *at syscalls relative to an open
// directory descriptor on dest; the existence checks use the joined path.
// Path and Linkpath are not sanitized: ".." components and symlinks in
// intermediate components are followed, so they can resolve outside dest.
// A pre-existing non-directory at the entry's path is rejected, matching
// the reference unpacker.
func (e *Entry) WriteTo(dest string) error {
	full := filepath.Join(dest, e.Path)
	if info, err := os.Lstat(full); err == nil && !info.IsDir() {
		return errs.New(errs.KindProtocolUnsupported, fmt.Sprintf("%s already exists", e.Path))
	}

	dirFd, err := unix.Open(dest, unix.O_DIRECTORY, 0)
	if err != nil {
		return errs.Wrap(errs.KindSyscall, "opening destination directory", err)
	}
	defer unix.Close(dirFd)

	switch e.Type {
	case TypeRegularOld, TypeRegular:
		return e.writeRegular(dirFd)
	case TypeHardlink:
		if err := unix.Linkat(dirFd, e.Linkpath, dirFd, e.Path, 0); err != nil {
			return errs.Wrap(errs.KindSyscall, "linkat", err)
		}
		return nil
	case TypeSymlink:
		if err := unix.Symlinkat(e.Linkpath, dirFd, e.Path); err != nil {
			return errs.Wrap(errs.KindSyscall, "symlinkat", err)
		}
		return nil
	case TypeChar:
		return e.writeDevice(dirFd, unix.S_IFCHR)
	case TypeBlock:
		return e.writeDevice(dirFd, unix.S_IFBLK)
	case TypeDirectory:
		return e.writeDirectory(dirFd, full)
	default:
		return errs.New(errs.KindProtocolUnsupported, fmt.Sprintf("tar entry type %q unknown", string(e.Type)))
	}
}

func (e *Entry) writeRegular(dirFd int) error {
	fd, err := unix.Openat(dirFd, e.Path, unix.O_CREAT|unix.O_WRONLY|unix.O_EXCL, e.Mode)
	if err != nil {
		return errs.Wrap(errs.KindSyscall, "openat", err)
	}
	defer unix.Close(fd)

	if len(e.Data) > 0 {
		if _, err := unix.Write(fd, e.Data); err != nil {
			return errs.Wrap(errs.KindSyscall, "writing file contents", err)
		}
	}

	atime := e.Mtime
	if e.Atime != nil {
		atime = *e.Atime
	}
	tv := []unix.Timeval{
		unix.NsecToTimeval(int64(atime * 1e9)),
		unix.NsecToTimeval(int64(e.Mtime * 1e9)),
	}
	if err := unix.Futimes(fd, tv); err != nil {
		return errs.Wrap(errs.KindSyscall, "futimes", err)
	}

	if err := unix.Fchown(fd, e.UID, e.GID); err != nil {
		return errs.Wrap(errs.KindSyscall, "fchown", err)
	}
	if err := unix.Fchmod(fd, e.Mode); err != nil {
		return errs.Wrap(errs.KindSyscall, "fchmod", err)
	}
	return nil
}

func (e *Entry) writeDevice(dirFd int, ftype uint32) error {
	dev := int(unix.Mkdev(uint32(e.Major), uint32(e.Minor)))
	if err := unix.Mknodat(dirFd, e.Path, ftype|e.Mode, dev); err != nil {
		return errs.Wrap(errs.KindSyscall, "mknodat", err)
	}
	if err := unix.Fchmodat(dirFd, e.Path, e.Mode, 0); err != nil {
		return errs.Wrap(errs.KindSyscall, "fchmodat", err)
	}
	return nil
}

func (e *Entry) writeDirectory(dirFd int, full string) error {
	if info, err := os.Stat(full); err != nil || !info.IsDir() {
		if err := unix.Mkdirat(dirFd, e.Path, e.Mode); err != nil {
			return errs.Wrap(errs.KindSyscall, "mkdirat", err)
		}
	}
	if err := unix.Fchmodat(dirFd, e.Path, e.Mode, 0); err != nil {
		return errs.Wrap(errs.KindSyscall, "fchmodat", err)
	}
	return nil
}
