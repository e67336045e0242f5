package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/layer"
	"github.com/podder-project/podder/lib/logger"
	"github.com/podder-project/podder/lib/paths"
	"github.com/podder-project/podder/lib/sdnotify"
	"github.com/podder-project/podder/lib/sysfd"
	"github.com/podder-project/podder/lib/tty"
)

// RunInit is the entry point for the re-exec'd init process created by
// Start. layerPath is the on-disk directory of the layer to bring up; this
// process already lives in its own mount/pid/user/ipc/cgroup (and,
// optionally, net/uts) namespaces by virtue of how it was cloned. It blocks
// on the eventfd at fd 3 until the caller has written its uid/gid map, then
// builds the overlay, pivots into it, and execs the layer's configured
// command as PID 1. It never returns.
func RunInit(layerPath string) {
	log := logger.FromContext(context.Background()).With("subsystem", "launcher", "layer", layerPath)

	if err := waitEventfd(3); err != nil {
		fatal(log, "waiting for uid/gid map", err)
	}

	root := filepath.Dir(layerPath)
	name := filepath.Base(layerPath)
	l, err := layer.Open(paths.New(root), name, nil)
	if err != nil {
		fatal(log, "loading layer", err)
	}

	if err := sysfd.Mount("none", "/", "", uintptr(sysfd.MsRec|sysfd.MsPrivate), ""); err != nil {
		fatal(log, "making mount tree private", err)
	}

	merged := l.Paths.LayerMerged(l.Name)
	if err := buildOverlay(l, merged); err != nil {
		fatal(log, "building overlay", err)
	}

	if ifname, ok := l.Ifname(); ok {
		log.Debug("network namespace attached", "ifname", ifname)
		if hostname := l.Hostname(); hostname != "" {
			_ = sysfd.Sethostname(hostname)
		}
		if domain := l.Domainname(); domain != "" {
			_ = sysfd.Setdomainname(domain)
		}
		for _, f := range []string{"hosts", "hostname", "resolv.conf"} {
			src := filepath.Join("/etc", f)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			dst := filepath.Join(merged, "etc", f)
			bindFileInto(dst, src)
		}
	}

	oldRoot := filepath.Join(merged, "old_root")
	if err := os.MkdirAll(oldRoot, 0o755); err != nil {
		fatal(log, "creating old_root", err)
	}
	if err := sysfd.PivotRoot(merged, oldRoot); err != nil {
		fatal(log, "pivot_root", err)
	}
	if err := os.Chdir("/"); err != nil {
		fatal(log, "chdir to new root", err)
	}

	if err := populateDev(); err != nil {
		fatal(log, "populating /dev", err)
	}

	if tty.IsTerminal(0) {
		if name, err := os.Readlink("/proc/self/fd/0"); err == nil {
			_ = sysfd.Mount(name, "/dev/console", "", uintptr(sysfd.MsBind), "")
		}
	}

	if err := sysfd.Mount("proc", "/proc", "proc", uintptr(sysfd.MsNodev|sysfd.MsNosuid|sysfd.MsNoexec), ""); err != nil {
		fatal(log, "mounting /proc", err)
	}
	if err := mountSys(); err != nil {
		fatal(log, "mounting /sys", err)
	}

	_ = sysfd.Unmount("/old_root", sysfd.MntDetach)
	_ = os.Remove("/old_root")

	cmd := l.Cmd()
	if len(cmd) == 0 {
		fatal(log, "resolving command", errs.New(errs.KindConfigParse, "layer has no cmd configured"))
	}
	env := envSlice(l.Env())

	argv0, err := lookPath(cmd[0], env)
	if err != nil {
		fatal(log, "resolving command path", err)
	}

	// The mount namespace is set up and the command is about to become
	// PID 1; this is the point at which the layer is actually ready to
	// run, so it is also the point at which to tell systemd so, if podder
	// was launched as a unit. NOTIFY_SOCKET, like the rest of the
	// environment, is inherited from the parent across the re-exec.
	if err := sdnotify.Ready(); err != nil {
		log.Warn("sd_notify READY failed", "error", err)
	}

	if err := unix.Exec(argv0, cmd, env); err != nil {
		fatal(log, "exec", err)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func waitEventfd(fd int) error {
	f := os.NewFile(uintptr(fd), "eventfd")
	defer f.Close()
	buf := make([]byte, 8)
	_, err := f.Read(buf)
	return err
}

// buildOverlay constructs the overlayfs mount (or, for a single-layer
// chain, a plain bind mount) at merged. An ephemeral layer gets a tmpfs
// upper+work dir instead of a persistent one, so writes vanish when the
// container exits.
func buildOverlay(l *layer.Layer, merged string) error {
	dirs := l.Overlay()

	if len(dirs) == 1 && !l.Ephemeral() {
		return sysfd.Mount(dirs[0], merged, "", uintptr(sysfd.MsBind), "")
	}

	upper := dirs[0]
	lower := dirs[1:]
	workParent := filepath.Dir(upper)

	if l.Ephemeral() {
		run := l.Paths.LayerRun(l.Name)
		if err := sysfd.Mount("tmpfs", run, "tmpfs", 0, ""); err != nil {
			return err
		}
		upper = filepath.Join(run, "upper")
		workParent = run
		lower = dirs
		if err := os.MkdirAll(upper, 0o755); err != nil {
			return errs.Wrap(errs.KindSyscall, "creating ephemeral upper", err)
		}
	}

	work := filepath.Join(workParent, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		return errs.Wrap(errs.KindSyscall, "creating overlay workdir", err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s,xino=off",
		joinPaths(lower), upper, work)
	if !l.Ephemeral() {
		opts += ",userxattr"
	}
	if err := sysfd.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return err
	}
	return nil
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

func bindFileInto(dst, src string) {
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		f, err := os.Create(dst)
		if err != nil {
			return
		}
		f.Close()
	}
	_ = sysfd.Mount(src, dst, "", uintptr(sysfd.MsBind), "")
}

// populateDev builds a minimal /dev: a tmpfs with the standard device
// nodes bind-mounted in from the pre-pivot root, /dev/shm, /dev/mqueue, and
// a devpts-backed /dev/pts with the conventional /dev/ptmx symlink.
func populateDev() error {
	if err := sysfd.Mount("tmpfs", "/dev", "tmpfs", uintptr(sysfd.MsNosuid), "mode=755"); err != nil {
		return err
	}
	if err := os.Symlink("/proc/self/fd", "/dev/fd"); err != nil {
		return errs.Wrap(errs.KindSyscall, "linking /dev/fd", err)
	}
	for i, name := range []string{"stdin", "stdout", "stderr"} {
		_ = os.Symlink(fmt.Sprintf("/proc/self/fd/%d", i), filepath.Join("/dev", name))
	}

	if err := os.MkdirAll("/dev/shm", 0o1777); err != nil {
		return errs.Wrap(errs.KindSyscall, "creating /dev/shm", err)
	}
	if err := sysfd.Mount("shm", "/dev/shm", "tmpfs", uintptr(sysfd.MsNosuid|sysfd.MsNodev), "mode=1777"); err != nil {
		return err
	}

	for _, dev := range []string{"null", "zero", "full", "random", "urandom", "tty"} {
		path := filepath.Join("/dev", dev)
		f, err := os.Create(path)
		if err == nil {
			f.Close()
		}
		if err := sysfd.Mount(filepath.Join("/old_root/dev", dev), path, "", uintptr(sysfd.MsBind), ""); err != nil {
			return err
		}
	}

	if err := os.MkdirAll("/dev/mqueue", 0o1777); err != nil {
		return errs.Wrap(errs.KindSyscall, "creating /dev/mqueue", err)
	}
	if err := sysfd.Mount("mqueue", "/dev/mqueue", "mqueue", uintptr(sysfd.MsNosuid|sysfd.MsNodev|sysfd.MsNoexec), ""); err != nil {
		return err
	}

	if err := os.MkdirAll("/dev/pts", 0o755); err != nil {
		return errs.Wrap(errs.KindSyscall, "creating /dev/pts", err)
	}
	if err := sysfd.Mount("devpts", "/dev/pts", "devpts", uintptr(sysfd.MsNosuid|sysfd.MsNoexec), "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return err
	}
	return os.Symlink("pts/ptmx", "/dev/ptmx")
}

// mountSys mounts /sys, and /sys/fs/cgroup under it when the namespace has
// CAP_SYS_ADMIN over cgroups. If the sysfs mount gets EPERM, /old_root/sys
// is recursively bind mounted onto /sys instead; if only the cgroup2 mount
// gets EPERM (a rootless cgroup namespace without a delegated subtree),
// /old_root/sys/fs/cgroup is recursively bind mounted onto /sys/fs/cgroup.
func mountSys() error {
	if err := sysfd.Mount("sysfs", "/sys", "sysfs", uintptr(sysfd.MsNodev|sysfd.MsNosuid|sysfd.MsNoexec), ""); err != nil {
		if sysfd.IsPermissionDenied(err) {
			return sysfd.Mount("/old_root/sys", "/sys", "", uintptr(sysfd.MsBind|sysfd.MsRec), "")
		}
		return err
	}
	if err := os.MkdirAll("/sys/fs/cgroup", 0o755); err != nil {
		return errs.Wrap(errs.KindSyscall, "creating /sys/fs/cgroup", err)
	}
	if err := sysfd.Mount("cgroup2", "/sys/fs/cgroup", "cgroup2", uintptr(sysfd.MsNodev|sysfd.MsNosuid|sysfd.MsNoexec), ""); err != nil {
		if sysfd.IsPermissionDenied(err) {
			return sysfd.Mount("/old_root/sys/fs/cgroup", "/sys/fs/cgroup", "", uintptr(sysfd.MsBind|sysfd.MsRec), "")
		}
		return err
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func lookPath(name string, env []string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	path := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			path = kv[5:]
		}
	}
	for _, dir := range filepath.SplitList(path) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", errs.New(errs.KindNotFound, fmt.Sprintf("command %q not found in PATH", name))
}
