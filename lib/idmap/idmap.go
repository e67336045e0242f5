// Package idmap configures the UID/GID mapping of a freshly unshared user
// namespace, preferring the setuid newuidmap/newgidmap helpers (which can
// grant a full subordinate ID range) and falling back to writing
// /proc/<pid>/{uid,gid}_map directly, which for a non-root caller maps only
// the caller's own euid/egid into the namespace (root gets the whole
// 32-bit ID range).
package idmap

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/podder-project/podder/lib/errs"
)

// fullRange is the size written for the identity map of root, mirroring the
// reference implementation's use of the entire 32-bit ID space.
const fullRange = 4294967295

// MapIDs writes a UID and GID map into the user namespace of pid, which
// must already have unshared CLONE_NEWUSER and must not yet have exec'd.
// The calling process's effective UID/GID are mapped to UID/GID 0 inside
// the namespace.
func MapIDs(pid int) error {
	uid := os.Geteuid()
	gid := os.Getegid()

	u, err := user.Current()
	if err != nil {
		return errs.Wrap(errs.KindSyscall, "looking up current user", err)
	}

	uidMapped := tryHelper("newuidmap", pid, uid, u.Username, "/etc/subuid")
	gidMapped := tryHelper("newgidmap", pid, gid, u.Username, "/etc/subgid")

	if !uidMapped {
		size := 1
		if uid == 0 {
			size = fullRange
		}
		if err := writeIDMap(fmt.Sprintf("/proc/%d/uid_map", pid), 0, uid, size); err != nil {
			return err
		}
	}

	if !gidMapped {
		if uid != 0 {
			// Without root, the kernel refuses to map a GID range wider
			// than one entry unless setgroups is denied first.
			if err := writeFile(fmt.Sprintf("/proc/%d/setgroups", pid), "deny"); err != nil {
				return err
			}
		}
		size := 1
		if uid == 0 {
			size = fullRange
		}
		if err := writeIDMap(fmt.Sprintf("/proc/%d/gid_map", pid), 0, gid, size); err != nil {
			return err
		}
	}

	return nil
}

// tryHelper looks up the caller's subordinate ID range in subFile and, if
// found, invokes the named setuid helper (newuidmap/newgidmap) to write a
// two-entry map: [0 -> id, size 1] and [1 -> subStart, size subCount]. It
// reports whether the helper ran successfully.
func tryHelper(helper string, pid, id int, username, subFile string) bool {
	subStart, subCount, ok := findSubRange(subFile, username, id)
	if !ok {
		return false
	}

	cmd := exec.Command(helper,
		strconv.Itoa(pid), "0", strconv.Itoa(id), "1",
		"1", subStart, subCount)
	return cmd.Run() == nil
}

// findSubRange scans an /etc/subuid or /etc/subgid style file for an entry
// matching username or the numeric id, returning the configured start and
// count fields unparsed.
func findSubRange(path, username string, id int) (start, count string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	idStr := strconv.Itoa(id)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		if fields[0] == username || fields[0] == idStr {
			return fields[1], fields[2], true
		}
	}
	return "", "", false
}

// writeIDMap writes a single "inside outside count" line to the given
// /proc/<pid>/{uid,gid}_map file.
func writeIDMap(path string, inside, outside, count int) error {
	return writeFile(path, fmt.Sprintf("%8d %8d %8d", inside, outside, count))
}

// writeFile opens path for writing only (no truncate/create, matching the
// semantics of the /proc control files this function is used with) and
// writes content once.
func writeFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errs.Wrap(errs.KindSyscall, fmt.Sprintf("opening %s", path), err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return errs.Wrap(errs.KindSyscall, fmt.Sprintf("writing %s", path), err)
	}
	return nil
}
