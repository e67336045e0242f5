// Package layer implements the on-disk layer model: a directory holding a
// root/ contribution to an overlayfs stack, an optional symlink to a parent
// layer, and a config.ini of scalar and section settings that are resolved
// against the parent chain at read time.
package layer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/podder-project/podder/lib/config"
	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/paths"
)

// Layer is one entry in a chain of overlay contributions, rooted at
// Paths.Layer(Name).
type Layer struct {
	Paths  *paths.Paths
	Name   string
	Path   string
	Parent *Layer
	Config *config.Config
}

// New creates an in-memory Layer with no loaded state, suitable for a
// fresh layer not yet present on disk.
func New(p *paths.Paths, name string, parent *Layer) *Layer {
	return &Layer{
		Paths:  p,
		Name:   name,
		Path:   p.Layer(name),
		Parent: parent,
		Config: config.New(),
	}
}

// Open loads a layer by name from disk: its config.ini if present, and,
// unless parent is explicitly provided, its parent symlink, recursively
// loading that layer too.
func Open(p *paths.Paths, name string, parent *Layer) (*Layer, error) {
	l := &Layer{Paths: p, Name: name, Path: p.Layer(name), Parent: parent, Config: config.New()}

	parentLink := p.LayerParentLink(name)
	if parent == nil {
		if target, err := os.Readlink(parentLink); err == nil {
			resolved, err := filepath.EvalSymlinks(target)
			if err != nil {
				resolved = target
			}
			parentName := filepath.Base(resolved)
			parentLayer, err := Open(p, parentName, nil)
			if err != nil {
				return nil, err
			}
			l.Parent = parentLayer
		}
	}

	configPath := p.LayerConfig(name)
	if f, err := os.Open(configPath); err == nil {
		defer f.Close()
		cfg, err := config.Parse(f)
		if err != nil {
			return nil, err
		}
		l.Config = cfg
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindSyscall, "reading config.ini", err)
	}

	return l, nil
}

// value is the effective-lookup result: either absent, a scalar, or a
// section map.
type value struct {
	present bool
	isMap   bool
	scalar  string
	m       map[string]string
}

// lookup resolves the effective value of key: the layer's own value if it
// is a scalar, or if the layer has no parent; otherwise, for a section
// value, merged with the parent's effective value for the same key (the
// layer's own keys winning); and delegated entirely to the parent when the
// layer has no value of its own.
func (l *Layer) lookup(key string) value {
	if scalar, ok := l.Config.Get(key); ok {
		return value{present: true, scalar: scalar}
	}
	if vals, keys, ok := l.Config.Section(key); ok {
		if l.Parent == nil {
			return value{present: true, isMap: true, m: copyMap(vals, keys)}
		}
		parentVal := l.Parent.lookup(key)
		merged := map[string]string{}
		if parentVal.present && parentVal.isMap {
			for k, v := range parentVal.m {
				merged[k] = v
			}
		}
		for _, k := range keys {
			merged[k] = vals[k]
		}
		return value{present: true, isMap: true, m: merged}
	}
	if l.Parent != nil {
		return l.Parent.lookup(key)
	}
	return value{}
}

func copyMap(vals map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = vals[k]
	}
	return out
}

// Get returns the effective scalar value for key, or ok=false if it is
// absent or resolves to a section.
func (l *Layer) Get(key string) (string, bool) {
	v := l.lookup(key)
	if !v.present || v.isMap {
		return "", false
	}
	return v.scalar, true
}

// Env returns the effective "env" section, merged down the parent chain.
func (l *Layer) Env() map[string]string {
	v := l.lookup("env")
	if !v.present || !v.isMap {
		return map[string]string{}
	}
	return v.m
}

// SetEnv replaces this layer's own "env" section wholesale; it does not
// affect any parent's env.
func (l *Layer) SetEnv(env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	l.Config.ReplaceSection("env", keys, env)
}

// Cmd returns the effective command line, split on shell-word boundaries.
func (l *Layer) Cmd() []string {
	v, ok := l.Get("cmd")
	if !ok {
		return nil
	}
	return splitWords(v)
}

// SetCmd stores cmd as the layer's command line, joined with shell
// quoting.
func (l *Layer) SetCmd(cmd []string) {
	l.Config.Set("cmd", joinWords(cmd))
}

// Hostname returns the effective hostname, defaulting to the layer's own
// directory name.
func (l *Layer) Hostname() string {
	if v, ok := l.Get("hostname"); ok {
		return v
	}
	return filepath.Base(l.Path)
}

// SetHostname stores the layer's hostname.
func (l *Layer) SetHostname(name string) {
	l.Config.Set("hostname", name)
}

// Domainname returns the effective NIS domain name, defaulting to
// "(none)".
func (l *Layer) Domainname() string {
	if v, ok := l.Get("domainname"); ok {
		return v
	}
	return "(none)"
}

// SetDomainname stores the layer's NIS domain name.
func (l *Layer) SetDomainname(name string) {
	l.Config.Set("domainname", name)
}

// Ephemeral reports whether the layer's top overlay directory should live
// on a throwaway tmpfs rather than persist to root/.
func (l *Layer) Ephemeral() bool {
	v, ok := l.Get("ephemeral")
	return ok && v != ""
}

// SetEphemeral marks the layer ephemeral or not.
func (l *Layer) SetEphemeral(ephemeral bool) {
	if ephemeral {
		l.Config.Set("ephemeral", "yes")
	} else {
		l.Config.Set("ephemeral", "")
	}
}

// URL returns the registry reference this layer was pulled from, if any.
func (l *Layer) URL() (string, bool) {
	return l.Get("url")
}

// SetURL stores the registry reference this layer was pulled from.
func (l *Layer) SetURL(url string) {
	l.Config.Set("url", url)
}

// MAC returns the effective MAC address configured for this layer's
// network interface, if any.
func (l *Layer) MAC() (string, bool) {
	return l.Get("mac")
}

// SetMAC stores the layer's network interface MAC address.
func (l *Layer) SetMAC(mac string) {
	l.Config.Set("mac", mac)
}

// Ifname returns the host-side veth name to attach this layer's network
// namespace to, if any. A present Ifname is what triggers network and UTS
// namespace creation in Start.
func (l *Layer) Ifname() (string, bool) {
	return l.Get("ifname")
}

// SetIfname stores the layer's host-side veth interface name.
func (l *Layer) SetIfname(ifname string) {
	l.Config.Set("ifname", ifname)
}

// Pidfile returns the path podder writes this layer's init PID to while it
// is running.
func (l *Layer) Pidfile() string {
	return l.Paths.LayerPidfile(l.Name)
}

// Overlay returns the root/ directories needed to build this layer's
// overlayfs stack, nearest (this layer) first.
func (l *Layer) Overlay() []string {
	dirs := []string{l.Paths.LayerRoot(l.Name)}
	if l.Parent != nil {
		dirs = append(dirs, l.Parent.Overlay()...)
	}
	return dirs
}

// Write creates this layer's directory structure and persists its
// config.ini, overwriting whatever was there before. It never touches
// root/'s contents.
func (l *Layer) Write() error {
	for _, sub := range []string{"merged", "root", "run"} {
		if err := os.MkdirAll(filepath.Join(l.Path, sub), 0o755); err != nil {
			return errs.Wrap(errs.KindSyscall, fmt.Sprintf("creating %s", sub), err)
		}
	}

	parentLink := l.Paths.LayerParentLink(l.Name)
	if _, err := os.Lstat(parentLink); err == nil {
		if err := os.Remove(parentLink); err != nil {
			return errs.Wrap(errs.KindSyscall, "removing parent link", err)
		}
	}
	if l.Parent != nil {
		if err := os.Symlink(l.Parent.Path, parentLink); err != nil {
			return errs.Wrap(errs.KindSyscall, "creating parent link", err)
		}
	}

	configPath := l.Paths.LayerConfig(l.Name)
	if _, err := os.Stat(configPath); err == nil {
		if err := os.Remove(configPath); err != nil {
			return errs.Wrap(errs.KindSyscall, "removing config.ini", err)
		}
	}
	if len(l.Config.Keys()) > 0 {
		f, err := os.Create(configPath)
		if err != nil {
			return errs.Wrap(errs.KindSyscall, "writing config.ini", err)
		}
		defer f.Close()
		if err := l.Config.Write(f); err != nil {
			return errs.Wrap(errs.KindConfigParse, "writing config.ini", err)
		}
	}

	return nil
}

// Exists reports whether the layer's directory is present on disk.
func (l *Layer) Exists() bool {
	_, err := os.Stat(l.Path)
	return err == nil
}
