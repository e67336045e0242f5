// Command podder is a rootless layered container runtime: it pulls OCI
// images into a chain of overlay layers, starts a layer's configured
// command in its own namespaces, and can join a running layer to run an
// additional command in it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/podder-project/podder/lib/layer"
	"github.com/podder-project/podder/lib/launcher"
	"github.com/podder-project/podder/lib/logger"
	"github.com/podder-project/podder/lib/paths"
	"github.com/podder-project/podder/lib/puller"
)

func main() {
	// These hidden subcommands are how podder re-execs itself into a
	// freshly cloned, single-threaded process that can create a
	// CLONE_NEWUSER namespace; they must be checked before any normal
	// flag parsing since they carry their own positional argument
	// conventions. See lib/launcher and lib/puller.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case launcher.InitArg:
			launcher.RunInit(os.Args[2])
			return
		case launcher.ExecArg:
			pid, err := strconv.Atoi(os.Args[2])
			if err != nil {
				fmt.Fprintln(os.Stderr, "podder: bad pid argument:", err)
				os.Exit(1)
			}
			launcher.RunExec(pid, os.Args[3:])
			return
		case puller.PullArg:
			puller.RunPull(os.Args[2], os.Args[3])
			return
		}
	}

	if err := run(); err != nil {
		slog.Error("podder: " + err.Error())
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("podder", flag.ExitOnError)
	layerpath := fs.String("layerpath", paths.DefaultRoot(), "path where the individual layers are stored")
	fs.Usage = usage
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	slog.SetDefault(logger.New(logger.NewConfig(), nil))
	p := paths.New(*layerpath)

	switch args[0] {
	case "pull":
		return runPull(p, args[1:])
	case "start":
		return runStart(p, args[1:])
	case "exec":
		return runExec(p, args[1:])
	case "create":
		return runCreate(p, args[1:])
	case "network":
		return runNetwork(p, args[1:])
	default:
		usage()
		os.Exit(1)
		return nil
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: podder [--layerpath PATH] <pull|start|exec|create|network> ...")
}

func runPull(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("pull: missing url")
	}
	url := fs.Arg(0)

	if !containsSlash(url) {
		if lay, err := layer.Open(p, url, nil); err == nil {
			if resolved, ok := lay.URL(); ok {
				fmt.Printf("Resolving %s to %s...\n", url, resolved)
				url = resolved
			}
		}
	}

	return puller.Pull(p, url)
}

func runStart(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("start: missing layer name")
	}

	l, err := layer.Open(p, fs.Arg(0), nil)
	if err != nil {
		return err
	}
	code, err := launcher.Start(l)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func runExec(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("exec: usage is exec <layer> <command...>")
	}

	l, err := layer.Open(p, fs.Arg(0), nil)
	if err != nil {
		return err
	}
	code, err := launcher.Exec(l, fs.Args()[1:])
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func runCreate(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	parentName := fs.String("parent", "", "parent layer, if any")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("create: missing layer name")
	}

	var parent *layer.Layer
	if *parentName != "" {
		var err error
		parent, err = layer.Open(p, *parentName, nil)
		if err != nil {
			return err
		}
	}

	l := layer.New(p, fs.Arg(0), parent)
	return l.Write()
}

// runNetwork handles network attachment of a running layer, a
// responsibility the reference implementation hands off to an external
// helper and DHCP client. podder itself attaches nothing: it only validates
// that the layer is running and configured for networking, then reports
// that the attach helper is to be run separately.
func runNetwork(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("network", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("network: missing layer name")
	}

	l, err := layer.Open(p, fs.Arg(0), nil)
	if err != nil {
		return err
	}
	if _, ok := l.Ifname(); !ok {
		return fmt.Errorf("network: layer %q has no ifname configured", l.Name)
	}
	data, err := os.ReadFile(l.Pidfile())
	if err != nil {
		return fmt.Errorf("network: layer %q is not running", l.Name)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || syscall.Kill(pid, 0) != nil {
		return fmt.Errorf("network: layer %q is not running", l.Name)
	}
	fmt.Printf("layer %q is configured for network attachment via ifname; invoke the network-attach helper out of band\n", l.Name)
	return nil
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}
