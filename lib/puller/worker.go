package puller

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/podder-project/podder/lib/errs"
	"github.com/podder-project/podder/lib/layer"
	"github.com/podder-project/podder/lib/logger"
	"github.com/podder-project/podder/lib/paths"
	"github.com/podder-project/podder/lib/registry"
	"github.com/podder-project/podder/lib/sysfd"
	"github.com/podder-project/podder/lib/tarfile"
)

// whiteoutPrefix marks a tar entry that deletes, rather than adds, the
// file it names in a lower layer.
const whiteoutPrefix = ".wh."

// opaqueWhiteout marks an entire directory as replaced rather than merged;
// the reference implementation does not implement it either.
const opaqueWhiteout = ".wh..wh..opq"

// RunPull is the entry point for the re-exec'd worker created by Pull. It
// already lives in its own user namespace by virtue of how it was cloned;
// it blocks on the eventfd at fd 3 until the caller has written its uid/gid
// map, then fetches and materializes fullURL's layers under layerRoot. It
// calls os.Exit itself and does not return normally.
func RunPull(layerRoot, fullURL string) {
	log := logger.FromContext(context.Background()).With("subsystem", "puller", "url", fullURL)

	if err := waitEventfd(3); err != nil {
		fatal(log, "waiting for uid/gid map", err)
	}

	if err := pull(log, layerRoot, fullURL); err != nil {
		fatal(log, "pull failed", err)
	}
	os.Exit(0)
}

func waitEventfd(fd int) error {
	f := os.NewFile(uintptr(fd), "eventfd")
	defer f.Close()
	buf := make([]byte, 8)
	_, err := f.Read(buf)
	return err
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func pull(log *slog.Logger, layerRoot, fullURL string) error {
	ctx := context.Background()

	ref, err := registry.ParseRef(fullURL)
	if err != nil {
		return err
	}
	platform, err := sysfd.CurrentPlatform()
	if err != nil {
		return err
	}

	client := registry.NewClient()

	log.Info("resolving image")
	img, err := client.Image(ctx, ref, registry.Platform{
		OS: platform.OS, Architecture: platform.Arch, Variant: platform.Variant,
	})
	if err != nil {
		return err
	}

	layers, err := img.Layers()
	if err != nil {
		return errs.Wrap(errs.KindProtocolUnsupported, "reading image layers", err)
	}
	imgConfig, err := img.ConfigFile()
	if err != nil {
		return errs.Wrap(errs.KindProtocolUnsupported, "reading image config", err)
	}

	p := paths.New(layerRoot)

	var parent *layer.Layer
	for _, l := range layers {
		h, err := l.Digest()
		if err != nil {
			return errs.Wrap(errs.KindProtocolUnsupported, "reading layer digest", err)
		}
		name := digestName(h.String())
		lay := layer.New(p, name, parent)
		if lay.Exists() {
			log.Info("skipping existing layer", "digest", h.String())
			parent = lay
			continue
		}

		log.Info("pulling layer", "digest", h.String())
		if err := lay.Write(); err != nil {
			return err
		}
		if err := pullLayer(l, p.LayerRoot(name), log); err != nil {
			return err
		}
		parent = lay
	}

	headName := repositoryBasename(ref.Repository)
	log.Info("making head layer", "name", headName)
	head := layer.New(p, headName, parent)

	var cmd []string
	cmd = append(cmd, imgConfig.Config.Entrypoint...)
	cmd = append(cmd, imgConfig.Config.Cmd...)
	head.SetCmd(cmd)

	env := head.Env()
	for _, kv := range imgConfig.Config.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	head.SetEnv(env)
	head.SetURL(fullURL)
	head.SetEphemeral(true)

	return head.Write()
}

// pullLayer streams l's blob into rootDir. go-containerregistry's Layer
// already validates content against its digest internally; podder only
// needs the raw (still compressed, per its declared media type) bytes so
// the existing gzip + tar pipeline can apply the same whiteout handling it
// always has.
func pullLayer(l v1.Layer, rootDir string, log *slog.Logger) error {
	mt, err := l.MediaType()
	if err != nil {
		return errs.Wrap(errs.KindProtocolUnsupported, "reading layer media type", err)
	}

	rc, err := l.Compressed()
	if err != nil {
		return errs.Wrap(errs.KindSyscall, "fetching layer blob", err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if registry.IsGzipLayer(string(mt)) {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return errs.Wrap(errs.KindProtocolUnsupported, "decompressing layer", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tarfile.NewReader(r)
	for {
		entry, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		base := filepath.Base(entry.Path)
		if strings.HasPrefix(base, whiteoutPrefix) {
			if base == opaqueWhiteout {
				return errs.New(errs.KindProtocolUnsupported, "opaque whiteouts are not implemented")
			}
			target := filepath.Join(rootDir, filepath.Dir(entry.Path), base[len(whiteoutPrefix):])
			log.Info("removing", "path", target)
			if err := unix.Mknod(target, unix.S_IFCHR, sysfd.Mkdev(0, 0)); err != nil {
				return errs.Wrap(errs.KindSyscall, "mknod whiteout", err)
			}
			continue
		}

		log.Info("adding", "path", entry.Path)
		if err := entry.WriteTo(rootDir); err != nil {
			return err
		}
	}
}

// digestName turns a content digest into its layer directory name, e.g.
// "sha256:abcd..." -> "abcd...". opencontainers/go-digest validates the
// digest's shape before splitting it, rejecting anything malformed rather
// than silently truncating at the first colon.
func digestName(d string) string {
	dg := digest.Digest(d)
	if err := dg.Validate(); err != nil {
		return d
	}
	return dg.Encoded()
}

// repositoryBasename returns the last path component of a repository
// path, e.g. "library/ubuntu" -> "ubuntu".
func repositoryBasename(repository string) string {
	parts := strings.Split(repository, "/")
	return parts[len(parts)-1]
}
