// Package registry resolves an OCI/Docker pull reference to a
// platform-specific image and its layers, via
// github.com/google/go-containerregistry's remote client — the same
// library the teacher's own registry package imports for OCI manifest and
// layer handling. Manifest-list platform selection and bearer-token
// reauthentication against a Distribution v2 registry are both handled
// inside that client; this package only adapts its v1.Image/v1.Layer shape
// to podder's pull reference type and media-type checks.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	gcrname "github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/podder-project/podder/lib/errs"
)

// Media type sets used to tell a gzip-compressed layer tar from an
// uncompressed one; go-containerregistry exposes a layer's media type
// as-is rather than normalizing it, so callers still need this check. The
// OCI name comes from the image-spec media-type constants rather than a
// hand-copied string; Docker's own v2 media type predates that spec and
// has no equivalent constant to borrow.
var (
	MediaTypesLayerGzip = []string{
		"application/vnd.docker.image.rootfs.diff.tar.gzip",
		ocispec.MediaTypeImageLayerGzip,
	}
)

// IsGzipLayer reports whether mediaType names a gzip-compressed layer tar,
// as opposed to an uncompressed one.
func IsGzipLayer(mediaType string) bool {
	for _, s := range MediaTypesLayerGzip {
		if s == mediaType {
			return true
		}
	}
	return false
}

// Platform identifies the target platform to resolve out of a manifest
// list/image index.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// Ref is a parsed pull target: a registry host, repository path, and
// reference (tag or digest).
type Ref struct {
	Host       string
	Repository string
	Reference  string
}

// ParseRef parses a "host[:port]/path/name:tag" or "...@sha256:..." pull
// string using the Docker reference grammar, so host:port boundaries are
// respected even when a tag or digest also contains a colon.
func ParseRef(s string) (Ref, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Ref{}, errs.Wrap(errs.KindConfigParse, fmt.Sprintf("parsing reference %q", s), err)
	}

	tag := "latest"
	if digested, ok := named.(reference.Digested); ok {
		tag = digested.Digest().String()
	} else if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	return Ref{
		Host:       reference.Domain(named),
		Repository: reference.Path(named),
		Reference:  tag,
	}, nil
}

// name re-renders ref as a go-containerregistry name.Reference. ParseRef's
// use of distribution/reference is what gives podder a grammar-correct
// split of host:port from a tag or digest that may itself contain a colon;
// re-parsing the normalized result through go-containerregistry's own
// reference grammar is what then lets remote.Image actually fetch it.
func (r Ref) name() (gcrname.Reference, error) {
	s := r.Host + "/" + r.Repository
	if strings.HasPrefix(r.Reference, "sha256:") {
		s += "@" + r.Reference
	} else {
		s += ":" + r.Reference
	}
	n, err := gcrname.ParseReference(s)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigParse, fmt.Sprintf("parsing reference %q", s), err)
	}
	return n, nil
}

// Client resolves pull references to images through go-containerregistry's
// remote package, which transparently performs bearer-token
// reauthentication against whatever realm a registry challenges it with.
type Client struct{}

// NewClient creates a Client.
func NewClient() *Client {
	return &Client{}
}

// Image resolves ref to the image matching platform, walking a manifest
// list/image index if ref names one.
func (c *Client) Image(ctx context.Context, ref Ref, platform Platform) (v1.Image, error) {
	n, err := ref.name()
	if err != nil {
		return nil, err
	}

	img, err := remote.Image(n,
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{
			OS:           platform.OS,
			Architecture: platform.Architecture,
			Variant:      platform.Variant,
		}),
	)
	if err != nil {
		return nil, classifyRemoteErr(err, platform)
	}
	return img, nil
}

// classifyRemoteErr maps a go-containerregistry remote error onto podder's
// error kinds: a platform-selection miss is reported as ArchNotAvailable,
// an auth-flow failure as RegistryAuth, anything else as a generic
// registry-request failure.
func classifyRemoteErr(err error, platform Platform) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "platform"):
		return errs.Wrap(errs.KindArchNotAvailable,
			fmt.Sprintf("no manifest for platform %s%s", platform.Architecture, platform.Variant), err)
	case strings.Contains(msg, "UNAUTHORIZED") || strings.Contains(msg, "authenticat"):
		return errs.Wrap(errs.KindRegistryAuth, "registry authentication", err)
	default:
		return errs.Wrap(errs.KindSyscall, "registry request", err)
	}
}
