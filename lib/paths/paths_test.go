package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayerSubpaths(t *testing.T) {
	p := New("/data/layers")

	assert.Equal(t, "/data/layers", p.Root())
	assert.Equal(t, "/data/layers/foo", p.Layer("foo"))
	assert.Equal(t, "/data/layers/foo/config.ini", p.LayerConfig("foo"))
	assert.Equal(t, "/data/layers/foo/parent", p.LayerParentLink("foo"))
	assert.Equal(t, "/data/layers/foo/root", p.LayerRoot("foo"))
	assert.Equal(t, "/data/layers/foo/merged", p.LayerMerged("foo"))
	assert.Equal(t, "/data/layers/foo/run", p.LayerRun("foo"))
	assert.Equal(t, "/data/layers/foo/init.pid", p.LayerPidfile("foo"))
}

func TestDefaultRootPrefersLayerpathEnv(t *testing.T) {
	t.Setenv("LAYERPATH", "/explicit/root")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	assert.Equal(t, "/explicit/root", DefaultRoot())
}

func TestDefaultRootFallsBackToXDG(t *testing.T) {
	t.Setenv("LAYERPATH", "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "podder"), DefaultRoot())
}

func TestDefaultRootFallsBackToHome(t *testing.T) {
	t.Setenv("LAYERPATH", "")
	t.Setenv("XDG_DATA_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	assert.Equal(t, filepath.Join(home, ".local", "share", "podder"), DefaultRoot())
}

func TestDefaultConstructsPathsAtDefaultRoot(t *testing.T) {
	t.Setenv("LAYERPATH", "/explicit/root")
	p := Default()
	assert.Equal(t, "/explicit/root", p.Root())
}
