package puller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/podder-project/podder/lib/paths"
)

func TestSelfExeIsProcSelfExe(t *testing.T) {
	assert.Equal(t, "/proc/self/exe", selfExe())
}

func TestPullRejectsUnparsableURLBeforeCloning(t *testing.T) {
	// An invalid reference must fail fast, in this (unprivileged test)
	// process, rather than only surfacing once a namespace clone has
	// already been attempted.
	p := paths.New(t.TempDir())
	err := Pull(p, "not a valid reference")
	assert.Error(t, err)
}
