package idmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSubRangeMatchesByUsername(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subuid")
	require.NoError(t, os.WriteFile(path, []byte("someoneelse:100000:65536\nalice:200000:65536\n"), 0o644))

	start, count, ok := findSubRange(path, "alice", 1000)
	require.True(t, ok)
	assert.Equal(t, "200000", start)
	assert.Equal(t, "65536", count)
}

func TestFindSubRangeMatchesByNumericID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subuid")
	require.NoError(t, os.WriteFile(path, []byte("1000:100000:65536\n"), 0o644))

	start, count, ok := findSubRange(path, "nonmatching", 1000)
	require.True(t, ok)
	assert.Equal(t, "100000", start)
	assert.Equal(t, "65536", count)
}

func TestFindSubRangeMissingFile(t *testing.T) {
	_, _, ok := findSubRange("/nonexistent/subuid", "alice", 1000)
	assert.False(t, ok)
}

func TestFindSubRangeNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subuid")
	require.NoError(t, os.WriteFile(path, []byte("bob:100000:65536\n"), 0o644))

	_, _, ok := findSubRange(path, "alice", 1000)
	assert.False(t, ok)
}
