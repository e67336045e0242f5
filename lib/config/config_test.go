package config

import (
	"strings"
	"testing"

	"github.com/podder-project/podder/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScalarsAndSections(t *testing.T) {
	src := `# a comment
cmd = /bin/sh
hostname = box

[env]
PATH = /usr/bin
HOME = /root
`
	c, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	v, ok := c.Get("cmd")
	assert.True(t, ok)
	assert.Equal(t, "/bin/sh", v)

	v, ok = c.Get("hostname")
	assert.True(t, ok)
	assert.Equal(t, "box", v)

	vals, keys, ok := c.Section("env")
	require.True(t, ok)
	assert.Equal(t, []string{"PATH", "HOME"}, keys)
	assert.Equal(t, "/usr/bin", vals["PATH"])
	assert.Equal(t, "/root", vals["HOME"])
}

func TestParseBracketOrTrailingBracketOpensSection(t *testing.T) {
	c, err := Parse(strings.NewReader("env]\nX = 1\n"))
	require.NoError(t, err)
	_, _, ok := c.Section("env")
	assert.True(t, ok)
}

func TestParseSectionReopenMerges(t *testing.T) {
	src := "[env]\nA = 1\n[env]\nB = 2\n"
	c, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	vals, keys, ok := c.Section("env")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, keys)
	assert.Equal(t, "1", vals["A"])
	assert.Equal(t, "2", vals["B"])
}

func TestParseSectionCollidesWithScalarIsError(t *testing.T) {
	src := "env = foo\n[env]\nA = 1\n"
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfigParse))
}

func TestParseUnparseableLineIsError(t *testing.T) {
	_, err := Parse(strings.NewReader("not a valid line\n"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfigParse))
}

func TestWriteScalarsBeforeSections(t *testing.T) {
	c := New()
	c.Set("cmd", "/bin/sh")
	c.SetIn("env", "PATH", "/usr/bin")
	c.Set("hostname", "box")

	var buf strings.Builder
	require.NoError(t, c.Write(&buf))

	want := "cmd = /bin/sh\nhostname = box\n\n[env]\nPATH = /usr/bin\n"
	assert.Equal(t, want, buf.String())
}

func TestRoundTrip(t *testing.T) {
	src := "cmd = /bin/sh\nurl = docker.io/library/alpine:latest\n\n[env]\nPATH = /usr/bin\nHOME = /root\n"
	c, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, c.Write(&buf))
	assert.Equal(t, src, buf.String())
}
