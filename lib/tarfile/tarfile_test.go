package tarfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podder-project/podder/lib/errs"
)

// buildBlock constructs one 512-byte USTAR header with the given type flag,
// name, link name, size and device numbers; the checksum field is left as
// spaces.
func buildBlock(t *testing.T, typeflag byte, name, linkname string, size int64, major, minor int) []byte {
	t.Helper()
	block := make([]byte, blockSize)
	copy(block[offName:], name)
	copy(block[offMode:], "0000644\x00")
	copy(block[offUID:], "0000000\x00")
	copy(block[offGID:], "0000000\x00")
	copy(block[offSize:], fmtOctal(size, 11)+"\x00")
	copy(block[offMtime:], fmtOctal(0, 11)+"\x00")
	copy(block[offChecksum:], "        ")
	block[offTypeflag] = typeflag
	copy(block[offLinkname:], linkname)
	copy(block[offMagic:], "ustar\x00")
	copy(block[offVersion:], "00")
	copy(block[offMajor:], fmtOctal(int64(major), 7)+"\x00")
	copy(block[offMinor:], fmtOctal(int64(minor), 7)+"\x00")
	return block
}

func fmtOctal(n int64, width int) string {
	s := ""
	if n == 0 {
		s = "0"
	}
	for n > 0 {
		s = string(rune('0'+n%8)) + s
		n /= 8
	}
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func padTo512(data []byte) []byte {
	rem := len(data) % blockSize
	if rem == 0 {
		return data
	}
	return append(data, make([]byte, blockSize-rem)...)
}

func TestReaderParsesRegularFile(t *testing.T) {
	content := []byte("hello world")
	var buf bytes.Buffer
	buf.Write(buildBlock(t, TypeRegularOld, "file.txt", "", int64(len(content)), 0, 0))
	buf.Write(padTo512(append([]byte{}, content...)))

	r := NewReader(&buf)
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "file.txt", entry.Path)
	assert.Equal(t, content, entry.Data)
	assert.Equal(t, uint32(0o644), entry.Mode)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsAllZeroBlocks(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, blockSize)) // zero block (end-of-archive marker)
	buf.Write(buildBlock(t, TypeRegularOld, "a.txt", "", 0, 0, 0))

	r := NewReader(&buf)
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", entry.Path)
}

func TestReaderAppliesPaxExtendedHeader(t *testing.T) {
	paxRecord := []byte("23 path=long/name/here\n")
	var buf bytes.Buffer
	buf.Write(buildBlock(t, 'x', "PaxHeader", "", int64(len(paxRecord)), 0, 0))
	buf.Write(padTo512(append([]byte{}, paxRecord...)))
	buf.Write(buildBlock(t, TypeRegularOld, "short", "", 0, 0, 0))

	r := NewReader(&buf)
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "long/name/here", entry.Path)
}

func TestReaderPaxSizeOverrideUnsupported(t *testing.T) {
	paxRecord := []byte("10 size=5\n")
	var buf bytes.Buffer
	buf.Write(buildBlock(t, 'x', "PaxHeader", "", int64(len(paxRecord)), 0, 0))
	buf.Write(padTo512(append([]byte{}, paxRecord...)))
	buf.Write(buildBlock(t, TypeRegularOld, "short", "", 0, 0, 0))

	r := NewReader(&buf)
	_, err := r.Next()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolUnsupported))
}

func TestReaderGNULongName(t *testing.T) {
	longName := []byte("a/very/long/path/that/exceeds/the/normal/limit.txt\x00")
	var buf bytes.Buffer
	buf.Write(buildBlock(t, 'L', "././@LongLink", "", int64(len(longName)), 0, 0))
	buf.Write(padTo512(append([]byte{}, longName...)))
	buf.Write(buildBlock(t, TypeRegularOld, "short", "", 0, 0, 0))

	r := NewReader(&buf)
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a/very/long/path/that/exceeds/the/normal/limit.txt", entry.Path)
}

func TestReaderUnsupportedMagicRejected(t *testing.T) {
	block := buildBlock(t, TypeRegularOld, "file", "", 0, 0, 0)
	copy(block[offMagic:], "GNUtar")
	var buf bytes.Buffer
	buf.Write(block)

	r := NewReader(&buf)
	_, err := r.Next()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolUnsupported))
}

func TestWriteToRegularFile(t *testing.T) {
	dir := t.TempDir()
	entry := &Entry{Path: "hello.txt", Mode: 0o644, Type: TypeRegularOld, Data: []byte("hi")}
	require.NoError(t, entry.WriteTo(dir))

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestWriteToDirectory(t *testing.T) {
	dir := t.TempDir()
	entry := &Entry{Path: "sub", Mode: 0o755, Type: TypeDirectory}
	require.NoError(t, entry.WriteTo(dir))

	info, err := os.Stat(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteToSymlink(t *testing.T) {
	dir := t.TempDir()
	entry := &Entry{Path: "link", Type: TypeSymlink, Linkpath: "target"}
	require.NoError(t, entry.WriteTo(dir))

	got, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target", got)
}

func TestWriteToRejectsExistingNonDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taken"), []byte("x"), 0o644))

	entry := &Entry{Path: "taken", Mode: 0o644, Type: TypeRegularOld, Data: []byte("y")}
	err := entry.WriteTo(dir)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolUnsupported))
}

func TestWriteToUnknownTypeUnsupported(t *testing.T) {
	dir := t.TempDir()
	entry := &Entry{Path: "weird", Type: 'Z'}
	err := entry.WriteTo(dir)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolUnsupported))
}
