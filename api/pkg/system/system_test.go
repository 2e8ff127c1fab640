package system

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedBufferKeepsTail(t *testing.T) {
	buf := NewLimitedBuffer(8)

	_, err := buf.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())

	_, err = buf.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, "lo world", buf.String())

	buf.Reset()
	assert.Empty(t, buf.String())
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "nested", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestIsExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not meaningful on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	assert.False(t, IsExecutable(path))
	require.NoError(t, MarkExecutable(path))
	assert.True(t, IsExecutable(path))
	assert.False(t, IsExecutable(filepath.Join(dir, "missing")))
	assert.False(t, IsExecutable(dir))
}
