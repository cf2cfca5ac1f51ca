package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestInitReplacesGlobal(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Encoding: "console", Development: true}))
	first := Get()
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.NotSame(t, first, Get())
}

func TestWithAddsFields(t *testing.T) {
	// a regular file, since fsync on a terminal or pipe stderr fails
	path := filepath.Join(t.TempDir(), "wbingest.log")
	require.NoError(t, Init(Config{Level: "info", OutputPaths: []string{path}}))

	child := With(zap.String("component", "test"))
	assert.NotSame(t, Get(), child)
	child.Info("hello")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}
