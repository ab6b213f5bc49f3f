package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := Init("loud", "json", "")
	require.Error(t, err)

	_, err = Init("info", "xml", "")
	require.Error(t, err)
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metecho.log")
	l, err := Init("debug", "json", path)
	require.NoError(t, err)
	t.Cleanup(func() { global = nil })

	l.Info("hello from test")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Same(t, l, L())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
