package logger

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel("info")
		SetFormat("text")
	})

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden 1")
	assert.Contains(t, buf.String(), "shown 2")
	assert.Equal(t, "warn", Level())

	SetLevel("bogus")
	assert.Equal(t, "info", Level())
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })

	Infof("[orchestrator] pair %s open", "T00001")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, `"msg":"[orchestrator] pair T00001 open"`)
}

func TestNewRotatingWriter(t *testing.T) {
	w, err := NewRotatingWriter("", RotateOptions{})
	require.NoError(t, err)
	assert.Nil(t, w)

	path := filepath.Join(t.TempDir(), "logs", "hedgepair.log")
	w, err = NewRotatingWriter(path, RotateOptions{})
	require.NoError(t, err)
	require.NotNil(t, w)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.FileExists(t, path)
}
