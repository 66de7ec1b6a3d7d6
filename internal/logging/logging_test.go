package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymux.log")
	l, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	l.Info("hello", zap.String("k", "v"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestWatermillAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := NewWatermillAdapter(zap.New(core)).With(watermill.LogFields{"topic": "orders"})

	a.Info("subscribed", nil)
	a.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 1})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "orders", entries[0].ContextMap()["topic"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
