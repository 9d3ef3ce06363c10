package logger

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("") })

	for name, want := range map[string]log.Level{
		"debug":   log.DebugLevel,
		"WARNING": log.WarnLevel,
		"error":   log.ErrorLevel,
		"Fatal":   log.FatalLevel,
		"verbose": log.InfoLevel,
		"":        log.InfoLevel,
	} {
		SetLevel(name)
		assert.Equal(t, want, Logger.GetLevel(), name)
	}
}

func TestWrappersRespectLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger
	Logger = log.NewWithOptions(&buf, log.Options{})
	t.Cleanup(func() { Logger = prev })

	SetLevel("warn")
	Info("hidden")
	Debug("hidden")
	Infof("hidden %d", 1)
	Warn("client gone", "id", 3)
	Errorf("accept: %s", "EMFILE")
	With("transport").Error("listen failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "client gone id=3")
	assert.Contains(t, out, "accept: EMFILE")
	assert.Contains(t, out, "transport: listen failed")
}
