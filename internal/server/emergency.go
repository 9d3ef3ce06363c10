package server

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/config"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
)

const unlockFileName = "treelandd-unlock"

// EmergencyUnlock lifts a session lock whose locking client is gone. It
// fires on SIGUSR1 or when the trigger file appears in the runtime dir.
type EmergencyUnlock struct {
	loop     eventloop.Poster
	unlock   func() bool
	trigger  string
	interval time.Duration
	log      *log.Logger
}

// NewEmergencyUnlock watches for triggers and runs unlock on loop.
func NewEmergencyUnlock(loop eventloop.Poster, unlock func() bool) *EmergencyUnlock {
	e := &EmergencyUnlock{loop: loop, unlock: unlock, interval: time.Second, log: logger.With("emergency")}
	if dir, err := config.RuntimeDir(); err == nil {
		e.trigger = filepath.Join(dir, unlockFileName)
	}
	return e
}

// Run blocks until ctx is done.
func (e *EmergencyUnlock) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			e.fire("signal")
		case <-ticker.C:
			if e.trigger == "" {
				continue
			}
			if _, err := os.Stat(e.trigger); err == nil {
				os.Remove(e.trigger) //nolint:errcheck
				e.fire("file")
			}
		}
	}
}

func (e *EmergencyUnlock) fire(reason string) {
	e.log.Warn("emergency unlock requested", "reason", reason)
	e.loop.Post(func() {
		if !e.unlock() {
			e.log.Info("session was not locked")
		}
	})
}
