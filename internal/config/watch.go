package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce = 200 * time.Millisecond
	selfWriteGrace = time.Second
)

var (
	lastSelfWrite atomic.Int64
	watchers      sync.WaitGroup
)

func markSelfWrite() {
	lastSelfWrite.Store(time.Now().UnixNano())
}

func recentlyWrittenBySelf() bool {
	return time.Since(time.Unix(0, lastSelfWrite.Load())) < selfWriteGrace
}

// WatchSettingsFile reloads the settings file whenever it is edited on disk.
// The directory is watched so editors that replace the file are picked up.
func WatchSettingsFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}

	target := filepath.Clean(SettingsFilePath())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch settings directory: %w", err)
	}

	watchers.Add(1)
	go func() {
		defer watchers.Done()
		defer watcher.Close()

		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if recentlyWrittenBySelf() {
					continue
				}
				debounce.Reset(reloadDebounce)
			case <-debounce.C:
				if err := ReadSettings(); err != nil {
					log.Error("Settings reload failed", "error", err)
					continue
				}
				log.Info("Settings reloaded from disk", "path", target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Settings watcher error", "error", err)
			}
		}
	}()

	return nil
}
