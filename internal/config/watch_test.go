package config

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestWatchSettingsFileReloadsEdits(t *testing.T) {
	path := useTempSettings(t)
	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}
	lastSelfWrite.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		watchers.Wait()
	})

	if err := WatchSettingsFile(ctx); err != nil {
		t.Fatalf("WatchSettingsFile returned error: %v", err)
	}

	edited := fileConfig()
	edited.Cache.DefaultTTLSeconds = 30
	data, _ := json.MarshalIndent(edited, "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if GetConfig().Cache.DefaultTTLSeconds == 30 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("settings edit not picked up, default_ttl = %d", GetConfig().Cache.DefaultTTLSeconds)
}
