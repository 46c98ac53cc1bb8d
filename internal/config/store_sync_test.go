package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sniper/internal/keys"
	"sniper/internal/store"
)

func TestStoreSynchronizationAppliesRemoteUpdates(t *testing.T) {
	useTempSettings(t)
	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	st := store.NewMemoryStore()
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	EnableStoreSynchronization(ctx, st)
	t.Cleanup(DisableStoreSynchronization)

	if _, ok, _ := st.Get(ctx, keys.SettingsKey); !ok {
		t.Fatal("local settings were not published to an empty store")
	}

	remote := fileConfig()
	remote.Proxy.MaxInflight = 3
	payload, _ := json.Marshal(remote)
	if err := st.Publish(ctx, keys.SettingsChannel, string(payload)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if GetConfig().Proxy.MaxInflight == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("remote update not applied, max_inflight = %d", GetConfig().Proxy.MaxInflight)
}

func TestDisableStoreSynchronizationStopsConsumer(t *testing.T) {
	useTempSettings(t)
	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	st := store.NewMemoryStore()
	defer st.Close()

	ctx := context.Background()
	EnableStoreSynchronization(ctx, st)
	DisableStoreSynchronization()

	before := GetConfig().Proxy.MaxInflight
	remote := fileConfig()
	remote.Proxy.MaxInflight = before + 5
	payload, _ := json.Marshal(remote)
	if err := st.Publish(ctx, keys.SettingsChannel, string(payload)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := GetConfig().Proxy.MaxInflight; got != before {
		t.Fatalf("update applied after disable, max_inflight = %d, want %d", got, before)
	}
}
