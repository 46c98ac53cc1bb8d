package config

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/keys"
	"sniper/internal/store"
)

const syncOpTimeout = 5 * time.Second

type storeSyncState struct {
	mu     sync.RWMutex
	store  store.Store
	ctx    context.Context
	cancel context.CancelFunc

	consumers sync.WaitGroup
}

var globalStoreSync storeSyncState

// EnableStoreSynchronization shares settings between nodes through the
// store. The stored copy wins on startup; when there is none this node's
// settings are published.
func EnableStoreSynchronization(ctx context.Context, st store.Store) {
	if st == nil {
		log.Warn("Config synchronization disabled: store is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalStoreSync.mu.Lock()
	if globalStoreSync.store != nil {
		globalStoreSync.mu.Unlock()
		cancel()
		return
	}
	globalStoreSync.store = st
	globalStoreSync.ctx = syncCtx
	globalStoreSync.cancel = cancel
	globalStoreSync.mu.Unlock()

	messages, err := st.Subscribe(syncCtx, keys.SettingsChannel)
	if err != nil {
		log.Error("Config sync: failed to subscribe to settings updates", "error", err)
	}

	loaded, err := loadConfigFromStore(syncCtx, st)
	if err != nil {
		log.Error("Config sync: failed to load configuration from store", "error", err)
	}

	if !loaded {
		payload, err := json.Marshal(fileConfig())
		if err != nil {
			log.Error("Config sync: failed to serialize configuration", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Config sync: failed to publish configuration", "error", err)
		}
	}

	if messages != nil {
		globalStoreSync.consumers.Add(1)
		go func() {
			defer globalStoreSync.consumers.Done()
			consumeConfigUpdates(messages)
		}()
	}
}

// DisableStoreSynchronization stops listening, waits for the update
// consumer to exit and forgets the store.
func DisableStoreSynchronization() {
	globalStoreSync.mu.Lock()
	cancel := globalStoreSync.cancel
	globalStoreSync.store = nil
	globalStoreSync.ctx = nil
	globalStoreSync.cancel = nil
	globalStoreSync.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	globalStoreSync.consumers.Wait()
}

func loadConfigFromStore(ctx context.Context, st store.Store) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, syncOpTimeout)
	defer cancel()

	payload, ok, err := st.Get(opCtx, keys.SettingsKey)
	if err != nil || !ok {
		return false, err
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return true, err
	}
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return true, err
	}

	return true, applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "store"})
}

func consumeConfigUpdates(messages <-chan string) {
	for payload := range messages {
		cfg, err := DefaultConfig()
		if err != nil {
			log.Error("Config sync: embedded defaults unreadable", "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}

		if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "store"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	globalStoreSync.mu.RLock()
	st := globalStoreSync.store
	baseCtx := globalStoreSync.ctx
	globalStoreSync.mu.RUnlock()

	if st == nil {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, syncOpTimeout)
	defer cancel()

	if err := st.Set(opCtx, keys.SettingsKey, string(payload), 0); err != nil {
		return err
	}
	return st.Publish(opCtx, keys.SettingsChannel, string(payload))
}
