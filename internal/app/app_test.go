package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/config"
	"sniper/internal/domain"
	"sniper/internal/store"
)

func TestResolveLogLevel(t *testing.T) {
	t.Run("explicit level wins", func(t *testing.T) {
		if got := resolveLogLevel("WARN", false); got != log.WarnLevel {
			t.Fatalf("resolveLogLevel returned %v, want warn", got)
		}
	})

	t.Run("production defaults to info", func(t *testing.T) {
		if got := resolveLogLevel("", true); got != log.InfoLevel {
			t.Fatalf("resolveLogLevel returned %v, want info", got)
		}
	})

	t.Run("invalid level falls back to debug", func(t *testing.T) {
		if got := resolveLogLevel("loud", false); got != log.DebugLevel {
			t.Fatalf("resolveLogLevel returned %v, want debug", got)
		}
	})
}

func TestOpenStoreMemory(t *testing.T) {
	st, err := openStore(config.StoreConfig{Backend: storeBackendMemory})
	if err != nil {
		t.Fatalf("openStore returned error: %v", err)
	}
	defer st.Close()

	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("openStore returned %T, want *store.MemoryStore", st)
	}
	if err := st.Set(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := openStore(config.StoreConfig{Backend: "etcd"}); err == nil {
		t.Fatal("openStore accepted an unknown backend")
	}
}

func TestOpenArchive(t *testing.T) {
	archive, err := openArchive(config.ArchiveConfig{})
	if err != nil || archive != nil {
		t.Fatalf("disabled archive = (%v, %v), want (nil, nil)", archive, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	archive, err = openArchive(config.ArchiveConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("openArchive returned error: %v", err)
	}
	if err := archive.RecordBurn(context.Background(), domain.BurnedProxy{
		ProxyID:  "stub:datacenter:none:1",
		Provider: "stub",
		Type:     domain.ProxyDatacenter,
		Reason:   "manual",
		BurnedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordBurn returned error: %v", err)
	}
}
