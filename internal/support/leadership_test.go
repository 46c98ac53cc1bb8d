package support

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sniper/internal/store"
)

func TestRunWithLeaderRunsOnlyOneHolder(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running atomic.Int32
	var maxRunning atomic.Int32
	started := make(chan struct{}, 2)

	run := func(leaderCtx context.Context) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		started <- struct{}{}
		<-leaderCtx.Done()
		running.Add(-1)
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = RunWithLeader(ctx, st, "snpd:leader:test", time.Minute, run)
			done <- struct{}{}
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no leader was elected")
	}

	time.Sleep(1500 * time.Millisecond)
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("%d leaders ran concurrently, want 1", got)
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("RunWithLeader did not return after cancellation")
		}
	}

	if exists, _ := st.Exists(context.Background(), "snpd:leader:test"); exists {
		t.Fatal("leader lock was not released")
	}
}

func TestRunWithLeaderRejectsNilRun(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := RunWithLeader(context.Background(), st, "k", time.Second, nil); err == nil {
		t.Fatal("expected an error for a nil run function")
	}
}
