package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type warnRecorder struct {
	entitlement.NoopLogger
	mu    sync.Mutex
	warns []string
}

func (r *warnRecorder) Warn(msg string, _ ...entitlement.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, msg)
}

func (r *warnRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warns)
}

func TestStartCleanup_LogsPruneFailures(t *testing.T) {
	logger := &warnRecorder{}
	s := &Storage{config: Config{CleanupInterval: 5 * time.Millisecond, Logger: logger}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var calls int
	var mu sync.Mutex
	go func() {
		defer close(done)
		s.startCleanup(ctx, func(context.Context) (int64, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return 0, errors.New("connection refused")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for logger.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := logger.count(); got < 2 {
		t.Fatalf("warnings = %d, want at least 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("prune calls = %d, loop stopped after a failure", calls)
	}
}
