package channels_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/remindbot/internal/channels"
)

func TestDispatcher_BoundsInflight(t *testing.T) {
	release := make(chan struct{})
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	handler := channels.HandlerFunc(func(context.Context, int64, string) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	})
	d := channels.NewDispatcher(handler, 2, quietLogger())

	for i := 0; i < 2; i++ {
		if !d.Dispatch(context.Background(), channels.Inbound{UserID: int64(i), Text: "x"}) {
			t.Fatalf("dispatch %d refused", i)
		}
	}
	waitFor(t, time.Second, func() bool { return running.Load() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if d.Dispatch(ctx, channels.Inbound{UserID: 9, Text: "x"}) {
		t.Fatal("dispatch should give up while the pool is full")
	}

	close(release)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if peak.Load() != 2 || d.Inflight() != 0 {
		t.Fatalf("peak %d inflight %d", peak.Load(), d.Inflight())
	}
}

func TestDispatcher_HandlerOutlivesCallerContext(t *testing.T) {
	seen := make(chan error, 1)
	handler := channels.HandlerFunc(func(ctx context.Context, _ int64, _ string) {
		time.Sleep(20 * time.Millisecond)
		seen <- ctx.Err()
	})
	d := channels.NewDispatcher(handler, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, channels.Inbound{UserID: 1, Text: "x"})
	cancel()

	if err := <-seen; err != nil {
		t.Fatalf("handler context was canceled with the caller: %v", err)
	}
}

func TestDispatcher_WaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := channels.NewDispatcher(channels.HandlerFunc(func(context.Context, int64, string) { <-block }), 1, quietLogger())
	d.Dispatch(context.Background(), channels.Inbound{UserID: 1, Text: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcher_HandlerDropsCallerDeadline(t *testing.T) {
	seen := make(chan bool, 1)
	handler := channels.HandlerFunc(func(ctx context.Context, _ int64, _ string) {
		_, ok := ctx.Deadline()
		seen <- ok
	})
	d := channels.NewDispatcher(handler, 1, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if !d.Dispatch(ctx, channels.Inbound{UserID: 1, Text: "x"}) {
		t.Fatal("dispatch refused on an idle pool")
	}
	if hasDeadline := <-seen; hasDeadline {
		t.Fatal("handler inherited the short dispatch deadline")
	}
}
