package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher runs handler calls on a bounded number of goroutines, one per
// message, and lets shutdown wait for the ones in flight.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(handler Handler, maxInflight int, logger *slog.Logger) *Dispatcher {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: handler, logger: logger, sem: make(chan struct{}, maxInflight)}
}

// Dispatch hands in to the handler on its own goroutine. It waits for a free
// slot while the pool is full and reports false if ctx ends first, so
// callers that must answer promptly pass a short deadline. The handler's
// context is detached from ctx's cancellation and deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) bool {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.logger.Warn("inbound message dropped, dispatcher saturated", "user_id", in.UserID, "update_id", in.UpdateID)
		return false
	}
	d.wg.Add(1)
	hctx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		d.handler.Handle(hctx, in.UserID, in.Text)
	}()
	return true
}

// Wait blocks until every dispatched message is handled or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight reports how many messages are being handled.
func (d *Dispatcher) Inflight() int {
	return len(d.sem)
}
