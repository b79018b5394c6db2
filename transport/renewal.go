package transport

import (
	"context"
	"time"
)

// startRenewer spawns a ticker goroutine that keeps extending the lease
// of one row until the scope commits or aborts. Renewal failures are
// logged; the handler is never interrupted.
func (t *Transport) startRenewer(id int64) {
	stop := make(chan struct{})

	t.renewMu.Lock()
	if t.renewersClosed {
		t.renewMu.Unlock()
		return
	}
	if _, exists := t.renewers[id]; exists {
		t.renewMu.Unlock()
		return
	}
	t.renewers[id] = stop
	// The Add must happen under renewMu: once stopAllRenewers has set
	// renewersClosed, Close may already be in wg.Wait.
	t.wg.Add(1)
	t.renewMu.Unlock()

	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.opts.LeaseAutoRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.renewLease(id)
			}
		}
	}()
}

func (t *Transport) renewLease(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.LeaseAutoRenewInterval)
	defer cancel()
	leaseMicros := int64(t.opts.LeaseInterval / time.Microsecond)
	if err := t.execRow(ctx, renewLeaseQuery(t.table), leaseMicros, id); err != nil {
		t.opts.Logger.Error(ctx, "renew lease of message %d failed: %v", id, err)
		return
	}
	t.metrics.LeaseRenewals.Inc()
}

// stopRenewer cancels the renewal timer for one row, if any.
func (t *Transport) stopRenewer(id int64) {
	t.renewMu.Lock()
	defer t.renewMu.Unlock()
	if stop, ok := t.renewers[id]; ok {
		close(stop)
		delete(t.renewers, id)
	}
}

func (t *Transport) stopAllRenewers() {
	t.renewMu.Lock()
	defer t.renewMu.Unlock()
	t.renewersClosed = true
	for id, stop := range t.renewers {
		close(stop)
		delete(t.renewers, id)
	}
}
