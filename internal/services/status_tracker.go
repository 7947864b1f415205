package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	defaultViewLease   = 2 * time.Minute
	defaultRecentLimit = 256
)

// StatusTrackerDeps wires the status tracker.
type StatusTrackerDeps struct {
	Orders         OrderReader
	Lifecycle      OrderLifecycle
	Interval       time.Duration
	RequestTimeout time.Duration
	// ViewLease is how long a viewer's poller survives without a new View or Latest call.
	ViewLease time.Duration
	// RecentLimit bounds how many finished orders Latest still answers for.
	RecentLimit int
	Clock       func() time.Time
	Metrics     *Metrics
	Logger      Logger
}

type trackedPoller struct {
	poller  *StatusPoller
	cancel  context.CancelFunc
	holders int

	leased     bool
	leaseUntil time.Time
	leaseTimer *time.Timer
}

// StatusTracker owns the status pollers of the process, one per order. A poller runs while a
// holder (a checkout session) keeps it or a viewer's lease is fresh, and is dropped once it
// stops. Pollers outlive the request that started them but never the tracker.
type StatusTracker struct {
	orders      OrderReader
	lifecycle   OrderLifecycle
	interval    time.Duration
	timeout     time.Duration
	lease       time.Duration
	recentLimit int
	now         func() time.Time
	metrics     *Metrics
	logger      Logger

	mu          sync.Mutex
	pollers     map[string]*trackedPoller
	recent      map[string]domain.Order
	recentOrder []string
	closed      bool
	wg          sync.WaitGroup
}

// NewStatusTracker constructs an empty tracker.
func NewStatusTracker(deps StatusTrackerDeps) (*StatusTracker, error) {
	if deps.Orders == nil {
		return nil, errors.New("status tracker: order reader is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	lifecycle := deps.Lifecycle
	if lifecycle.logger == nil {
		lifecycle = NewOrderLifecycle(logger)
	}
	lease := deps.ViewLease
	if lease <= 0 {
		lease = defaultViewLease
	}
	limit := deps.RecentLimit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StatusTracker{
		orders:      deps.Orders,
		lifecycle:   lifecycle,
		interval:    deps.Interval,
		timeout:     deps.RequestTimeout,
		lease:       lease,
		recentLimit: limit,
		now:         clock,
		metrics:     deps.Metrics,
		logger:      logger,
		pollers:     make(map[string]*trackedPoller),
		recent:      make(map[string]domain.Order),
	}, nil
}

// Watch starts polling orderID, or joins the running poller, and holds it until Release. ctx
// supplies request values such as the forwarded credential; its cancellation does not stop the
// poller.
func (t *StatusTracker) Watch(ctx context.Context, orderID string, initial *domain.Order) (*StatusPoller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, err := t.ensureLocked(ctx, strings.TrimSpace(orderID), initial)
	if err != nil {
		return nil, err
	}
	tracked.holders++
	return tracked.poller, nil
}

// Release drops one hold taken by Watch. The poller stops once nothing holds it and no viewer
// lease is fresh.
func (t *StatusTracker) Release(orderID string) {
	orderID = strings.TrimSpace(orderID)
	t.mu.Lock()
	tracked, ok := t.pollers[orderID]
	if !ok || tracked.holders == 0 {
		t.mu.Unlock()
		return
	}
	tracked.holders--
	idle := tracked.holders == 0 && !tracked.leased
	if idle {
		t.dropLocked(orderID, tracked)
	}
	t.mu.Unlock()
	if idle {
		tracked.cancel()
	}
}

// View starts or joins the poller of orderID on behalf of a viewer and extends the viewer lease.
// Without another View or Latest call within the lease the poller is stopped.
func (t *StatusTracker) View(ctx context.Context, orderID string, initial *domain.Order) (*StatusPoller, error) {
	orderID = strings.TrimSpace(orderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, err := t.ensureLocked(ctx, orderID, initial)
	if err != nil {
		return nil, err
	}
	t.extendLeaseLocked(orderID, tracked)
	return tracked.poller, nil
}

// Unview ends the viewer lease of orderID.
func (t *StatusTracker) Unview(orderID string) {
	orderID = strings.TrimSpace(orderID)
	t.mu.Lock()
	tracked, ok := t.pollers[orderID]
	if !ok || !tracked.leased {
		t.mu.Unlock()
		return
	}
	t.endLeaseLocked(tracked)
	idle := tracked.holders == 0
	if idle {
		t.dropLocked(orderID, tracked)
	}
	t.mu.Unlock()
	if idle {
		tracked.cancel()
		<-tracked.poller.Done()
	}
}

// Poller returns the running poller of orderID, if any.
func (t *StatusTracker) Poller(orderID string) (*StatusPoller, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.pollers[strings.TrimSpace(orderID)]
	if !ok {
		return nil, false
	}
	return tracked.poller, true
}

// Latest returns the most recent order fetched for orderID, from its running poller or from the
// bounded set of recently finished ones. Reading a viewed order extends its lease.
func (t *StatusTracker) Latest(orderID string) (domain.Order, bool) {
	orderID = strings.TrimSpace(orderID)
	t.mu.Lock()
	tracked, ok := t.pollers[orderID]
	if ok {
		if tracked.leased {
			t.extendLeaseLocked(orderID, tracked)
		}
		t.mu.Unlock()
		return tracked.poller.Latest()
	}
	order, ok := t.recent[orderID]
	t.mu.Unlock()
	return order, ok
}

// Nudge asks the poller of orderID to re-fetch now and reports whether one was running.
func (t *StatusTracker) Nudge(orderID string) bool {
	poller, ok := t.Poller(orderID)
	if !ok {
		return false
	}
	select {
	case <-poller.Done():
		return false
	default:
	}
	poller.Nudge()
	return true
}

// Stop cancels the poller of orderID regardless of holders and leases.
func (t *StatusTracker) Stop(orderID string) {
	orderID = strings.TrimSpace(orderID)
	t.mu.Lock()
	tracked, ok := t.pollers[orderID]
	if ok {
		t.dropLocked(orderID, tracked)
	}
	t.mu.Unlock()
	if ok {
		tracked.cancel()
		<-tracked.poller.Done()
	}
}

// Active reports how many pollers are still running.
func (t *StatusTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, tracked := range t.pollers {
		select {
		case <-tracked.poller.Done():
		default:
			count++
		}
	}
	return count
}

// Tracked reports how many pollers the tracker still references.
func (t *StatusTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pollers)
}

// Close stops every poller and waits for them to exit.
func (t *StatusTracker) Close() {
	t.mu.Lock()
	t.closed = true
	pollers := t.pollers
	t.pollers = make(map[string]*trackedPoller)
	for _, tracked := range pollers {
		t.endLeaseLocked(tracked)
	}
	t.mu.Unlock()

	for _, tracked := range pollers {
		tracked.cancel()
	}
	t.wg.Wait()
}

func (t *StatusTracker) ensureLocked(ctx context.Context, orderID string, initial *domain.Order) (*trackedPoller, error) {
	if t.closed {
		return nil, errors.New("status tracker: closed")
	}
	if tracked, ok := t.pollers[orderID]; ok {
		select {
		case <-tracked.poller.Done():
			// finished but not yet retired
			if initial == nil {
				if latest, ok := tracked.poller.Latest(); ok {
					initial = &latest
				}
			}
			t.dropLocked(orderID, tracked)
		default:
			return tracked, nil
		}
	}

	poller, err := NewStatusPoller(StatusPollerDeps{
		OrderID:        orderID,
		Orders:         t.orders,
		Lifecycle:      t.lifecycle,
		Interval:       t.interval,
		RequestTimeout: t.timeout,
		Initial:        initial,
		Metrics:        t.metrics,
		Logger:         t.logger,
	})
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(requestctx.DetachedContext(ctx))
	tracked := &trackedPoller{poller: poller, cancel: cancel}
	t.pollers[orderID] = tracked

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		poller.Run(runCtx)
		t.retire(orderID, tracked)
		t.logger(runCtx, "order.poll.stopped", map[string]any{"orderId": orderID, "terminal": poller.Terminal()})
	}()
	return tracked, nil
}

// retire forgets a stopped poller and keeps its last order for Latest.
func (t *StatusTracker) retire(orderID string, tracked *trackedPoller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pollers[orderID] == tracked {
		t.dropLocked(orderID, tracked)
	}
	if latest, ok := tracked.poller.Latest(); ok {
		t.rememberLocked(orderID, latest)
	}
}

func (t *StatusTracker) dropLocked(orderID string, tracked *trackedPoller) {
	t.endLeaseLocked(tracked)
	if t.pollers[orderID] == tracked {
		delete(t.pollers, orderID)
	}
}

func (t *StatusTracker) rememberLocked(orderID string, order domain.Order) {
	if _, ok := t.recent[orderID]; !ok {
		t.recentOrder = append(t.recentOrder, orderID)
	}
	t.recent[orderID] = order
	for len(t.recentOrder) > t.recentLimit {
		delete(t.recent, t.recentOrder[0])
		t.recentOrder = t.recentOrder[1:]
	}
}

func (t *StatusTracker) extendLeaseLocked(orderID string, tracked *trackedPoller) {
	tracked.leased = true
	tracked.leaseUntil = t.now().Add(t.lease)
	if tracked.leaseTimer == nil {
		tracked.leaseTimer = time.AfterFunc(t.lease, func() { t.leaseExpired(orderID, tracked) })
	}
}

func (t *StatusTracker) endLeaseLocked(tracked *trackedPoller) {
	tracked.leased = false
	if tracked.leaseTimer != nil {
		tracked.leaseTimer.Stop()
		tracked.leaseTimer = nil
	}
}

func (t *StatusTracker) leaseExpired(orderID string, tracked *trackedPoller) {
	t.mu.Lock()
	if t.pollers[orderID] != tracked || !tracked.leased {
		t.mu.Unlock()
		return
	}
	if remaining := tracked.leaseUntil.Sub(t.now()); remaining > 0 {
		tracked.leaseTimer = time.AfterFunc(remaining, func() { t.leaseExpired(orderID, tracked) })
		t.mu.Unlock()
		return
	}
	t.endLeaseLocked(tracked)
	idle := tracked.holders == 0
	if idle {
		t.dropLocked(orderID, tracked)
	}
	t.mu.Unlock()
	if idle {
		tracked.cancel()
		t.logger(context.Background(), "order.view.expired", map[string]any{"orderId": orderID})
	}
}
