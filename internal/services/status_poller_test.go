package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

type scriptedOrders struct {
	mu       sync.Mutex
	statuses []domain.OrderStatus
	errs     []error
	calls    atomic.Int32
	tokens   []string
}

func (s *scriptedOrders) Order(ctx context.Context, id string) (domain.Order, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, requestctx.AuthToken(ctx))
	if n < len(s.errs) && s.errs[n] != nil {
		return domain.Order{}, s.errs[n]
	}
	status := s.statuses[len(s.statuses)-1]
	if n < len(s.statuses) {
		status = s.statuses[n]
	}
	return domain.Order{ID: id, Status: status}, nil
}

func (s *scriptedOrders) Orders(context.Context) ([]domain.Order, error) { return nil, nil }

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestStatusPollerStopsOnTerminalStatus(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusConfirmed,
		domain.OrderStatusDelivered,
		domain.OrderStatusDelivered,
	}}
	var updates []domain.OrderStatus
	var mu sync.Mutex
	poller, err := NewStatusPoller(StatusPollerDeps{
		OrderID:  "ord_1",
		Orders:   orders,
		Interval: 5 * time.Millisecond,
		OnUpdate: func(o domain.Order) {
			mu.Lock()
			updates = append(updates, o.Status)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewStatusPoller: %v", err)
	}

	go poller.Run(context.Background())
	waitDone(t, poller.Done())

	if got := orders.calls.Load(); got != 3 {
		t.Fatalf("expected 3 fetches, got %d", got)
	}
	latest, ok := poller.Latest()
	if !ok || latest.Status != domain.OrderStatusDelivered || !poller.Terminal() {
		t.Fatalf("latest = %+v", latest)
	}
	time.Sleep(20 * time.Millisecond)
	if got := orders.calls.Load(); got != 3 {
		t.Fatalf("poller kept fetching after terminal status: %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 3 {
		t.Fatalf("updates = %v", updates)
	}
}

func TestStatusPollerSwallowsFetchErrors(t *testing.T) {
	orders := &scriptedOrders{
		statuses: []domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusCreated, domain.OrderStatusCancelled},
		errs:     []error{nil, marketplace.ErrUnavailable},
	}
	var events []string
	var mu sync.Mutex
	poller, err := NewStatusPoller(StatusPollerDeps{
		OrderID:  "ord_2",
		Orders:   orders,
		Interval: 5 * time.Millisecond,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewStatusPoller: %v", err)
	}

	go poller.Run(context.Background())
	waitDone(t, poller.Done())

	latest, _ := poller.Latest()
	if latest.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s", latest.Status)
	}
	if poller.LastError() != nil {
		t.Fatalf("LastError = %v after successful fetch", poller.LastError())
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, e := range events {
		if e == "order.poll.failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("fetch failure not logged: %v", events)
	}
}

func TestStatusPollerNudgeFetchesImmediately(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusConfirmed}}
	poller, err := NewStatusPoller(StatusPollerDeps{OrderID: "ord_3", Orders: orders, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewStatusPoller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	deadline := time.After(2 * time.Second)
	for orders.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("initial fetch did not happen")
		case <-time.After(time.Millisecond):
		}
	}
	poller.Nudge()
	for orders.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("nudge did not trigger a fetch")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	waitDone(t, poller.Done())
}

func TestStatusPollerSkipsTerminalInitialOrder(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusDelivered}}
	poller, err := NewStatusPoller(StatusPollerDeps{
		OrderID: "ord_4",
		Orders:  orders,
		Initial: &domain.Order{ID: "ord_4", Status: domain.OrderStatusDelivered},
	})
	if err != nil {
		t.Fatalf("NewStatusPoller: %v", err)
	}
	poller.Run(context.Background())
	if orders.calls.Load() != 0 {
		t.Fatal("terminal initial order must not be fetched")
	}
}

func TestStatusTrackerLifecycle(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusCreated}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	defer tracker.Close()

	reqCtx, cancelReq := context.WithCancel(requestctx.WithAuthToken(context.Background(), "tok-9"))
	first, err := tracker.Watch(reqCtx, "ord_5", nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancelReq()

	second, err := tracker.Watch(context.Background(), "ord_5", nil)
	if err != nil || second != first {
		t.Fatalf("expected the same poller, got %p vs %p (%v)", second, first, err)
	}

	deadline := time.After(2 * time.Second)
	for orders.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("poller never fetched")
		case <-time.After(time.Millisecond):
		}
	}
	if tracker.Active() != 1 {
		t.Fatalf("Active = %d; request cancellation must not stop the poller", tracker.Active())
	}
	if !tracker.Nudge("ord_5") {
		t.Fatal("Nudge should find the poller")
	}
	if tracker.Nudge("unknown") {
		t.Fatal("Nudge should ignore unknown orders")
	}

	orders.mu.Lock()
	token := orders.tokens[0]
	orders.mu.Unlock()
	if token != "tok-9" {
		t.Fatalf("forwarded token = %q", token)
	}

	tracker.Stop("ord_5")
	if _, ok := tracker.Poller("ord_5"); ok {
		t.Fatal("stopped poller still registered")
	}
	select {
	case <-first.Done():
	default:
		t.Fatal("Stop must wait for the poller to exit")
	}
}

func TestStatusTrackerCloseStopsEverything(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusCreated}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	a, _ := tracker.Watch(context.Background(), "a", nil)
	b, _ := tracker.Watch(context.Background(), "b", nil)
	tracker.Close()

	waitDone(t, a.Done())
	waitDone(t, b.Done())
	if _, err := tracker.Watch(context.Background(), "c", nil); err == nil {
		t.Fatal("closed tracker must refuse new pollers")
	}
	if _, err := NewStatusTracker(StatusTrackerDeps{}); err == nil {
		t.Fatal("expected error without order reader")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatusTrackerForgetsFinishedPollers(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusDelivered}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: time.Hour, RecentLimit: 10})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	defer tracker.Close()

	const total = 50
	for i := 0; i < total; i++ {
		if _, err := tracker.Watch(context.Background(), fmt.Sprintf("ord_%d", i), nil); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}
	eventually(t, "finished pollers to be dropped", func() bool { return tracker.Tracked() == 0 })
	if tracker.Active() != 0 {
		t.Fatalf("Active = %d", tracker.Active())
	}

	remembered := 0
	for i := 0; i < total; i++ {
		if latest, ok := tracker.Latest(fmt.Sprintf("ord_%d", i)); ok {
			remembered++
			if latest.Status != domain.OrderStatusDelivered {
				t.Fatalf("remembered status = %s", latest.Status)
			}
		}
	}
	if remembered != 10 {
		t.Fatalf("remembered %d finished orders, want 10", remembered)
	}
	if tracker.Nudge("ord_0") {
		t.Fatal("finished order must not be nudged")
	}
}

func TestStatusTrackerViewLeaseExpires(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusShipped}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: 5 * time.Millisecond, ViewLease: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	defer tracker.Close()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	poller, err := tracker.View(reqCtx, "ord_view", nil)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	cancelReq()

	waitDone(t, poller.Done())
	eventually(t, "expired viewer poller to be dropped", func() bool { return tracker.Tracked() == 0 })
	calls := orders.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if orders.calls.Load() != calls {
		t.Fatal("order still fetched after the viewer lease expired")
	}
	eventually(t, "expired order to be remembered", func() bool {
		latest, ok := tracker.Latest("ord_view")
		return ok && latest.Status == domain.OrderStatusShipped
	})
}

func TestStatusTrackerLatestExtendsViewLease(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusShipped}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: time.Hour, ViewLease: 60 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	defer tracker.Close()

	poller, err := tracker.View(context.Background(), "ord_read", nil)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	for i := 0; i < 12; i++ {
		time.Sleep(15 * time.Millisecond)
		tracker.Latest("ord_read")
	}
	if tracker.Active() != 1 {
		t.Fatal("poller stopped while the viewer kept reading")
	}
	waitDone(t, poller.Done())
}

func TestStatusTrackerHoldersAndViewers(t *testing.T) {
	orders := &scriptedOrders{statuses: []domain.OrderStatus{domain.OrderStatusCreated}}
	tracker, err := NewStatusTracker(StatusTrackerDeps{Orders: orders, Interval: time.Hour, ViewLease: time.Hour})
	if err != nil {
		t.Fatalf("NewStatusTracker: %v", err)
	}
	defer tracker.Close()
	ctx := context.Background()

	held, _ := tracker.Watch(ctx, "ord_a", nil)
	viewed, _ := tracker.View(ctx, "ord_a", nil)
	if held != viewed {
		t.Fatal("viewer must join the held poller")
	}
	tracker.Release("ord_a")
	if _, ok := tracker.Poller("ord_a"); !ok {
		t.Fatal("releasing the hold must not stop a viewed poller")
	}
	tracker.Unview("ord_a")
	if _, ok := tracker.Poller("ord_a"); ok {
		t.Fatal("poller kept after the last viewer left")
	}
	waitDone(t, held.Done())

	viewed, _ = tracker.View(ctx, "ord_b", nil)
	tracker.Watch(ctx, "ord_b", nil)
	tracker.Unview("ord_b")
	if _, ok := tracker.Poller("ord_b"); !ok {
		t.Fatal("leaving the view must not stop a held poller")
	}
	tracker.Release("ord_b")
	tracker.Release("ord_b")
	waitDone(t, viewed.Done())
	if _, ok := tracker.Poller("ord_b"); ok {
		t.Fatal("poller kept after the last hold was released")
	}
}
