package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

// StatusPollerDeps wires a status poller.
type StatusPollerDeps struct {
	OrderID        string
	Orders         OrderReader
	Lifecycle      OrderLifecycle
	Interval       time.Duration
	RequestTimeout time.Duration
	Initial        *domain.Order
	OnUpdate       func(domain.Order)
	Metrics        *Metrics
	Logger         Logger
}

// StatusPoller re-fetches one order until it reaches a terminal status. Fetch failures are logged
// and retried on the next tick.
type StatusPoller struct {
	orderID   string
	orders    OrderReader
	lifecycle OrderLifecycle
	interval  time.Duration
	timeout   time.Duration
	onUpdate  func(domain.Order)
	metrics   *Metrics
	logger    Logger

	nudge chan struct{}
	done  chan struct{}

	mu        sync.RWMutex
	latest    domain.Order
	hasLatest bool
	lastErr   error
}

// NewStatusPoller constructs a poller. Run must be called to start it.
func NewStatusPoller(deps StatusPollerDeps) (*StatusPoller, error) {
	orderID := strings.TrimSpace(deps.OrderID)
	if orderID == "" {
		return nil, errors.New("status poller: order id is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("status poller: order reader is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	lifecycle := deps.Lifecycle
	if lifecycle.logger == nil {
		lifecycle = NewOrderLifecycle(logger)
	}
	p := &StatusPoller{
		orderID:   orderID,
		orders:    deps.Orders,
		lifecycle: lifecycle,
		interval:  interval,
		timeout:   timeout,
		onUpdate:  deps.OnUpdate,
		metrics:   deps.Metrics,
		logger:    logger,
		nudge:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if deps.Initial != nil {
		p.latest = *deps.Initial
		p.hasLatest = true
	}
	return p, nil
}

// OrderID returns the watched order.
func (p *StatusPoller) OrderID() string { return p.orderID }

// Run polls until the order is terminal or ctx is cancelled. It fetches once immediately unless
// the initial order is already terminal.
func (p *StatusPoller) Run(ctx context.Context) {
	defer close(p.done)

	if latest, ok := p.Latest(); ok && p.lifecycle.IsTerminal(latest.Status) {
		return
	}
	if p.fetch(ctx) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
		if p.fetch(ctx) {
			return
		}
	}
}

// Nudge requests an immediate re-fetch. Nudges are coalesced.
func (p *StatusPoller) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (p *StatusPoller) Done() <-chan struct{} { return p.done }

// Latest returns the most recently fetched order.
func (p *StatusPoller) Latest() (domain.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.hasLatest
}

// LastError returns the error of the most recent fetch, if it failed.
func (p *StatusPoller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Terminal reports whether the latest known status ends polling.
func (p *StatusPoller) Terminal() bool {
	latest, ok := p.Latest()
	return ok && p.lifecycle.IsTerminal(latest.Status)
}

// fetch refreshes the order and reports whether polling should stop.
func (p *StatusPoller) fetch(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	order, err := p.orders.Order(callCtx, p.orderID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		p.metrics.pollTick(ctx, "error")
		p.logger(ctx, "order.poll.failed", map[string]any{"orderId": p.orderID, "error": err.Error()})
		return false
	}
	if order.ID == "" {
		order.ID = p.orderID
	}

	p.mu.Lock()
	previous := p.latest.Status
	p.latest = order
	p.hasLatest = true
	p.lastErr = nil
	p.mu.Unlock()

	p.metrics.pollTick(ctx, "ok")
	if previous != order.Status {
		_ = p.lifecycle.ValidateObserved(ctx, p.orderID, previous, order.Status)
		p.logger(ctx, "order.status.observed", map[string]any{
			"orderId": p.orderID,
			"from":    string(previous),
			"to":      string(order.Status),
		})
	}
	if p.onUpdate != nil {
		p.onUpdate(order)
	}
	return p.lifecycle.IsTerminal(order.Status)
}
