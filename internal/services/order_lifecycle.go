package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

// Action is a customer-initiated order transition.
type Action string

const (
	ActionCancel        Action = "cancel"
	ActionRequestReturn Action = "request_return"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:         {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:       {domain.OrderStatusPacked, domain.OrderStatusCancelled},
	domain.OrderStatusPacked:          {domain.OrderStatusShipped},
	domain.OrderStatusShipped:         {domain.OrderStatusOutForDelivery},
	domain.OrderStatusOutForDelivery:  {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:       {domain.OrderStatusReturnRequested},
	domain.OrderStatusReturnRequested: {domain.OrderStatusReturned, domain.OrderStatusReturnRejected},
}

// fulfilmentPath is the main line of the lifecycle. A later state implies all earlier ones.
var fulfilmentPath = []domain.OrderStatus{
	domain.OrderStatusCreated,
	domain.OrderStatusConfirmed,
	domain.OrderStatusPacked,
	domain.OrderStatusShipped,
	domain.OrderStatusOutForDelivery,
	domain.OrderStatusDelivered,
}

var cancellableStatuses = []domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusConfirmed}

var pollingTerminalStatuses = []domain.OrderStatus{
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
	domain.OrderStatusReturned,
	domain.OrderStatusReturnRejected,
}

// TimelineStep is one milestone in an order's progress.
type TimelineStep struct {
	Status  domain.OrderStatus
	Reached bool
	Current bool
}

// OrderLifecycle answers questions about order states. It has no I/O; status changes are driven
// by the marketplace.
type OrderLifecycle struct {
	logger Logger
}

// NewOrderLifecycle constructs an OrderLifecycle. logger receives anomalies seen while observing
// server-driven transitions.
func NewOrderLifecycle(logger Logger) OrderLifecycle {
	if logger == nil {
		logger = noopLogger
	}
	return OrderLifecycle{logger: logger}
}

// CanCancel reports whether the customer may cancel an order in status.
func (OrderLifecycle) CanCancel(status domain.OrderStatus) bool {
	return slices.Contains(cancellableStatuses, status)
}

// CanRequestReturn reports whether the customer may request a return for an order in status.
func (OrderLifecycle) CanRequestReturn(status domain.OrderStatus) bool {
	return status == domain.OrderStatusDelivered
}

// IsTerminal reports whether polling should stop at status.
func (OrderLifecycle) IsTerminal(status domain.OrderStatus) bool {
	return slices.Contains(pollingTerminalStatuses, status)
}

// AllowedActions lists the customer actions available in status.
func (l OrderLifecycle) AllowedActions(status domain.OrderStatus) []Action {
	actions := make([]Action, 0, 1)
	if l.CanCancel(status) {
		actions = append(actions, ActionCancel)
	}
	if l.CanRequestReturn(status) {
		actions = append(actions, ActionRequestReturn)
	}
	return actions
}

// CanTransition reports whether from → to is a legal lifecycle step.
func (OrderLifecycle) CanTransition(from, to domain.OrderStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(orderStateTransitions[from], to)
}

// ValidateObserved checks a transition reported by the marketplace. Skipped intermediate states
// along the fulfilment path are accepted; anything else is logged and returned as an error, but
// the marketplace's status still wins.
func (l OrderLifecycle) ValidateObserved(ctx context.Context, orderID string, from, to domain.OrderStatus) error {
	if from == "" || l.CanTransition(from, to) {
		return nil
	}
	fromIdx := slices.Index(fulfilmentPath, from)
	toIdx := slices.Index(fulfilmentPath, to)
	if fromIdx >= 0 && toIdx > fromIdx {
		return nil
	}
	if fromIdx >= 0 && fromIdx < slices.Index(fulfilmentPath, domain.OrderStatusPacked) && to == domain.OrderStatusCancelled {
		return nil
	}
	if l.logger != nil {
		l.logger(ctx, "order.transition.unexpected", map[string]any{
			"orderId": orderID,
			"from":    string(from),
			"to":      string(to),
		})
	}
	return fmt.Errorf("%w: observed %s -> %s", ErrInvalidTransition, from, to)
}

// Timeline lists the fulfilment milestones and whether each has been reached. Side branches
// (cancelled, returns) are appended after the main line.
func (OrderLifecycle) Timeline(order domain.Order) []TimelineStep {
	reached := make(map[domain.OrderStatus]bool, len(order.StatusHistory)+1)
	for _, change := range order.StatusHistory {
		reached[change.Status] = true
	}
	reached[order.Status] = true

	furthest := -1
	for i, status := range fulfilmentPath {
		if reached[status] {
			furthest = i
		}
	}
	if reached[domain.OrderStatusReturnRequested] || reached[domain.OrderStatusReturned] || reached[domain.OrderStatusReturnRejected] {
		furthest = len(fulfilmentPath) - 1
	}

	steps := make([]TimelineStep, 0, len(fulfilmentPath)+2)
	for i, status := range fulfilmentPath {
		steps = append(steps, TimelineStep{
			Status:  status,
			Reached: i <= furthest,
			Current: status == order.Status,
		})
	}
	switch order.Status {
	case domain.OrderStatusCancelled:
		steps = append(steps, TimelineStep{Status: order.Status, Reached: true, Current: true})
	case domain.OrderStatusReturnRequested:
		steps = append(steps, TimelineStep{Status: order.Status, Reached: true, Current: true})
	case domain.OrderStatusReturned, domain.OrderStatusReturnRejected:
		steps = append(steps,
			TimelineStep{Status: domain.OrderStatusReturnRequested, Reached: true},
			TimelineStep{Status: order.Status, Reached: true, Current: true},
		)
	}
	return steps
}

// OrderActionsDeps wires customer order actions.
type OrderActionsDeps struct {
	Orders    OrderReader
	Mutations OrderMutator
	Lifecycle OrderLifecycle
	Logger    Logger
}

// OrderActions performs customer-initiated transitions. Each action is gated locally by the
// lifecycle before the marketplace is called and the order is re-fetched afterwards.
type OrderActions struct {
	orders    OrderReader
	mutations OrderMutator
	lifecycle OrderLifecycle
	logger    Logger
}

// NewOrderActions constructs OrderActions.
func NewOrderActions(deps OrderActionsDeps) (*OrderActions, error) {
	if deps.Orders == nil {
		return nil, errors.New("order actions: order reader is required")
	}
	if deps.Mutations == nil {
		return nil, errors.New("order actions: order mutator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	lifecycle := deps.Lifecycle
	if lifecycle.logger == nil {
		lifecycle = NewOrderLifecycle(logger)
	}
	return &OrderActions{
		orders:    deps.Orders,
		mutations: deps.Mutations,
		lifecycle: lifecycle,
		logger:    logger,
	}, nil
}

// Get fetches an order.
func (a *OrderActions) Get(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := a.orders.Order(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, mapOrderError(err)
	}
	return order, nil
}

// List fetches the customer's order history.
func (a *OrderActions) List(ctx context.Context) ([]domain.Order, error) {
	orders, err := a.orders.Orders(ctx)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orders, nil
}

// Cancel cancels order when its current status allows it.
func (a *OrderActions) Cancel(ctx context.Context, order domain.Order) (domain.Order, error) {
	if !a.lifecycle.CanCancel(order.Status) {
		return domain.Order{}, &TransitionError{OrderID: order.ID, Action: ActionCancel, Status: order.Status}
	}
	if err := a.mutations.CancelOrder(ctx, order.ID); err != nil {
		a.logger(ctx, "order.cancel.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return domain.Order{}, mapOrderError(err)
	}
	a.logger(ctx, "order.cancelled", map[string]any{"orderId": order.ID})
	return a.Get(ctx, order.ID)
}

// RequestReturn files a return for a delivered order.
func (a *OrderActions) RequestReturn(ctx context.Context, order domain.Order, reason string, target domain.RefundTarget) (domain.Order, error) {
	if !a.lifecycle.CanRequestReturn(order.Status) {
		return domain.Order{}, &TransitionError{OrderID: order.ID, Action: ActionRequestReturn, Status: order.Status}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Order{}, ErrReturnReasonRequired
	}
	if target != domain.RefundTargetWallet && target != domain.RefundTargetOriginalPaymentMethod {
		return domain.Order{}, fmt.Errorf("%w: %q", ErrInvalidRefundTarget, target)
	}
	err := a.mutations.RequestReturn(ctx, order.ID, marketplace.ReturnRequest{
		Reason:       reason,
		RefundToCard: target == domain.RefundTargetOriginalPaymentMethod,
	})
	if err != nil {
		a.logger(ctx, "order.return.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return domain.Order{}, mapOrderError(err)
	}
	a.logger(ctx, "order.return.requested", map[string]any{"orderId": order.ID, "refundTarget": string(target)})
	return a.Get(ctx, order.ID)
}

func mapOrderError(err error) error {
	if apiErr, ok := marketplace.AsAPIError(err); ok {
		switch {
		case apiErr.NotFound():
			return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
		case apiErr.ClientFault():
			return err
		}
	}
	if errors.Is(err, marketplace.ErrMissingID) {
		return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
}
