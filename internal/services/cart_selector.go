package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hanko-field/storefront/internal/domain"
)

// CartSelectorDeps wires the cart selector.
type CartSelectorDeps struct {
	Cart   CartAPI
	Feed   *CartFeed
	Owner  string
	Logger Logger
}

// CartSelector tracks which cart lines the customer intends to buy. Every membership or quantity
// change bumps the revision, and the basis fingerprints what the selection would cost.
type CartSelector struct {
	cart   CartAPI
	feed   *CartFeed
	owner  string
	logger Logger

	mu       sync.Mutex
	snapshot domain.CartSnapshot
	selected map[string]struct{}
	revision uint64
}

// NewCartSelector constructs a selector over an empty cart.
func NewCartSelector(deps CartSelectorDeps) (*CartSelector, error) {
	if deps.Cart == nil {
		return nil, errors.New("cart selector: cart api is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &CartSelector{
		cart:     deps.Cart,
		feed:     deps.Feed,
		owner:    deps.Owner,
		logger:   logger,
		selected: make(map[string]struct{}),
	}, nil
}

// Load fetches the cart and replaces the snapshot.
func (s *CartSelector) Load(ctx context.Context) (domain.SelectionSnapshot, error) {
	snapshot, err := s.cart.Cart(ctx)
	if err != nil {
		return domain.SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}
	return s.Refresh(snapshot), nil
}

// Refresh replaces the cart snapshot, drops selected ids whose line vanished and bumps the revision
// when membership or quantities changed.
func (s *CartSelector) Refresh(snapshot domain.CartSnapshot) domain.SelectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.snapshotLocked()
	s.snapshot = snapshot
	for id := range s.selected {
		if _, ok := snapshot.Line(id); !ok {
			delete(s.selected, id)
		}
	}
	after := s.snapshotLocked()
	if !slices.Equal(before.VariantIDs, after.VariantIDs) || before.Basis != after.Basis {
		s.revision++
	}
	return s.snapshotLocked()
}

// Toggle adds or removes a line from the selection and reports whether it is now selected.
func (s *CartSelector) Toggle(variantID string) (bool, error) {
	variantID = strings.TrimSpace(variantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshot.Line(variantID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownLine, variantID)
	}
	if _, ok := s.selected[variantID]; ok {
		delete(s.selected, variantID)
		s.revision++
		return false, nil
	}
	s.selected[variantID] = struct{}{}
	s.revision++
	return true, nil
}

// Select adds a line to the selection. Selecting an already selected line is a no-op.
func (s *CartSelector) Select(variantID string) error {
	variantID = strings.TrimSpace(variantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshot.Line(variantID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLine, variantID)
	}
	if _, ok := s.selected[variantID]; ok {
		return nil
	}
	s.selected[variantID] = struct{}{}
	s.revision++
	return nil
}

// Deselect removes a line from the selection.
func (s *CartSelector) Deselect(variantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selected[strings.TrimSpace(variantID)]; ok {
		delete(s.selected, strings.TrimSpace(variantID))
		s.revision++
	}
}

// SelectAll selects every purchasable line, replacing the current selection.
func (s *CartSelector) SelectAll() domain.SelectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]struct{}, len(s.snapshot.Lines))
	for _, line := range s.snapshot.Lines {
		if line.Purchasable() {
			next[line.VariantID] = struct{}{}
		}
	}
	if !sameKeys(s.selected, next) {
		s.selected = next
		s.revision++
	}
	return s.snapshotLocked()
}

// DeselectAll clears the selection.
func (s *CartSelector) DeselectAll() domain.SelectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.selected) > 0 {
		s.selected = make(map[string]struct{})
		s.revision++
	}
	return s.snapshotLocked()
}

// SetQuantity changes the quantity of a cart line. Quantities below one are ignored and quantities
// beyond available stock are rejected before the marketplace is called.
func (s *CartSelector) SetQuantity(ctx context.Context, variantID string, quantity int) (domain.SelectionSnapshot, error) {
	variantID = strings.TrimSpace(variantID)

	s.mu.Lock()
	line, ok := s.snapshot.Line(variantID)
	if !ok {
		s.mu.Unlock()
		return domain.SelectionSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownLine, variantID)
	}
	if quantity < 1 || quantity == line.Quantity {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	if quantity > line.AvailableStock {
		s.mu.Unlock()
		return domain.SelectionSnapshot{}, &StockError{Lines: []domain.CartLine{line}}
	}
	s.mu.Unlock()

	if err := s.cart.UpdateCartItem(ctx, variantID, quantity); err != nil {
		return domain.SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}

	s.mu.Lock()
	for i := range s.snapshot.Lines {
		if s.snapshot.Lines[i].VariantID == variantID {
			s.snapshot.Lines[i].Quantity = quantity
		}
	}
	s.revision++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger(ctx, "cart.quantity.updated", map[string]any{"variantId": variantID, "quantity": quantity})
	s.publish(CartEvent{Kind: CartEventQuantityChanged, VariantID: variantID, Quantity: quantity})
	return snap, nil
}

// RemoveLine deletes a line from the cart and the selection.
func (s *CartSelector) RemoveLine(ctx context.Context, variantID string) (domain.SelectionSnapshot, error) {
	variantID = strings.TrimSpace(variantID)

	s.mu.Lock()
	if _, ok := s.snapshot.Line(variantID); !ok {
		s.mu.Unlock()
		return domain.SelectionSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownLine, variantID)
	}
	s.mu.Unlock()

	if err := s.cart.RemoveCartItem(ctx, variantID); err != nil {
		return domain.SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}

	s.mu.Lock()
	s.snapshot.Lines = slices.DeleteFunc(slices.Clone(s.snapshot.Lines), func(line domain.CartLine) bool {
		return line.VariantID == variantID
	})
	delete(s.selected, variantID)
	s.revision++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger(ctx, "cart.line.removed", map[string]any{"variantId": variantID})
	s.publish(CartEvent{Kind: CartEventLineRemoved, VariantID: variantID})
	return snap, nil
}

// Snapshot returns the selection at its current revision.
func (s *CartSelector) Snapshot() domain.SelectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Cart returns the last fetched cart.
func (s *CartSelector) Cart() domain.CartSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CartSnapshot{Lines: slices.Clone(s.snapshot.Lines), FetchedAt: s.snapshot.FetchedAt}
}

// SelectedLines returns the selected cart lines in cart order.
func (s *CartSelector) SelectedLines() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]domain.CartLine, 0, len(s.selected))
	for _, line := range s.snapshot.Lines {
		if _, ok := s.selected[line.VariantID]; ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// IsCheckoutEligible reports whether the selection is non-empty and every selected line is purchasable.
func (s *CartSelector) IsCheckoutEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selected) > 0 && len(s.ineligibleLocked()) == 0
}

// Ineligible lists selected lines that block submission.
func (s *CartSelector) Ineligible() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ineligibleLocked()
}

// Eligibility returns nil when the selection can be submitted, or the reason it cannot.
func (s *CartSelector) Eligibility() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.selected) == 0 {
		return ErrEmptySelection
	}
	if bad := s.ineligibleLocked(); len(bad) > 0 {
		return &StockError{Lines: bad}
	}
	return nil
}

func (s *CartSelector) ineligibleLocked() []domain.CartLine {
	var bad []domain.CartLine
	for _, line := range s.snapshot.Lines {
		if _, ok := s.selected[line.VariantID]; ok && !line.Purchasable() {
			bad = append(bad, line)
		}
	}
	return bad
}

func (s *CartSelector) snapshotLocked() domain.SelectionSnapshot {
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return domain.SelectionSnapshot{
		VariantIDs: ids,
		Basis:      domain.SelectionBasis(s.snapshot, ids),
		Revision:   s.revision,
	}
}

func (s *CartSelector) publish(event CartEvent) {
	if s.feed != nil {
		event.Owner = s.owner
		event.Source = s
		s.feed.Publish(event)
	}
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
