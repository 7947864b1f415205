package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is one purchasable variant in the customer's cart as reported by the marketplace.
type CartLine struct {
	VariantID      string
	ProductID      string
	ProductName    string
	VariantLabel   string
	VendorID       string
	ImageURL       string
	Quantity       int
	UnitPrice      decimal.Decimal
	AvailableStock int
}

// Subtotal is unit price times quantity at full precision.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Purchasable reports whether the line can be ordered in its current quantity.
func (l CartLine) Purchasable() bool {
	return l.Quantity >= 1 && l.Quantity <= l.AvailableStock
}

// CartSnapshot is the cart as last fetched.
type CartSnapshot struct {
	Lines     []CartLine
	FetchedAt time.Time
}

// Line looks up a line by variant id.
func (s CartSnapshot) Line(variantID string) (CartLine, bool) {
	for _, line := range s.Lines {
		if line.VariantID == variantID {
			return line, true
		}
	}
	return CartLine{}, false
}

// VariantIDs lists every variant in cart order.
func (s CartSnapshot) VariantIDs() []string {
	ids := make([]string, 0, len(s.Lines))
	for _, line := range s.Lines {
		ids = append(ids, line.VariantID)
	}
	return ids
}

// SelectionSnapshot is an immutable view of the customer's selection at one revision.
type SelectionSnapshot struct {
	VariantIDs []string
	Basis      string
	Revision   uint64
}

// Empty reports whether nothing is selected.
func (s SelectionSnapshot) Empty() bool {
	return len(s.VariantIDs) == 0
}

// Contains reports whether variantID is selected.
func (s SelectionSnapshot) Contains(variantID string) bool {
	_, found := slices.BinarySearch(s.VariantIDs, variantID)
	return found
}

// SelectionBasis fingerprints the variant, quantity and unit price of the selected lines. Two
// selections price identically only when their bases are equal.
func SelectionBasis(snapshot CartSnapshot, variantIDs []string) string {
	if len(variantIDs) == 0 {
		return ""
	}
	ids := slices.Clone(variantIDs)
	slices.Sort(ids)

	var builder strings.Builder
	for _, id := range ids {
		qty, price := 0, "0"
		if line, ok := snapshot.Line(id); ok {
			qty = line.Quantity
			price = line.UnitPrice.String()
		}
		builder.WriteString(id)
		builder.WriteByte(':')
		builder.WriteString(strconv.Itoa(qty))
		builder.WriteByte('@')
		builder.WriteString(price)
		builder.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:12])
}
