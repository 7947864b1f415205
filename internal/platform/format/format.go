// Package format renders money and dates for customer-facing payloads.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatter formats amounts in a single store currency for one locale.
type Formatter struct {
	unit    currency.Unit
	tag     language.Tag
	printer *message.Printer
	symbol  string
}

// New builds a Formatter for an ISO 4217 currency code and a BCP 47 locale.
func New(currencyCode, locale string) (*Formatter, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return nil, fmt.Errorf("format: invalid currency %q: %w", currencyCode, err)
	}
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if err != nil {
		return nil, fmt.Errorf("format: invalid locale %q: %w", locale, err)
	}
	printer := message.NewPrinter(tag)
	return &Formatter{
		unit:    unit,
		tag:     tag,
		printer: printer,
		symbol:  strings.TrimSpace(printer.Sprint(currency.NarrowSymbol(unit))),
	}, nil
}

// Currency returns the ISO code of the configured currency.
func (f *Formatter) Currency() string {
	return f.unit.String()
}

// Money renders amount rounded half-up to two decimals with the currency symbol and locale grouping.
func (f *Formatter) Money(amount decimal.Decimal) string {
	rounded := amount.Round(2)
	value, _ := rounded.Abs().Float64()
	digits := f.printer.Sprint(number.Decimal(value, number.Scale(2)))
	if rounded.IsNegative() {
		return "-" + f.symbol + digits
	}
	return f.symbol + digits
}

// Date formats t in a locale-friendly short form.
func (f *Formatter) Date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	base, _ := f.tag.Base()
	switch base.String() {
	case "ja", "zh", "ko":
		return t.Format("2006-01-02")
	case "en":
		if region, _ := f.tag.Region(); region.String() == "US" {
			return t.Format("Jan 2, 2006")
		}
		return t.Format("2 Jan 2006")
	default:
		return t.Format("02.01.2006")
	}
}
