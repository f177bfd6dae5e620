package receipt

import (
	"errors"
	"fmt"
)

// Match is the matcher's decision for one normalized event
type Match struct {
	// Receipt is the existing receipt the event should merge into, or nil
	Receipt *Receipt
	// Create instructs the caller to seed a new receipt from the fragment.
	// When both Receipt is nil and Create is false the event is a no-op.
	Create bool
}

// FallbackPolicy decides which receipt a keyless (or order-only, unmatched)
// event merges into. Returning nil, nil means no fallback match.
type FallbackPolicy func(store Store, merchant Merchant) (*Receipt, error)

// FallbackMostRecent matches the most recently created receipt for the
// merchant. This is a best-effort heuristic for providers whose events do not
// always carry a shared key; it can mismatch under concurrent unrelated
// orders. Known accuracy limitation, kept deliberately.
func FallbackMostRecent(store Store, merchant Merchant) (*Receipt, error) {
	r, err := store.MostRecent(merchant)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// Matcher selects the receipt an incoming event belongs to
type Matcher struct {
	store    Store
	ledger   Ledger
	fallback FallbackPolicy
}

// NewMatcher creates a Matcher with the most-recent-receipt fallback policy
func NewMatcher(store Store, ledger Ledger) *Matcher {
	return NewMatcherWithFallback(store, ledger, FallbackMostRecent)
}

// NewMatcherWithFallback creates a Matcher with a custom fallback policy.
// A nil policy disables fallback matching entirely.
func NewMatcherWithFallback(store Store, ledger Ledger, fallback FallbackPolicy) *Matcher {
	return &Matcher{store: store, ledger: ledger, fallback: fallback}
}

// Match applies the selection rules in order: payment_id lookup, order_id
// lookup, fallback policy, then create-or-no-op depending on the event kind.
func (m *Matcher) Match(ev NormalizedEvent) (Match, error) {
	f := ev.Fragment

	if f.PaymentID != "" {
		r, err := m.store.FindByPaymentID(ev.Merchant, f.PaymentID)
		if err == nil {
			return Match{Receipt: r}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Match{}, fmt.Errorf("looking up payment %s: %w", f.PaymentID, err)
		}
	}

	if f.OrderID != "" {
		r, err := m.store.FindByOrderID(ev.Merchant, f.OrderID)
		if err == nil {
			return Match{Receipt: r}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Match{}, fmt.Errorf("looking up order %s: %w", f.OrderID, err)
		}
	}

	// No strong key matched. Events without a payment_id fall back to the
	// merchant's most recent receipt when one exists.
	if f.PaymentID == "" && m.fallback != nil {
		r, err := m.fallback(m.store, ev.Merchant)
		if err != nil {
			return Match{}, fmt.Errorf("fallback match: %w", err)
		}
		if r != nil {
			return Match{Receipt: r}, nil
		}
	}

	if !ev.Kind.CanCreate() {
		return Match{}, nil
	}

	// Never create a second receipt for an order_id already bound to one,
	// even when no receipt object is currently locatable by index. Covers
	// the race between concurrent handlers for the same order.
	if f.PaymentID == "" && f.OrderID != "" {
		bound, err := m.ledger.HasOrder(ev.Merchant, f.OrderID)
		if err != nil {
			return Match{}, fmt.Errorf("checking order guard: %w", err)
		}
		if bound {
			return Match{}, nil
		}
	}

	return Match{Create: true}, nil
}
