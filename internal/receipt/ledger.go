package receipt

import "sync"

// Ledger is the dedupe ledger: the set of already-processed provider event
// identifiers, plus the set of order identifiers already bound to a receipt.
// The order set guards against an order-only event creating a second receipt
// for an order that a concurrent handler just recorded.
type Ledger interface {
	// HasSeen reports whether an event identifier was already processed
	HasSeen(eventID string) (bool, error)

	// MarkSeen records an event identifier as processed
	MarkSeen(eventID string) error

	// HasOrder reports whether an order identifier is already bound to a receipt
	HasOrder(merchant Merchant, orderID string) (bool, error)

	// MarkOrder records an order identifier as bound to a receipt
	MarkOrder(merchant Merchant, orderID string) error

	// Close releases any underlying resources
	Close() error
}

// MemoryLedger implements Ledger with in-process sets
type MemoryLedger struct {
	mu     sync.Mutex
	events map[string]struct{}
	orders map[string]struct{}
}

// NewMemoryLedger creates an empty MemoryLedger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[string]struct{}),
		orders: make(map[string]struct{}),
	}
}

// HasSeen reports whether an event identifier was already processed
func (l *MemoryLedger) HasSeen(eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.events[eventID]
	return ok, nil
}

// MarkSeen records an event identifier as processed
func (l *MemoryLedger) MarkSeen(eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[eventID] = struct{}{}
	return nil
}

// HasOrder reports whether an order identifier is already bound to a receipt
func (l *MemoryLedger) HasOrder(merchant Merchant, orderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.orders[indexKey(merchant, orderID)]
	return ok, nil
}

// MarkOrder records an order identifier as bound to a receipt
func (l *MemoryLedger) MarkOrder(merchant Merchant, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[indexKey(merchant, orderID)] = struct{}{}
	return nil
}

// Close is a no-op for the in-memory ledger
func (l *MemoryLedger) Close() error {
	return nil
}
