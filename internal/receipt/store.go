package receipt

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by store lookups that match no receipt
var ErrNotFound = errors.New("receipt not found")

// ErrDuplicateKey is returned by CreateReceipt when a receipt already exists
// for the seed's strong key. Callers fall back to update-on-conflict.
var ErrDuplicateKey = errors.New("receipt already exists for key")

// Store defines the interface for receipt persistence. Creation is
// append-only; receipts are never deleted.
type Store interface {
	// CreateReceipt appends a new receipt. Returns ErrDuplicateKey if a
	// receipt already exists for the same (merchant, payment_id) or
	// (merchant, order_id).
	CreateReceipt(r *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// FindByPaymentID looks up the receipt for a provider payment identifier
	FindByPaymentID(merchant Merchant, paymentID string) (*Receipt, error)

	// FindByOrderID looks up the receipt linked to a provider order identifier
	FindByOrderID(merchant Merchant, orderID string) (*Receipt, error)

	// MostRecent returns the most recently created receipt for a merchant
	MostRecent(merchant Merchant) (*Receipt, error)

	// UpdateReceipt applies mutate to the stored receipt and persists the
	// result, returning the updated state
	UpdateReceipt(id string, mutate func(*Receipt) error) (*Receipt, error)

	// ListReceipts returns all receipts in creation order
	ListReceipts() ([]*Receipt, error)

	// Close releases any underlying resources
	Close() error
}

func indexKey(merchant Merchant, id string) string {
	return string(merchant) + "|" + id
}

// MemoryStore implements Store with in-process maps, indexed by
// (merchant, payment_id) and (merchant, order_id)
type MemoryStore struct {
	mu        sync.RWMutex
	receipts  map[string]*Receipt
	created   []string // Receipt IDs in creation order
	byPayment map[string]string
	byOrder   map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:  make(map[string]*Receipt),
		byPayment: make(map[string]string),
		byOrder:   make(map[string]string),
	}
}

// CreateReceipt appends a new receipt
func (s *MemoryStore) CreateReceipt(r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.PaymentID != "" {
		if _, ok := s.byPayment[indexKey(r.Merchant, r.PaymentID)]; ok {
			return ErrDuplicateKey
		}
	}
	if r.OrderID != "" {
		if _, ok := s.byOrder[indexKey(r.Merchant, r.OrderID)]; ok {
			return ErrDuplicateKey
		}
	}

	s.receipts[r.ID] = r.Clone()
	s.created = append(s.created, r.ID)
	s.indexLocked(r)
	return nil
}

// indexLocked refreshes the key indexes for a receipt. Caller holds the lock.
func (s *MemoryStore) indexLocked(r *Receipt) {
	if r.PaymentID != "" {
		s.byPayment[indexKey(r.Merchant, r.PaymentID)] = r.ID
	}
	if r.OrderID != "" {
		s.byOrder[indexKey(r.Merchant, r.OrderID)] = r.ID
	}
}

// GetReceipt retrieves a receipt by ID
func (s *MemoryStore) GetReceipt(id string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// FindByPaymentID looks up the receipt for a provider payment identifier
func (s *MemoryStore) FindByPaymentID(merchant Merchant, paymentID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPayment[indexKey(merchant, paymentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.receipts[id].Clone(), nil
}

// FindByOrderID looks up the receipt linked to a provider order identifier
func (s *MemoryStore) FindByOrderID(merchant Merchant, orderID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[indexKey(merchant, orderID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.receipts[id].Clone(), nil
}

// MostRecent returns the most recently created receipt for a merchant
func (s *MemoryStore) MostRecent(merchant Merchant) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.created) - 1; i >= 0; i-- {
		r := s.receipts[s.created[i]]
		if r.Merchant == merchant {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateReceipt applies mutate to a copy of the stored receipt and swaps the
// result in, so readers never observe a partially merged state
func (s *MemoryStore) UpdateReceipt(id string, mutate func(*Receipt) error) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := stored.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	s.receipts[id] = updated
	s.indexLocked(updated)
	return updated.Clone(), nil
}

// ListReceipts returns all receipts in creation order
func (s *MemoryStore) ListReceipts() ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	receipts := make([]*Receipt, 0, len(s.created))
	for _, id := range s.created {
		receipts = append(receipts, s.receipts[id].Clone())
	}
	return receipts, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
