package receipt

import "time"

// Merchant identifies the payment provider a receipt came from
type Merchant string

const (
	MerchantStripe Merchant = "stripe"
	MerchantSquare Merchant = "square"
)

// DefaultUserID is used when a provider event carries no identity signal
const DefaultUserID = "demo_user"

// LineItem is a single itemized entry on a receipt
type LineItem struct {
	SKU       string  `json:"sku,omitempty"`
	Name      string  `json:"name"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"` // Major currency units
}

// Receipt is the canonical record for one real-world transaction,
// converged from however many webhook deliveries described it
type Receipt struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Merchant  Merchant          `json:"merchant"`
	PaymentID string            `json:"payment_id,omitempty"`
	OrderID   string            `json:"order_id,omitempty"`
	Currency  string            `json:"currency"`
	Total     float64           `json:"total"` // Major currency units
	Timestamp int64             `json:"timestamp"`
	Items     []LineItem        `json:"items"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Items != nil {
		clone.Items = make([]LineItem, len(r.Items))
		copy(clone.Items, r.Items)
	}
	if r.Meta != nil {
		clone.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}

// EventKind classifies a normalized webhook event
type EventKind int

const (
	// EventIgnored is the sentinel for unknown/irrelevant/malformed payloads.
	// It short-circuits the pipeline with a success acknowledgment.
	EventIgnored EventKind = iota
	EventPaymentCreated
	EventPaymentUpdated
	EventOrderUpdated
)

// CanCreate reports whether this event kind may seed a new receipt when no
// existing receipt matches
func (k EventKind) CanCreate() bool {
	return k == EventPaymentCreated || k == EventOrderUpdated
}

// Fragment carries the subset of receipt fields one webhook event can supply.
// Pointer fields distinguish "absent" from a legitimate zero value.
type Fragment struct {
	PaymentID  string
	OrderID    string
	UserID     string
	Currency   string
	TotalMinor *int64 // Minor currency units from the wire
	Timestamp  *int64 // Epoch seconds
	Items      []LineItem
	EventType  string // Provider-specific event type, for meta bookkeeping
	Raw        string // Raw upstream payload, for debugging
}

// NormalizedEvent is the provider-independent shape every webhook payload is
// reduced to before it enters the reconciliation pipeline
type NormalizedEvent struct {
	Merchant Merchant
	Kind     EventKind
	EventID  string // Empty means the event bypasses dedupe
	Fragment Fragment
}
