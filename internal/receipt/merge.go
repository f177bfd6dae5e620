package receipt

import (
	"strings"
	"time"
)

// Meta keys written by the merge policy
const (
	metaLastEventType = "last_event_type"
	metaLastEventID   = "last_event_id"
	metaRaw           = "raw"
	// MetaEnriched records whether the last enrichment attempt for this
	// receipt succeeded ("true"/"false")
	MetaEnriched = "enriched"
)

// MergeFragment applies the field-level merge policy to a receipt in place.
//
// Rules:
//   - items are replaced wholesale iff the incoming list is non-empty
//   - total is replaced iff the incoming value is strictly positive
//   - currency is replaced iff the incoming value is non-empty
//   - timestamp is last-write-wins whenever the incoming value is present;
//     there is no ordering check against the stored value, so a delayed
//     "created" event can overwrite a newer timestamp with an older one
//   - payment_id and order_id are set iff currently unset, never cleared
//   - meta keys shallow-merge, incoming keys overwrite same-named ones
func MergeFragment(r *Receipt, f Fragment, now time.Time) {
	if len(f.Items) > 0 {
		items := make([]LineItem, len(f.Items))
		copy(items, f.Items)
		r.Items = items
	}
	if f.TotalMinor != nil && *f.TotalMinor > 0 {
		r.Total = float64(*f.TotalMinor) / 100
	}
	if f.Currency != "" {
		r.Currency = strings.ToUpper(f.Currency)
	}
	if f.Timestamp != nil {
		r.Timestamp = *f.Timestamp
	}
	if r.PaymentID == "" && f.PaymentID != "" {
		r.PaymentID = f.PaymentID
	}
	if r.OrderID == "" && f.OrderID != "" {
		r.OrderID = f.OrderID
	}
	if f.UserID != "" && (r.UserID == "" || r.UserID == DefaultUserID) {
		r.UserID = f.UserID
	}
	if r.Meta == nil {
		r.Meta = make(map[string]string)
	}
	if f.EventType != "" {
		r.Meta[metaLastEventType] = f.EventType
	}
	if f.Raw != "" {
		r.Meta[metaRaw] = f.Raw
	}
	r.UpdatedAt = now
}
