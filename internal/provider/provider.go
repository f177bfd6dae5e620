// Package provider holds the payment-provider integrations: webhook payload
// normalizers and the best-effort enrichment clients that fetch order and
// catalog detail the webhooks themselves omit.
package provider

import "github.com/jmather/receipt-ledger/internal/receipt"

// ignorable is the sentinel event for payloads the pipeline should
// acknowledge without effect
func ignorable(merchant receipt.Merchant) receipt.NormalizedEvent {
	return receipt.NormalizedEvent{Merchant: merchant, Kind: receipt.EventIgnored}
}
