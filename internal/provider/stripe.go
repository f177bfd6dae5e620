package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/jmather/receipt-ledger/internal/receipt"
)

// Stripe normalizes Stripe webhook deliveries and enriches receipts with
// checkout line items from the Stripe API. Only checkout.session.completed
// is consumed; every other event kind is acknowledged without effect.
type Stripe struct {
	webhookSecret string
	api           *client.API
}

// NewStripe creates a Stripe provider. An empty webhookSecret disables
// signature verification; an empty apiKey disables enrichment.
func NewStripe(apiKey, webhookSecret string) *Stripe {
	var api *client.API
	if apiKey != "" {
		api = &client.API{}
		api.Init(apiKey, nil)
	}
	return &Stripe{webhookSecret: webhookSecret, api: api}
}

// Normalize verifies and parses a Stripe webhook payload
func (s *Stripe) Normalize(body []byte, header http.Header) (receipt.NormalizedEvent, error) {
	var event stripego.Event
	if s.webhookSecret != "" {
		verified, err := webhook.ConstructEvent(body, header.Get("Stripe-Signature"), s.webhookSecret)
		if err != nil {
			return receipt.NormalizedEvent{}, fmt.Errorf("%w: %v", receipt.ErrBadSignature, err)
		}
		event = verified
	} else if err := json.Unmarshal(body, &event); err != nil {
		return ignorable(receipt.MerchantStripe), nil
	}

	if event.Type != "checkout.session.completed" || event.Data == nil {
		return ignorable(receipt.MerchantStripe), nil
	}

	var session stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return ignorable(receipt.MerchantStripe), nil
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = receipt.DefaultUserID
	}
	currency := string(session.Currency)
	if currency == "" {
		currency = "usd"
	}
	paymentID := ""
	if session.PaymentIntent != nil {
		paymentID = session.PaymentIntent.ID
	}
	total := session.AmountTotal
	created := session.Created

	return receipt.NormalizedEvent{
		Merchant: receipt.MerchantStripe,
		Kind:     receipt.EventPaymentCreated,
		EventID:  event.ID,
		Fragment: receipt.Fragment{
			PaymentID:  paymentID,
			OrderID:    session.ID, // Checkout session ID is the order-level key
			UserID:     userID,
			Currency:   strings.ToUpper(currency),
			TotalMinor: &total,
			Timestamp:  &created,
			EventType:  event.Type,
			Raw:        string(body),
		},
	}, nil
}

// Enrich pulls itemized line items for the fragment's checkout session
func (s *Stripe) Enrich(ctx context.Context, fragment *receipt.Fragment) error {
	if s.api == nil {
		return fmt.Errorf("stripe api key not configured")
	}
	if fragment.OrderID == "" {
		return fmt.Errorf("fragment has no checkout session id")
	}

	params := &stripego.CheckoutSessionListLineItemsParams{
		Session: stripego.String(fragment.OrderID),
	}
	params.Context = ctx

	var items []receipt.LineItem
	iter := s.api.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		li := iter.LineItem()
		item := receipt.LineItem{
			Name:     li.Description,
			Quantity: li.Quantity,
		}
		if li.Price != nil {
			item.UnitPrice = float64(li.Price.UnitAmount) / 100
			if li.Price.Product != nil {
				item.SKU = li.Price.Product.ID
			}
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("listing line items for session %s: %w", fragment.OrderID, err)
	}

	if len(items) > 0 {
		fragment.Items = items
	}
	return nil
}
