package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jmather/receipt-ledger/internal/receipt"
)

// squareSignatureHeader carries the base64 HMAC-SHA256 signature Square
// computes over the notification URL concatenated with the raw body
const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

// Square normalizes Square webhook deliveries and enriches receipts with
// order and catalog detail from the Square API
type Square struct {
	accessToken     string
	signatureKey    string
	notificationURL string
	baseURL         string
	client          *http.Client
}

// NewSquare creates a Square provider. An empty signatureKey disables
// signature verification; an empty accessToken disables enrichment.
func NewSquare(accessToken, signatureKey, notificationURL, baseURL string) *Square {
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	return &Square{
		accessToken:     accessToken,
		signatureKey:    signatureKey,
		notificationURL: notificationURL,
		baseURL:         baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type squareEnvelope struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID          string       `json:"id"`
	OrderID     string       `json:"order_id"`
	Status      string       `json:"status"`
	CreatedAt   string       `json:"created_at"`
	AmountMoney *squareMoney `json:"amount_money"`
}

type squareOrderRef struct {
	OrderID   string `json:"order_id"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

// Normalize verifies and parses a Square webhook payload
func (s *Square) Normalize(body []byte, header http.Header) (receipt.NormalizedEvent, error) {
	if s.signatureKey != "" {
		if !s.verifySignature(body, header.Get(squareSignatureHeader)) {
			return receipt.NormalizedEvent{}, fmt.Errorf("%w: square hmac mismatch", receipt.ErrBadSignature)
		}
	}

	var envelope squareEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ignorable(receipt.MerchantSquare), nil
	}

	switch envelope.Type {
	case "payment.created", "payment.updated":
		return s.normalizePayment(envelope, body)
	case "order.created", "order.updated":
		return s.normalizeOrder(envelope, body)
	default:
		return ignorable(receipt.MerchantSquare), nil
	}
}

// verifySignature computes HMAC-SHA256 over notification URL + raw body and
// compares in constant time against the header value
func (s *Square) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(s.signatureKey))
	mac.Write([]byte(s.notificationURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Square) normalizePayment(envelope squareEnvelope, body []byte) (receipt.NormalizedEvent, error) {
	var object struct {
		Payment *squarePayment `json:"payment"`
	}
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil || object.Payment == nil {
		return ignorable(receipt.MerchantSquare), nil
	}
	payment := object.Payment

	kind := receipt.EventPaymentCreated
	if envelope.Type == "payment.updated" {
		kind = receipt.EventPaymentUpdated
	}

	fragment := receipt.Fragment{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		EventType: envelope.Type,
		Raw:       string(body),
	}
	if payment.AmountMoney != nil {
		amount := payment.AmountMoney.Amount
		fragment.TotalMinor = &amount
		fragment.Currency = payment.AmountMoney.Currency
	}
	if ts, ok := parseSquareTime(payment.CreatedAt); ok {
		fragment.Timestamp = &ts
	}

	return receipt.NormalizedEvent{
		Merchant: receipt.MerchantSquare,
		Kind:     kind,
		EventID:  envelope.EventID,
		Fragment: fragment,
	}, nil
}

func (s *Square) normalizeOrder(envelope squareEnvelope, body []byte) (receipt.NormalizedEvent, error) {
	// order.created and order.updated wrap the reference under different keys
	var object map[string]squareOrderRef
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return ignorable(receipt.MerchantSquare), nil
	}
	var ref squareOrderRef
	for _, candidate := range object {
		if candidate.OrderID != "" {
			ref = candidate
			break
		}
	}
	if ref.OrderID == "" {
		return ignorable(receipt.MerchantSquare), nil
	}

	fragment := receipt.Fragment{
		OrderID:   ref.OrderID,
		EventType: envelope.Type,
		Raw:       string(body),
	}
	if ts, ok := parseSquareTime(ref.CreatedAt); ok {
		fragment.Timestamp = &ts
	}

	return receipt.NormalizedEvent{
		Merchant: receipt.MerchantSquare,
		Kind:     receipt.EventOrderUpdated,
		EventID:  envelope.EventID,
		Fragment: fragment,
	}, nil
}

func parseSquareTime(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

type squareLineItem struct {
	CatalogObjectID string       `json:"catalog_object_id"`
	Name            string       `json:"name"`
	Quantity        string       `json:"quantity"` // Square sends quantities as strings
	BasePriceMoney  *squareMoney `json:"base_price_money"`
}

type squareOrder struct {
	ID         string           `json:"id"`
	CreatedAt  string           `json:"created_at"`
	LineItems  []squareLineItem `json:"line_items"`
	TotalMoney *squareMoney     `json:"total_money"`
}

// Enrich fetches full order detail for the fragment's order and resolves
// catalog names for line items that lack one. The catalog lookup is
// best-effort on top of a best-effort call.
func (s *Square) Enrich(ctx context.Context, fragment *receipt.Fragment) error {
	if s.accessToken == "" {
		return fmt.Errorf("square access token not configured")
	}
	if fragment.OrderID == "" {
		return fmt.Errorf("fragment has no order id")
	}

	order, err := s.retrieveOrder(ctx, fragment.OrderID)
	if err != nil {
		return err
	}

	items := make([]receipt.LineItem, 0, len(order.LineItems))
	var missing []string
	for _, li := range order.LineItems {
		quantity, err := strconv.ParseInt(li.Quantity, 10, 64)
		if err != nil || quantity <= 0 {
			quantity = 1
		}
		item := receipt.LineItem{
			SKU:      li.CatalogObjectID,
			Name:     li.Name,
			Quantity: quantity,
		}
		if li.BasePriceMoney != nil {
			item.UnitPrice = float64(li.BasePriceMoney.Amount) / 100
		}
		if item.Name == "" && item.SKU != "" {
			missing = append(missing, item.SKU)
		}
		items = append(items, item)
	}

	if len(missing) > 0 {
		names, err := s.batchRetrieveCatalog(ctx, missing)
		if err != nil {
			slog.Warn("Catalog lookup failed, keeping unnamed line items", "order_id", fragment.OrderID, "error", err)
		} else {
			for i := range items {
				if items[i].Name == "" {
					items[i].Name = names[items[i].SKU]
				}
			}
		}
	}

	if len(items) > 0 {
		fragment.Items = items
	}
	if order.TotalMoney != nil && order.TotalMoney.Amount > 0 {
		amount := order.TotalMoney.Amount
		fragment.TotalMinor = &amount
		if order.TotalMoney.Currency != "" {
			fragment.Currency = order.TotalMoney.Currency
		}
	}
	if fragment.Timestamp == nil {
		if ts, ok := parseSquareTime(order.CreatedAt); ok {
			fragment.Timestamp = &ts
		}
	}
	return nil
}

// retrieveOrder fetches one order by ID
func (s *Square) retrieveOrder(ctx context.Context, orderID string) (*squareOrder, error) {
	url := fmt.Sprintf("%s/v2/orders/%s", s.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling square orders API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("square orders API error (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Order *squareOrder `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding order response: %w", err)
	}
	if payload.Order == nil {
		return nil, fmt.Errorf("square returned no order for %s", orderID)
	}
	return payload.Order, nil
}

// batchRetrieveCatalog resolves catalog object IDs to display names
func (s *Square) batchRetrieveCatalog(ctx context.Context, objectIDs []string) (map[string]string, error) {
	reqBody, err := json.Marshal(map[string]any{"object_ids": objectIDs})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v2/catalog/batch-retrieve", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling square catalog API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("square catalog API error (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Objects []struct {
			ID       string `json:"id"`
			ItemData *struct {
				Name string `json:"name"`
			} `json:"item_data"`
			ItemVariationData *struct {
				Name string `json:"name"`
			} `json:"item_variation_data"`
		} `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}

	names := make(map[string]string, len(payload.Objects))
	for _, object := range payload.Objects {
		switch {
		case object.ItemData != nil && object.ItemData.Name != "":
			names[object.ID] = object.ItemData.Name
		case object.ItemVariationData != nil && object.ItemVariationData.Name != "":
			names[object.ID] = object.ItemVariationData.Name
		}
	}
	return names, nil
}
