package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, code int, body any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleWebhook builds the handler for one provider's webhook endpoint.
// Contract with the upstream provider: 401 on a failed signature check,
// otherwise always acknowledge with 200 so redelivery stops. A processing
// failure is logged, never surfaced as an error status.
func (s *Server) handleWebhook(merchant Merchant, normalizer Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if normalizer == nil {
			corsError(w, "Webhook not configured", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			slog.Error("Error reading webhook body", "merchant", merchant, "error", err)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		event, err := normalizer.Normalize(body, r.Header)
		if err != nil {
			if errors.Is(err, ErrBadSignature) {
				slog.Warn("Rejected webhook with bad signature", "merchant", merchant)
				corsError(w, "Invalid signature", http.StatusUnauthorized)
				return
			}
			slog.Error("Error normalizing webhook", "merchant", merchant, "error", err)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		result, err := s.service.Process(r.Context(), event)
		if err != nil {
			slog.Error("Error processing webhook event",
				"merchant", merchant,
				"event_id", event.EventID,
				"error", err,
			)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		resp := map[string]any{"ok": true}
		switch result.Outcome {
		case OutcomeIgnored, OutcomeNoMatch:
			resp["ignored"] = true
		case OutcomeDuplicate:
			resp["deduplicated"] = true
		case OutcomeCreated, OutcomeUpdated:
			resp["receipt_id"] = result.Receipt.ID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleListTransactions returns all receipts, optionally filtered by user
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.URL.Query().Get("user_id"))
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Ensure we always return an array, not nil
	if receipts == nil {
		receipts = []*Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetTransaction returns a single receipt
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	receipt, err := s.service.GetReceipt(id)
	if err != nil {
		corsError(w, "Receipt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleHealth is the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
