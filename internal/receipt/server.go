package receipt

import (
	"errors"
	"log/slog"
	"net/http"
)

// ErrBadSignature is returned by a Normalizer when webhook signature
// verification is configured and fails
var ErrBadSignature = errors.New("invalid webhook signature")

// Normalizer converts a raw provider webhook delivery into a NormalizedEvent.
// Unknown kinds and malformed payloads normalize to an ignorable event with a
// nil error; only a signature failure is an error.
type Normalizer interface {
	Normalize(body []byte, header http.Header) (NormalizedEvent, error)
}

// Server handles HTTP requests: inbound webhooks and the query surface
type Server struct {
	service *Service
	stripe  Normalizer
	square  Normalizer
	mux     *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, stripe, square Normalizer) *Server {
	return NewServerWithMux(service, stripe, square, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, stripe, square Normalizer, mux *http.ServeMux) *Server {
	s := &Server{
		service: service,
		stripe:  stripe,
		square:  square,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	// Inbound webhooks
	s.mux.HandleFunc("POST /webhooks/stripe", s.handleWebhook(MerchantStripe, s.stripe))
	s.mux.HandleFunc("POST /webhooks/square", s.handleWebhook(MerchantSquare, s.square))

	// Query surface (most specific paths first)
	s.mux.HandleFunc("GET /api/transactions/{id}", s.handleGetTransaction)
	s.mux.HandleFunc("GET /api/transactions", s.handleListTransactions)

	// Health check
	s.mux.HandleFunc("GET /", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	// Wrap the mux with CORS middleware to handle all requests including OPTIONS
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
