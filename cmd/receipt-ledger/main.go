package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/jmather/receipt-ledger/internal/provider"
	"github.com/jmather/receipt-ledger/internal/receipt"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "", "Database file path (empty for in-memory storage)")
		stripeAPIKey    = fs.StringLong("stripe-api-key", "", "Stripe secret API key, enables line item enrichment")
		stripeSecret    = fs.StringLong("stripe-webhook-secret", "", "Stripe webhook signing secret, enables signature verification")
		squareToken     = fs.StringLong("square-token", "", "Square access token, enables order enrichment")
		squareSignKey   = fs.StringLong("square-signature-key", "", "Square webhook signature key, enables signature verification")
		squareNotifyURL = fs.StringLong("square-notification-url", "", "Square webhook notification URL (required for signature verification)")
		squareBaseURL   = fs.StringLong("square-url", "https://connect.squareup.com", "Square API base URL")
		enrichTimeout   = fs.DurationLong("enrich-timeout", receipt.DefaultEnrichTimeout, "Timeout for a single enrichment call")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize store and dedupe ledger
	var (
		store  receipt.Store
		ledger receipt.Ledger
	)
	if *dbPath != "" {
		slog.Info("Initializing database...", "path", *dbPath)
		db, err := receipt.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store, ledger = db, db
	} else {
		slog.Info("Using in-memory storage")
		store = receipt.NewMemoryStore()
		ledger = receipt.NewMemoryLedger()
	}

	// Initialize providers
	stripe := provider.NewStripe(*stripeAPIKey, *stripeSecret)
	square := provider.NewSquare(*squareToken, *squareSignKey, *squareNotifyURL, *squareBaseURL)

	enrichers := make(map[receipt.Merchant]receipt.Enricher)
	if *stripeAPIKey != "" {
		enrichers[receipt.MerchantStripe] = stripe
	} else {
		slog.Warn("Stripe API key not set, receipts will not be itemized")
	}
	if *squareToken != "" {
		enrichers[receipt.MerchantSquare] = square
	} else {
		slog.Warn("Square access token not set, Square receipts will not be itemized")
	}

	// Initialize reconciliation service
	service := receipt.NewService(store, ledger, enrichers)
	service.SetEnrichTimeout(*enrichTimeout)

	// Initialize server
	server := receipt.NewServer(service, stripe, square)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *stripeSecret != "" {
		slog.Info("Stripe webhook signature verification enabled")
	}
	if *squareSignKey != "" {
		slog.Info("Square webhook signature verification enabled")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
