package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates UUID receipt IDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Enricher fetches supplementary order/catalog detail from a provider API
// and fills it into the fragment. Best-effort: a failure leaves the fragment
// as delivered.
type Enricher interface {
	Enrich(ctx context.Context, fragment *Fragment) error
}

// Outcome describes what processing one event did to the store
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeNoMatch   Outcome = "no_match"
)

// Result is the outcome of processing one normalized event
type Result struct {
	Outcome Outcome
	Receipt *Receipt // nil unless Outcome is created or updated
}

// DefaultEnrichTimeout bounds a single enrichment call. No retry inside the
// webhook handler; the provider redelivers on real failures.
const DefaultEnrichTimeout = 5 * time.Second

// Service is the reconciliation engine: dedupe gate, matcher, enrichment,
// merge policy and store, serialized per identity key
type Service struct {
	store         Store
	ledger        Ledger
	matcher       *Matcher
	enrichers     map[Merchant]Enricher
	idGenerator   IDGenerator
	timeSource    TimeSource
	enrichTimeout time.Duration
	locks         keyedLocks
}

// NewService creates a Service with default ID generator and time source
func NewService(store Store, ledger Ledger, enrichers map[Merchant]Enricher) *Service {
	return NewServiceWithDeps(store, ledger, enrichers, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(store Store, ledger Ledger, enrichers map[Merchant]Enricher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:         store,
		ledger:        ledger,
		matcher:       NewMatcher(store, ledger),
		enrichers:     enrichers,
		idGenerator:   idGen,
		timeSource:    timeSrc,
		enrichTimeout: DefaultEnrichTimeout,
	}
}

// SetFallbackPolicy replaces the matcher's fallback rule
func (s *Service) SetFallbackPolicy(p FallbackPolicy) {
	s.matcher = NewMatcherWithFallback(s.store, s.ledger, p)
}

// SetEnrichTimeout overrides the per-call enrichment timeout
func (s *Service) SetEnrichTimeout(d time.Duration) {
	s.enrichTimeout = d
}

// lockKey derives the serialization key for an event: merchant plus the
// strongest identity key the fragment carries
func lockKey(ev NormalizedEvent) string {
	switch {
	case ev.Fragment.PaymentID != "":
		return string(ev.Merchant) + "|p|" + ev.Fragment.PaymentID
	case ev.Fragment.OrderID != "":
		return string(ev.Merchant) + "|o|" + ev.Fragment.OrderID
	case ev.EventID != "":
		return string(ev.Merchant) + "|e|" + ev.EventID
	default:
		return string(ev.Merchant)
	}
}

// Process runs one normalized event through the pipeline:
// dedupe check, match, enrich, merge, store. The whole sequence is a
// critical section per (merchant, identity key) so two concurrent deliveries
// for the same transaction cannot both create a receipt.
func (s *Service) Process(ctx context.Context, ev NormalizedEvent) (Result, error) {
	if ev.Kind == EventIgnored {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	unlock := s.locks.lock(lockKey(ev))
	defer unlock()

	if ev.EventID != "" {
		seen, err := s.ledger.HasSeen(ev.EventID)
		if err != nil {
			return Result{}, fmt.Errorf("checking dedupe ledger: %w", err)
		}
		if seen {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	fragment := ev.Fragment
	enriched, enrichErr := s.enrich(ctx, ev.Merchant, &fragment)

	merge := func(r *Receipt) error {
		MergeFragment(r, fragment, s.timeSource.Now())
		if ev.EventID != "" {
			r.Meta[metaLastEventID] = ev.EventID
		}
		if enriched {
			r.Meta[MetaEnriched] = strconv.FormatBool(enrichErr == nil)
		}
		return nil
	}

	match, err := s.matcher.Match(NormalizedEvent{
		Merchant: ev.Merchant,
		Kind:     ev.Kind,
		EventID:  ev.EventID,
		Fragment: fragment,
	})
	if err != nil {
		return Result{}, fmt.Errorf("matching event: %w", err)
	}

	result := Result{Outcome: OutcomeNoMatch}
	switch {
	case match.Receipt != nil:
		updated, err := s.store.UpdateReceipt(match.Receipt.ID, merge)
		if err != nil {
			return Result{}, fmt.Errorf("updating receipt %s: %w", match.Receipt.ID, err)
		}
		result = Result{Outcome: OutcomeUpdated, Receipt: updated}
	case match.Create:
		created, err := s.create(ev, merge)
		if err != nil {
			return Result{}, err
		}
		result = created
	}

	if err := s.record(ev, fragment, result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// create seeds a new receipt from the event. A duplicate-key conflict from
// the store means another path already created the receipt; fall back to a
// fresh match and update instead.
func (s *Service) create(ev NormalizedEvent, merge func(*Receipt) error) (Result, error) {
	now := s.timeSource.Now()
	seed := &Receipt{
		ID:        s.idGenerator.Generate(),
		UserID:    DefaultUserID,
		Merchant:  ev.Merchant,
		Meta:      make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := merge(seed); err != nil {
		return Result{}, err
	}

	err := s.store.CreateReceipt(seed)
	if err == nil {
		return Result{Outcome: OutcomeCreated, Receipt: seed}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return Result{}, fmt.Errorf("creating receipt: %w", err)
	}

	match, merr := s.matcher.Match(ev)
	if merr != nil {
		return Result{}, fmt.Errorf("re-matching after create conflict: %w", merr)
	}
	if match.Receipt == nil {
		return Result{}, fmt.Errorf("creating receipt: %w", err)
	}
	updated, uerr := s.store.UpdateReceipt(match.Receipt.ID, merge)
	if uerr != nil {
		return Result{}, fmt.Errorf("updating receipt %s after create conflict: %w", match.Receipt.ID, uerr)
	}
	return Result{Outcome: OutcomeUpdated, Receipt: updated}, nil
}

// record writes the dedupe ledger entries once the event has taken effect
func (s *Service) record(ev NormalizedEvent, fragment Fragment, result Result) error {
	if ev.EventID != "" {
		if err := s.ledger.MarkSeen(ev.EventID); err != nil {
			return fmt.Errorf("marking event seen: %w", err)
		}
	}
	if fragment.OrderID != "" && result.Receipt != nil {
		if err := s.ledger.MarkOrder(ev.Merchant, fragment.OrderID); err != nil {
			return fmt.Errorf("marking order seen: %w", err)
		}
	}
	return nil
}

// enrich fills missing itemization into the fragment from the provider API.
// Returns whether an enrichment call was attempted and its error, which is
// never fatal: the pipeline proceeds with whatever the webhook carried.
func (s *Service) enrich(ctx context.Context, merchant Merchant, fragment *Fragment) (bool, error) {
	enricher, ok := s.enrichers[merchant]
	if !ok || len(fragment.Items) > 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.enrichTimeout)
	defer cancel()

	if err := enricher.Enrich(ctx, fragment); err != nil {
		slog.Warn("Enrichment failed, proceeding with webhook data",
			"merchant", merchant,
			"payment_id", fragment.PaymentID,
			"order_id", fragment.OrderID,
			"error", err,
		)
		return true, err
	}
	return true, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	r, err := s.store.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return r, nil
}

// ListReceipts returns all receipts, optionally filtered by user ID
func (s *Service) ListReceipts(userID string) ([]*Receipt, error) {
	receipts, err := s.store.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	if userID == "" {
		return receipts, nil
	}
	filtered := make([]*Receipt, 0, len(receipts))
	for _, r := range receipts {
		if r.UserID == userID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// keyedLocks serializes work per string key. Entries are retained for the
// process lifetime; cardinality is bounded by the number of distinct
// transaction keys seen.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.held == nil {
		k.held = make(map[string]*sync.Mutex)
	}
	m, ok := k.held[key]
	if !ok {
		m = &sync.Mutex{}
		k.held[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
