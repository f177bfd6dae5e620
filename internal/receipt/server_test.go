package receipt

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// stubNormalizer returns a fixed event or error for any payload
type stubNormalizer struct {
	event NormalizedEvent
	err   error
}

func (s *stubNormalizer) Normalize(body []byte, header http.Header) (NormalizedEvent, error) {
	if s.err != nil {
		return NormalizedEvent{}, s.err
	}
	event := s.event
	event.Fragment.Raw = string(body)
	return event, nil
}

var _ = Describe("Server", func() {
	var (
		store       *MemoryStore
		ledger      *MemoryLedger
		service     *Service
		stripeNorm  *stubNormalizer
		squareNorm  *stubNormalizer
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, stripeNorm, squareNorm, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		store = NewMemoryStore()
		ledger = NewMemoryLedger()
		service = NewService(store, ledger, nil)
		stripeNorm = &stubNormalizer{
			event: NormalizedEvent{
				Merchant: MerchantStripe,
				Kind:     EventPaymentCreated,
				EventID:  "evt-1",
				Fragment: Fragment{
					PaymentID:  "pay-1",
					OrderID:    "order-1",
					Currency:   "usd",
					TotalMinor: int64Ptr(1000),
					EventType:  "checkout.session.completed",
				},
			},
		}
		squareNorm = &stubNormalizer{
			event: NormalizedEvent{Merchant: MerchantSquare, Kind: EventIgnored},
		}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	postWebhook := func(path, body string) *http.Response {
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleHealth", func() {
		It("should return status OK", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("handleWebhook", func() {
		When("a checkout completion is delivered", func() {
			It("should acknowledge with the receipt ID", func() {
				resp := postWebhook("/webhooks/stripe", `{"type":"checkout.session.completed"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var body map[string]any
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body).To(HaveKeyWithValue("ok", true))
				Expect(body).To(HaveKey("receipt_id"))
			})

			It("should store the receipt", func() {
				resp := postWebhook("/webhooks/stripe", `{"type":"checkout.session.completed"}`)
				resp.Body.Close()

				receipts, err := store.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].PaymentID).To(Equal("pay-1"))
			})
		})

		When("the signature is invalid", func() {
			BeforeEach(func() {
				stripeNorm.err = ErrBadSignature
				setupServer()
			})

			It("should reject with 401", func() {
				resp := postWebhook("/webhooks/stripe", `{}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})

			It("should not mutate any receipt", func() {
				resp := postWebhook("/webhooks/stripe", `{}`)
				resp.Body.Close()

				receipts, err := store.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(BeEmpty())
			})

			It("should leave the dedupe ledger unaffected", func() {
				resp := postWebhook("/webhooks/stripe", `{}`)
				resp.Body.Close()

				seen, err := ledger.HasSeen("evt-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(seen).To(BeFalse())
			})
		})

		When("the event is ignorable", func() {
			It("should acknowledge with ignored", func() {
				resp := postWebhook("/webhooks/square", `{"type":"something.else"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var body map[string]any
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body).To(HaveKeyWithValue("ignored", true))
			})
		})

		When("the same event is redelivered", func() {
			It("should report it as deduplicated", func() {
				first := postWebhook("/webhooks/stripe", `{"type":"checkout.session.completed"}`)
				first.Body.Close()

				ghttpServer.AppendHandlers(server.ServeHTTP)
				second := postWebhook("/webhooks/stripe", `{"type":"checkout.session.completed"}`)
				defer second.Body.Close()

				var body map[string]any
				Expect(json.NewDecoder(second.Body).Decode(&body)).To(Succeed())
				Expect(body).To(HaveKeyWithValue("deduplicated", true))
			})
		})

		When("no normalizer is configured for the route", func() {
			BeforeEach(func() {
				stripeNorm = nil
				server = NewServerWithMux(service, nil, squareNorm, http.NewServeMux())
				ghttpServer.Close()
				ghttpServer = ghttp.NewServer()
				ghttpServer.AppendHandlers(server.ServeHTTP)
			})

			It("should return 404", func() {
				resp := postWebhook("/webhooks/stripe", `{}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("handleListTransactions", func() {
		When("no receipts exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				var receipts []*Receipt
				Expect(json.Unmarshal(body, &receipts)).To(Succeed())
				Expect(receipts).To(BeEmpty())
			})
		})

		When("receipts exist", func() {
			BeforeEach(func() {
				Expect(store.CreateReceipt(&Receipt{ID: "r1", UserID: "user-1", Merchant: MerchantStripe, PaymentID: "p1"})).To(Succeed())
				Expect(store.CreateReceipt(&Receipt{ID: "r2", UserID: "user-2", Merchant: MerchantSquare, PaymentID: "p2"})).To(Succeed())
			})

			It("should return all receipts", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()

				var receipts []*Receipt
				Expect(json.NewDecoder(resp.Body).Decode(&receipts)).To(Succeed())
				Expect(receipts).To(HaveLen(2))
			})

			It("should filter by user_id", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions?user_id=user-2")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()

				var receipts []*Receipt
				Expect(json.NewDecoder(resp.Body).Decode(&receipts)).To(Succeed())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].ID).To(Equal("r2"))
			})

			It("should set Content-Type to application/json", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			})
		})
	})

	Describe("handleGetTransaction", func() {
		BeforeEach(func() {
			Expect(store.CreateReceipt(&Receipt{ID: "r1", Merchant: MerchantStripe, PaymentID: "p1"})).To(Succeed())
		})

		When("the receipt exists", func() {
			It("should return it", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions/r1")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var receipt Receipt
				Expect(json.NewDecoder(resp.Body).Decode(&receipt)).To(Succeed())
				Expect(receipt.ID).To(Equal("r1"))
			})
		})

		When("the receipt does not exist", func() {
			It("should return 404", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/transactions/nope")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})
})
