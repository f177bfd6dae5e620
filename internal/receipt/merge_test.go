package receipt

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MergeFragment", func() {
	var (
		target   *Receipt
		fragment Fragment
		now      time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		target = &Receipt{
			ID:        "receipt-1",
			UserID:    DefaultUserID,
			Merchant:  MerchantStripe,
			PaymentID: "pay-1",
			Currency:  "USD",
			Total:     10.00,
			Timestamp: 1717236000,
			Items: []LineItem{
				{Name: "Widget", Quantity: 1, UnitPrice: 10.00},
			},
			Meta: map[string]string{"last_event_type": "checkout.session.completed"},
		}
		fragment = Fragment{}
	})

	JustBeforeEach(func() {
		MergeFragment(target, fragment, now)
	})

	Describe("items", func() {
		When("the incoming item list is non-empty", func() {
			BeforeEach(func() {
				fragment.Items = []LineItem{
					{Name: "Gizmo", Quantity: 2, UnitPrice: 3.00},
					{Name: "Gadget", Quantity: 1, UnitPrice: 4.00},
				}
			})

			It("replaces the stored items wholesale", func() {
				Expect(target.Items).To(HaveLen(2))
				Expect(target.Items[0].Name).To(Equal("Gizmo"))
			})
		})

		When("the incoming item list is empty", func() {
			It("never clears stored items", func() {
				Expect(target.Items).To(HaveLen(1))
			})
		})
	})

	Describe("total", func() {
		When("the incoming total is positive", func() {
			BeforeEach(func() {
				fragment.TotalMinor = int64Ptr(2550)
			})

			It("replaces the total, converted to major units", func() {
				Expect(target.Total).To(Equal(25.50))
			})
		})

		When("the incoming total is zero", func() {
			BeforeEach(func() {
				fragment.TotalMinor = int64Ptr(0)
			})

			It("never zeroes a known total", func() {
				Expect(target.Total).To(Equal(10.00))
			})
		})

		When("the incoming total is absent", func() {
			It("keeps the stored total", func() {
				Expect(target.Total).To(Equal(10.00))
			})
		})
	})

	Describe("currency", func() {
		When("the incoming currency is set", func() {
			BeforeEach(func() {
				fragment.Currency = "eur"
			})

			It("replaces and uppercases it", func() {
				Expect(target.Currency).To(Equal("EUR"))
			})
		})

		When("the incoming currency is empty", func() {
			It("keeps the stored currency", func() {
				Expect(target.Currency).To(Equal("USD"))
			})
		})
	})

	Describe("timestamp", func() {
		When("the incoming timestamp is older than the stored one", func() {
			BeforeEach(func() {
				fragment.Timestamp = int64Ptr(1700000000)
			})

			It("still overwrites (last write wins, no ordering check)", func() {
				Expect(target.Timestamp).To(Equal(int64(1700000000)))
			})
		})

		When("the incoming timestamp is absent", func() {
			It("keeps the stored timestamp", func() {
				Expect(target.Timestamp).To(Equal(int64(1717236000)))
			})
		})
	})

	Describe("strong keys", func() {
		When("the stored payment ID is already set", func() {
			BeforeEach(func() {
				fragment.PaymentID = "pay-other"
			})

			It("never overwrites it", func() {
				Expect(target.PaymentID).To(Equal("pay-1"))
			})
		})

		When("the stored order ID is unset", func() {
			BeforeEach(func() {
				fragment.OrderID = "order-1"
			})

			It("sets it", func() {
				Expect(target.OrderID).To(Equal("order-1"))
			})
		})
	})

	Describe("user ID", func() {
		When("the stored user is the placeholder", func() {
			BeforeEach(func() {
				fragment.UserID = "user-42"
			})

			It("adopts the stronger identity", func() {
				Expect(target.UserID).To(Equal("user-42"))
			})
		})

		When("the stored user is a real identity", func() {
			BeforeEach(func() {
				target.UserID = "user-1"
				fragment.UserID = "user-2"
			})

			It("keeps the stored identity", func() {
				Expect(target.UserID).To(Equal("user-1"))
			})
		})
	})

	Describe("meta", func() {
		BeforeEach(func() {
			fragment.EventType = "payment.updated"
			fragment.Raw = `{"id":"evt-2"}`
		})

		It("overwrites same-named keys", func() {
			Expect(target.Meta).To(HaveKeyWithValue("last_event_type", "payment.updated"))
		})

		It("adds incoming keys", func() {
			Expect(target.Meta).To(HaveKeyWithValue("raw", `{"id":"evt-2"}`))
		})
	})

	It("stamps the update time", func() {
		Expect(target.UpdatedAt).To(Equal(now))
	})
})
