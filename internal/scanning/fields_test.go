package scanning

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TemplateCatalog.ExtractFields", func() {
	var (
		catalog *TemplateCatalog
		text    string
		now     time.Time
		fields  Fields
	)

	BeforeEach(func() {
		catalog = DefaultTemplates()
		now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	})

	JustBeforeEach(func() {
		fields = catalog.ExtractFields(text, now)
	})

	When("the transcript is a Walmart receipt", func() {
		BeforeEach(func() {
			text = "WALMART\n123 Main St\nItem 1 $10.00\nItem 2 $15.00\nTOTAL $25.00\nVISA\n01/02/2024"
		})

		It("uses the Walmart template", func() {
			Expect(fields.Source).To(Equal("template:walmart"))
			Expect(fields.Confidence).To(Equal(0.95))
		})

		It("extracts merchant, amount and date", func() {
			Expect(fields.Merchant).To(Equal("WALMART"))
			Expect(fields.Amount).To(Equal(25.00))
			Expect(fields.Date).To(Equal("01/02/2024"))
		})

		It("extracts the payment method", func() {
			Expect(fields.PaymentMethod).To(Equal("Visa"))
		})
	})

	When("the merchant is not recognized", func() {
		BeforeEach(func() {
			text = "CORNER DELI\nSandwich 12.00\nTOTAL 14.50"
		})

		It("falls back to the generic extractor", func() {
			Expect(fields.Source).To(Equal("generic"))
			Expect(fields.Confidence).To(Equal(GenericConfidence))
		})

		It("uses the first line as merchant and finds the total", func() {
			Expect(fields.Merchant).To(Equal("CORNER DELI"))
			Expect(fields.Amount).To(Equal(14.50))
		})

		It("defaults the date to today", func() {
			Expect(fields.Date).To(Equal("2025-06-01"))
		})

		It("collects item lines but not the total", func() {
			Expect(fields.Items).To(ConsistOf(Item{Name: "Sandwich", Price: 12.00}))
		})

		It("reports an unknown payment method", func() {
			Expect(fields.PaymentMethod).To(Equal("Unknown"))
		})
	})

	When("the transcript is a Starbucks receipt with items", func() {
		BeforeEach(func() {
			text = "STARBUCKS STORE #123\n1 Latte $4.50\n2 Muffin $6.00\nSubtotal: $10.50\nTax $0.84\nTRANS # 88421\n03/04/24"
		})

		It("extracts the subtotal and items via the template", func() {
			Expect(fields.Source).To(Equal("template:starbucks"))
			Expect(fields.Amount).To(Equal(10.50))
			Expect(fields.Items).To(Equal([]Item{
				{Name: "Latte", Price: 4.50},
				{Name: "Muffin", Price: 6.00},
			}))
		})

		It("extracts tax, receipt number and short date", func() {
			Expect(fields.Tax).To(Equal(0.84))
			Expect(fields.ReceiptNumber).To(Equal("88421"))
			Expect(fields.Date).To(Equal("03/04/24"))
		})
	})

	When("a template is registered at runtime", func() {
		BeforeEach(func() {
			t, err := CompileTemplate(TemplateSource{
				ID:         "costco",
				Name:       "Costco",
				Merchant:   `(?i)COSTCO`,
				Total:      `(?i)TOTAL\s+\$?([\d.]+)`,
				Confidence: 0.9,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(catalog.Register(t)).To(Succeed())
			text = "COSTCO WHOLESALE\nTOTAL 88.10"
		})

		It("matches the new template", func() {
			Expect(fields.Source).To(Equal("template:costco"))
			Expect(fields.Amount).To(Equal(88.10))
			Expect(catalog.IDs()).To(HaveLen(6))
		})
	})
})

var _ = Describe("CompileTemplate", func() {
	It("rejects a template without a total pattern", func() {
		_, err := CompileTemplate(TemplateSource{ID: "x", Merchant: "X"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an invalid regular expression", func() {
		_, err := CompileTemplate(TemplateSource{ID: "x", Merchant: "(", Total: "T"})
		Expect(err).To(HaveOccurred())
	})

	It("replaces a template with the same id in place", func() {
		c := DefaultTemplates()
		t, err := CompileTemplate(TemplateSource{ID: "walmart", Merchant: `WALLY`, Total: `T\s+([\d.]+)`, Confidence: 0.5})
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Register(t)).To(Succeed())
		Expect(c.IDs()).To(Equal([]string{"walmart", "starbucks", "mcdonalds", "target", "amazon"}))

		matched, ok := c.Match("WALLY")
		Expect(ok).To(BeTrue())
		Expect(matched.Confidence).To(Equal(0.5))
	})
})
