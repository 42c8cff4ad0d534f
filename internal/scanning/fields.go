package scanning

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GenericConfidence is the confidence of fields found without a template
const GenericConfidence = 0.6

const unknownMerchant = "Unknown Merchant"

// Item is one purchased line
type Item struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Fields is the structured data pulled out of a transcript
type Fields struct {
	Merchant      string  `json:"merchant"`
	Amount        float64 `json:"amount"`
	Date          string  `json:"date"`
	Items         []Item  `json:"items"`
	Tax           float64 `json:"tax"`
	PaymentMethod string  `json:"payment_method"`
	ReceiptNumber string  `json:"receipt_number"`
	Confidence    float64 `json:"confidence"`
	// Source is "template:<id>" or "generic"
	Source string `json:"source"`
}

var (
	genericAmountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)TOTAL\s+\$?([\d.,]+)`),
		regexp.MustCompile(`(?i)AMOUNT\s+\$?([\d.,]+)`),
		regexp.MustCompile(`(?m)\$([\d.,]+)\s*$`),
	}
	genericDatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d{2}/\d{2}/\d{2,4})`),
		regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`),
		regexp.MustCompile(`(\d{2}-\d{2}-\d{2,4})`),
	}

	reItemLine      = regexp.MustCompile(`^(.+?)\s+\$?(\d+\.\d{2})$`)
	reNonItemLine   = regexp.MustCompile(`(?i)\b(sub\s*total|total|tax|amount|change|cash|balance|tender|visa|mastercard|amex|discover|debit)\b`)
	reTax           = regexp.MustCompile(`(?i)\b(?:sales\s+)?tax\b[^\d\n]*?\$?(\d+\.\d{2})`)
	rePayment       = regexp.MustCompile(`(?i)\b(VISA|MASTERCARD|MASTER CARD|AMEX|AMERICAN EXPRESS|DISCOVER|DEBIT|CASH)\b`)
	reReceiptNumber = regexp.MustCompile(`(?i)\b(?:RECEIPT|TRANS(?:ACTION)?|INVOICE|ORDER|REF)\s*(?:#|NO\.?|NUMBER)\s*:?\s*([A-Z0-9][A-Z0-9-]*)`)
)

var paymentNames = map[string]string{
	"VISA":             "Visa",
	"MASTERCARD":       "Mastercard",
	"MASTER CARD":      "Mastercard",
	"AMEX":             "American Express",
	"AMERICAN EXPRESS": "American Express",
	"DISCOVER":         "Discover",
	"DEBIT":            "Debit",
	"CASH":             "Cash",
}

// ExtractFields pulls structured fields from a transcript, preferring the
// first matching template and falling back to generic heuristics.
func (c *TemplateCatalog) ExtractFields(text string, now time.Time) Fields {
	var f Fields
	if t, ok := c.Match(text); ok {
		f = extractWithTemplate(text, t, now)
	} else {
		f = extractGeneric(text, now)
	}

	f.Tax = extractTax(text)
	f.PaymentMethod = extractPaymentMethod(text)
	f.ReceiptNumber = extractReceiptNumber(text)
	return f
}

func extractWithTemplate(text string, t Template, now time.Time) Fields {
	f := Fields{
		Merchant:   unknownMerchant,
		Date:       now.Format("2006-01-02"),
		Items:      []Item{},
		Confidence: t.Confidence,
		Source:     "template:" + t.ID,
	}

	if m := t.MerchantPattern.FindString(text); m != "" {
		f.Merchant = strings.TrimSpace(m)
	}
	if m := t.TotalPattern.FindStringSubmatch(text); len(m) > 1 {
		f.Amount = parseAmount(m[1])
	}
	if m := t.DatePattern.FindStringSubmatch(text); len(m) > 1 {
		f.Date = m[1]
	}
	if t.ItemPattern != nil {
		for _, m := range t.ItemPattern.FindAllStringSubmatch(text, -1) {
			if len(m) < 4 {
				continue
			}
			name := strings.TrimSpace(m[2])
			if name == "" {
				name = "Unknown Item"
			}
			f.Items = append(f.Items, Item{Name: name, Price: parseAmount(m[3])})
		}
	}
	return f
}

func extractGeneric(text string, now time.Time) Fields {
	f := Fields{
		Merchant:   unknownMerchant,
		Date:       now.Format("2006-01-02"),
		Items:      []Item{},
		Confidence: GenericConfidence,
		Source:     "generic",
	}

	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			f.Merchant = trimmed
			break
		}
	}

	for _, p := range genericAmountPatterns {
		if m := p.FindStringSubmatch(text); len(m) > 1 {
			if v, ok := parseAmountStrict(m[1]); ok {
				f.Amount = v
				break
			}
		}
	}

	for _, p := range genericDatePatterns {
		if m := p.FindStringSubmatch(text); len(m) > 1 {
			f.Date = m[1]
			break
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) <= 5 || reNonItemLine.MatchString(line) {
			continue
		}
		if m := reItemLine.FindStringSubmatch(line); m != nil {
			f.Items = append(f.Items, Item{Name: strings.TrimSpace(m[1]), Price: parseAmount(m[2])})
		}
	}
	return f
}

func extractTax(text string) float64 {
	if m := reTax.FindStringSubmatch(text); len(m) > 1 {
		return parseAmount(m[1])
	}
	return 0
}

func extractPaymentMethod(text string) string {
	if m := rePayment.FindStringSubmatch(text); len(m) > 1 {
		return paymentNames[strings.ToUpper(m[1])]
	}
	return "Unknown"
}

func extractReceiptNumber(text string) string {
	if m := reReceiptNumber.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

func parseAmount(s string) float64 {
	v, _ := parseAmountStrict(s)
	return v
}

func parseAmountStrict(s string) (float64, bool) {
	s = strings.TrimRight(strings.ReplaceAll(s, ",", ""), ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
