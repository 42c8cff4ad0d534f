package scanning

import (
	"fmt"
	"regexp"
	"sync"
)

// Template recognizes one merchant's receipt layout
type Template struct {
	ID              string
	Name            string
	MerchantPattern *regexp.Regexp
	TotalPattern    *regexp.Regexp
	DatePattern     *regexp.Regexp
	// ItemPattern captures quantity, name and price; nil disables item extraction
	ItemPattern *regexp.Regexp
	Structure   string
	Confidence  float64
}

// TemplateSource is the uncompiled form of a Template, as loaded from config
type TemplateSource struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Merchant   string  `json:"merchant" yaml:"merchant"`
	Total      string  `json:"total" yaml:"total"`
	Date       string  `json:"date" yaml:"date"`
	Item       string  `json:"item" yaml:"item"`
	Structure  string  `json:"structure" yaml:"structure"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

const defaultDatePattern = `(\d{2}/\d{2}/\d{2,4})`

// CompileTemplate compiles a TemplateSource; an empty date pattern uses MM/DD/YY[YY]
func CompileTemplate(src TemplateSource) (Template, error) {
	if src.ID == "" {
		return Template{}, fmt.Errorf("template id is required")
	}
	if src.Merchant == "" || src.Total == "" {
		return Template{}, fmt.Errorf("template %q: merchant and total patterns are required", src.ID)
	}
	if src.Confidence < 0 || src.Confidence > 1 {
		return Template{}, fmt.Errorf("template %q: confidence %v out of range", src.ID, src.Confidence)
	}
	if src.Date == "" {
		src.Date = defaultDatePattern
	}

	t := Template{ID: src.ID, Name: src.Name, Structure: src.Structure, Confidence: src.Confidence}
	if t.Name == "" {
		t.Name = src.ID
	}

	var err error
	if t.MerchantPattern, err = regexp.Compile(src.Merchant); err != nil {
		return Template{}, fmt.Errorf("template %q: compiling merchant pattern: %w", src.ID, err)
	}
	if t.TotalPattern, err = regexp.Compile(src.Total); err != nil {
		return Template{}, fmt.Errorf("template %q: compiling total pattern: %w", src.ID, err)
	}
	if t.DatePattern, err = regexp.Compile(src.Date); err != nil {
		return Template{}, fmt.Errorf("template %q: compiling date pattern: %w", src.ID, err)
	}
	if src.Item != "" {
		if t.ItemPattern, err = regexp.Compile(src.Item); err != nil {
			return Template{}, fmt.Errorf("template %q: compiling item pattern: %w", src.ID, err)
		}
	}
	return t, nil
}

var defaultTemplates = []TemplateSource{
	{
		ID:         "walmart",
		Name:       "Walmart",
		Merchant:   `(?i)WAL[*\s]MART|WALMART`,
		Total:      `TOTAL\s+\$?([\d.,]+)`,
		Structure:  "header-items-total",
		Confidence: 0.95,
	},
	{
		ID:         "starbucks",
		Name:       "Starbucks",
		Merchant:   `(?i)STARBUCKS`,
		Total:      `(?i)Subtotal:?\s*\$?([\d.,]+)`,
		Item:       `(?m)^[ \t]*(\d+)[ \t]+(.+?)[ \t]+\$?(\d+\.\d{2})[ \t]*$`,
		Structure:  "header-items-subtotal",
		Confidence: 0.9,
	},
	{
		ID:         "mcdonalds",
		Name:       "McDonald's",
		Merchant:   `(?i)MCDONALD|MCD\b`,
		Total:      `(?i)TOTAL\s+\$?([\d.,]+)`,
		Structure:  "header-items-total",
		Confidence: 0.9,
	},
	{
		ID:         "target",
		Name:       "Target",
		Merchant:   `(?i)TARGET`,
		Total:      `(?i)TOTAL\s+\$?([\d.,]+)`,
		Structure:  "header-items-total",
		Confidence: 0.9,
	},
	{
		ID:         "amazon",
		Name:       "Amazon",
		Merchant:   `(?i)AMAZON`,
		Total:      `(?i)Total\s+\$?([\d.,]+)`,
		Structure:  "header-items-total",
		Confidence: 0.85,
	},
}

// TemplateCatalog is an ordered, concurrency-safe set of templates.
// Matching walks templates in registration order.
type TemplateCatalog struct {
	mu        sync.RWMutex
	templates []Template
}

// NewTemplateCatalog creates an empty catalog
func NewTemplateCatalog() *TemplateCatalog {
	return &TemplateCatalog{}
}

// DefaultTemplates returns a catalog preloaded with the built-in merchants
func DefaultTemplates() *TemplateCatalog {
	c := NewTemplateCatalog()
	for _, src := range defaultTemplates {
		t, err := CompileTemplate(src)
		if err != nil {
			panic(fmt.Sprintf("built-in template %q: %v", src.ID, err))
		}
		c.templates = append(c.templates, t)
	}
	return c
}

// Register adds a template, replacing any existing one with the same ID in place
func (c *TemplateCatalog) Register(t Template) error {
	if t.ID == "" || t.MerchantPattern == nil || t.TotalPattern == nil || t.DatePattern == nil {
		return fmt.Errorf("template %q is incomplete", t.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.templates {
		if c.templates[i].ID == t.ID {
			c.templates[i] = t
			return nil
		}
	}
	c.templates = append(c.templates, t)
	return nil
}

// Match returns the first template whose merchant pattern matches text
func (c *TemplateCatalog) Match(text string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.templates {
		if t.MerchantPattern.MatchString(text) {
			return t, true
		}
	}
	return Template{}, false
}

// IDs lists template IDs in match order
func (c *TemplateCatalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.templates))
	for i, t := range c.templates {
		ids[i] = t.ID
	}
	return ids
}
