package predict

import (
	"fmt"
	"sync"

	"github.com/zombor/receipt-pipeline/internal/preprocess"
)

// RGB is an 8-bit colour triple
type RGB [3]int

// Range is an inclusive [min, max] window
type Range [2]float64

func (r Range) contains(v float64) bool {
	return v >= r[0] && v <= r[1]
}

// MerchantSignature is the visual fingerprint of a known merchant
type MerchantSignature struct {
	Name            string                  `json:"name" yaml:"name"`
	LogoPatterns    []string                `json:"logo_patterns" yaml:"logo_patterns"`
	ColorSignatures []RGB                   `json:"color_signatures" yaml:"color_signatures"`
	LayoutPatterns  []string                `json:"layout_patterns" yaml:"layout_patterns"`
	Complexities    []preprocess.Complexity `json:"complexities" yaml:"complexities"`
	Confidence      float64                 `json:"confidence" yaml:"confidence"`
	Category        string                  `json:"category" yaml:"category"`
	Subcategory     string                  `json:"subcategory" yaml:"subcategory"`
}

// CategoryModel describes what receipts of a category tend to look like
type CategoryModel struct {
	Name            string   `json:"name" yaml:"name"`
	Subcategories   []string `json:"subcategories" yaml:"subcategories"`
	TypicalColors   []RGB    `json:"typical_colors" yaml:"typical_colors"`
	LayoutPatterns  []string `json:"layout_patterns" yaml:"layout_patterns"`
	ComplexityRange Range    `json:"complexity_range" yaml:"complexity_range"`
	AspectRange     Range    `json:"aspect_range" yaml:"aspect_range"`
	// BrightnessRange and ContrastRange are optional; both zero means any
	BrightnessRange Range `json:"brightness_range" yaml:"brightness_range"`
	ContrastRange   Range `json:"contrast_range" yaml:"contrast_range"`
}

var (
	green  = RGB{0, 100, 0}
	white  = RGB{255, 255, 255}
	black  = RGB{0, 0, 0}
	gold   = RGB{255, 215, 0}
	red    = RGB{255, 0, 0}
	blue   = RGB{0, 100, 200}
	gray   = RGB{100, 100, 100}
	simple = preprocess.Simple
	medium = preprocess.Medium
	cplx   = preprocess.Complex
)

// DefaultMerchants are the built-in merchant signatures
func DefaultMerchants() []MerchantSignature {
	return []MerchantSignature{
		{
			Name:            "Starbucks",
			LogoPatterns:    []string{"green-logo", "circular-logo", "siren-logo"},
			ColorSignatures: []RGB{green, white, black},
			LayoutPatterns:  []string{"header-centered", "text-sparse", "logo-prominent"},
			Complexities:    []preprocess.Complexity{simple, medium},
			Confidence:      0.95,
			Category:        "Food & Dining",
			Subcategory:     "Coffee & Tea",
		},
		{
			Name:            "McDonald's",
			LogoPatterns:    []string{"yellow-logo", "golden-arches", "red-logo"},
			ColorSignatures: []RGB{gold, red, white},
			LayoutPatterns:  []string{"header-centered", "text-dense", "logo-prominent"},
			Complexities:    []preprocess.Complexity{simple, medium},
			Confidence:      0.9,
			Category:        "Food & Dining",
			Subcategory:     "Fast Food",
		},
		{
			Name:            "Walmart",
			LogoPatterns:    []string{"blue-logo", "spark-logo", "text-logo"},
			ColorSignatures: []RGB{blue, white, black},
			LayoutPatterns:  []string{"header-left", "text-dense", "logo-subtle"},
			Complexities:    []preprocess.Complexity{medium, cplx},
			Confidence:      0.85,
			Category:        "Shopping",
			Subcategory:     "General",
		},
		{
			Name:            "Target",
			LogoPatterns:    []string{"red-logo", "bullseye-logo", "circular-logo"},
			ColorSignatures: []RGB{red, white, black},
			LayoutPatterns:  []string{"header-centered", "text-medium", "logo-prominent"},
			Complexities:    []preprocess.Complexity{medium, cplx},
			Confidence:      0.9,
			Category:        "Shopping",
			Subcategory:     "General",
		},
		{
			Name:            "Shell",
			LogoPatterns:    []string{"yellow-logo", "shell-logo", "red-logo"},
			ColorSignatures: []RGB{gold, red, white},
			LayoutPatterns:  []string{"header-centered", "text-sparse", "logo-prominent"},
			Complexities:    []preprocess.Complexity{simple},
			Confidence:      0.9,
			Category:        "Transportation",
			Subcategory:     "Gas",
		},
		{
			Name:            "Uber",
			LogoPatterns:    []string{"black-logo", "square-logo", "text-logo"},
			ColorSignatures: []RGB{black, white, gray},
			LayoutPatterns:  []string{"header-centered", "text-sparse", "logo-prominent"},
			Complexities:    []preprocess.Complexity{simple},
			Confidence:      0.85,
			Category:        "Transportation",
			Subcategory:     "Ride Share",
		},
	}
}

// DefaultCategories are the built-in category models
func DefaultCategories() []CategoryModel {
	return []CategoryModel{
		{
			Name:            "Food & Dining",
			Subcategories:   []string{"Coffee & Tea", "Fast Food", "Restaurants", "Groceries"},
			TypicalColors:   []RGB{gold, red, green, white},
			LayoutPatterns:  []string{"header-centered", "text-sparse", "logo-prominent"},
			ComplexityRange: Range{0.2, 0.6},
			AspectRange:     Range{0.5, 2.0},
			BrightnessRange: Range{0.4, 0.8},
			ContrastRange:   Range{0.3, 0.7},
		},
		{
			Name:            "Shopping",
			Subcategories:   []string{"General", "Electronics", "Clothing", "Home"},
			TypicalColors:   []RGB{blue, red, white, black},
			LayoutPatterns:  []string{"header-left", "text-dense", "logo-subtle"},
			ComplexityRange: Range{0.4, 0.8},
			AspectRange:     Range{0.3, 3.0},
			BrightnessRange: Range{0.5, 0.9},
			ContrastRange:   Range{0.4, 0.8},
		},
		{
			Name:            "Transportation",
			Subcategories:   []string{"Gas", "Ride Share", "Public Transit", "Parking"},
			TypicalColors:   []RGB{gold, red, black, gray},
			LayoutPatterns:  []string{"header-centered", "text-sparse", "logo-prominent"},
			ComplexityRange: Range{0.1, 0.5},
			AspectRange:     Range{0.5, 2.0},
			BrightnessRange: Range{0.3, 0.7},
			ContrastRange:   Range{0.2, 0.6},
		},
	}
}

// Registry holds the merchant and category catalogs. Readers get copies;
// additions go through the Register methods.
type Registry struct {
	mu         sync.RWMutex
	merchants  []MerchantSignature
	categories []CategoryModel
}

// NewRegistry creates a registry over the given catalogs
func NewRegistry(merchants []MerchantSignature, categories []CategoryModel) *Registry {
	return &Registry{
		merchants:  append([]MerchantSignature(nil), merchants...),
		categories: append([]CategoryModel(nil), categories...),
	}
}

// DefaultRegistry creates a registry preloaded with the built-in catalogs
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultMerchants(), DefaultCategories())
}

// RegisterMerchant adds a signature or replaces one with the same name
func (r *Registry) RegisterMerchant(sig MerchantSignature) error {
	if sig.Name == "" || sig.Category == "" {
		return fmt.Errorf("merchant signature needs a name and category")
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return fmt.Errorf("merchant %q: confidence %v out of range", sig.Name, sig.Confidence)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.merchants {
		if r.merchants[i].Name == sig.Name {
			r.merchants[i] = sig
			return nil
		}
	}
	r.merchants = append(r.merchants, sig)
	return nil
}

// RegisterCategory adds a category model or replaces one with the same name
func (r *Registry) RegisterCategory(model CategoryModel) error {
	if model.Name == "" {
		return fmt.Errorf("category model needs a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.categories {
		if r.categories[i].Name == model.Name {
			r.categories[i] = model
			return nil
		}
	}
	r.categories = append(r.categories, model)
	return nil
}

// Merchants returns a copy of the merchant catalog
func (r *Registry) Merchants() []MerchantSignature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MerchantSignature(nil), r.merchants...)
}

// Categories returns a copy of the category catalog
func (r *Registry) Categories() []CategoryModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CategoryModel(nil), r.categories...)
}

func (r *Registry) merchant(name string) (MerchantSignature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.merchants {
		if m.Name == name {
			return m, true
		}
	}
	return MerchantSignature{}, false
}
