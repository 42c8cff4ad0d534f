package predict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/preprocess"
)

const (
	merchantWins = 0.7
	maxCached    = 4096

	unknownMerchant = "Unknown"
)

// UserPredictor scores a transaction with a user's learned model
type UserPredictor interface {
	PredictCategory(ctx context.Context, userID string, tx learning.Transaction) (learning.Prediction, error)
}

// Alternative is a runner-up guess
type Alternative struct {
	Merchant   string  `json:"merchant"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Prediction is a category guess made from the image alone
type Prediction struct {
	Merchant     string        `json:"merchant"`
	Category     string        `json:"category"`
	Subcategory  string        `json:"subcategory"`
	Confidence   float64       `json:"confidence"`
	Factors      []string      `json:"factors"`
	Alternatives []Alternative `json:"alternatives"`
	Duration     time.Duration `json:"duration"`
}

// Stats summarizes predictor activity
type Stats struct {
	Predictions    int           `json:"predictions"`
	CacheHits      int           `json:"cache_hits"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Predictor guesses merchant and category from visual features before any
// text is available. It never fails; the worst case is Other/General.
type Predictor struct {
	registry *Registry
	users    UserPredictor

	mu           sync.RWMutex
	cache        map[string]Prediction
	stats        Stats
	totalLatency time.Duration
}

// NewPredictor creates a Predictor. users may be nil to skip the user model.
func NewPredictor(registry *Registry, users UserPredictor) *Predictor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Predictor{
		registry: registry,
		users:    users,
		cache:    make(map[string]Prediction),
	}
}

// Registry exposes the catalogs for runtime registration
func (p *Predictor) Registry() *Registry {
	return p.registry
}

// Predict returns the visual prediction for an image, adjusted by the user's
// model. Only the visual part is cached, by content hash; the user model is
// consulted on every call so later corrections take effect.
func (p *Predictor) Predict(ctx context.Context, img *preprocess.Image, userID string) Prediction {
	start := time.Now()

	p.mu.RLock()
	visual, hit := p.cache[img.Hash]
	p.mu.RUnlock()

	if !hit {
		visual = p.combine(img.Features)

		p.mu.Lock()
		if len(p.cache) >= maxCached {
			for k := range p.cache {
				delete(p.cache, k)
				break
			}
		}
		p.cache[img.Hash] = visual
		p.mu.Unlock()
	}

	pred := visual
	pred.Factors = slices.Clone(visual.Factors)
	pred.Alternatives = slices.Clone(visual.Alternatives)
	pred = p.applyUserModel(ctx, pred, userID)
	pred.Duration = time.Since(start)

	p.record(pred.Duration, hit)
	return pred
}

// combine merges the merchant and category scorers
func (p *Predictor) combine(f preprocess.Features) Prediction {
	merchants := scoreMerchants(f, p.registry.Merchants())
	categoryModels := p.registry.Categories()
	categories := scoreCategories(f, categoryModels)

	topMerchant := candidate{name: unknownMerchant, confidence: fallbackConfidence}
	if len(merchants) > 0 {
		topMerchant = merchants[0]
	}

	factors := visualFactors(f, merchants, categories)

	if topMerchant.confidence > merchantWins {
		if sig, ok := p.registry.merchant(topMerchant.name); ok {
			return Prediction{
				Merchant:     sig.Name,
				Category:     sig.Category,
				Subcategory:  sig.Subcategory,
				Confidence:   topMerchant.confidence,
				Factors:      factors,
				Alternatives: p.merchantAlternatives(merchants[1:]),
			}
		}
	}

	pred := Prediction{
		Merchant:    topMerchant.name,
		Category:    "Other",
		Subcategory: "General",
		Confidence:  topMerchant.confidence,
		Factors:     factors,
	}
	if len(merchants) > 0 {
		pred.Alternatives = p.merchantAlternatives(merchants[1:])
	}

	if len(categories) > 0 {
		top := categories[0]
		var model *CategoryModel
		for i := range categoryModels {
			if categoryModels[i].Name == top.name {
				model = &categoryModels[i]
				break
			}
		}
		pred.Category = top.name
		pred.Subcategory = subcategoryFor(f, model)
		pred.Confidence = max(topMerchant.confidence, top.confidence)
		for _, c := range categories[1:min(4, len(categories))] {
			pred.Alternatives = append(pred.Alternatives, Alternative{Merchant: unknownMerchant, Category: c.name, Confidence: c.confidence})
		}
	}
	return pred
}

func (p *Predictor) merchantAlternatives(rest []candidate) []Alternative {
	var alts []Alternative
	for _, c := range rest[:min(3, len(rest))] {
		category := "Other"
		if sig, ok := p.registry.merchant(c.name); ok {
			category = sig.Category
		}
		alts = append(alts, Alternative{Merchant: c.name, Category: category, Confidence: c.confidence})
	}
	return alts
}

// applyUserModel lets a more confident user model override the visual category
func (p *Predictor) applyUserModel(ctx context.Context, pred Prediction, userID string) Prediction {
	if p.users == nil || userID == "" {
		return pred
	}

	user, err := p.users.PredictCategory(ctx, userID, learning.Transaction{
		Merchant:    pred.Merchant,
		Description: "Visual prediction",
	})
	if err != nil {
		slog.Warn("User model prediction failed", "user_id", userID, "error", err)
		return pred
	}

	if user.Confidence > pred.Confidence {
		pred.Factors = append(pred.Factors, fmt.Sprintf("User model preferred %s (%.2f)", user.Category, user.Confidence))
		pred.Confidence = (pred.Confidence + user.Confidence) / 2
		pred.Category = user.Category
		pred.Subcategory = user.Subcategory
	}
	return pred
}

func visualFactors(f preprocess.Features, merchants, categories []candidate) []string {
	factors := []string{
		fmt.Sprintf("Layout: %s", f.Layout),
		fmt.Sprintf("Complexity: %s", f.Complexity),
	}
	if len(f.LogoTags) > 0 {
		factors = append(factors, fmt.Sprintf("Logo colours: %v", f.LogoTags))
	}
	if len(merchants) > 0 {
		factors = append(factors, fmt.Sprintf("Merchant match: %s (%.2f)", merchants[0].name, merchants[0].confidence))
	}
	if len(categories) > 0 {
		factors = append(factors, fmt.Sprintf("Category match: %s (%.2f)", categories[0].name, categories[0].confidence))
	}
	return factors
}

func (p *Predictor) record(latency time.Duration, cacheHit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Predictions++
	if cacheHit {
		p.stats.CacheHits++
	}
	p.totalLatency += latency
}

// Stats returns a snapshot of predictor statistics
func (p *Predictor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.stats
	if s.Predictions > 0 {
		s.AverageLatency = p.totalLatency / time.Duration(s.Predictions)
	}
	return s
}
