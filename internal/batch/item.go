package batch

import (
	"math"
	"sort"
	"time"

	"github.com/zombor/receipt-pipeline/internal/preprocess"
	"github.com/zombor/receipt-pipeline/internal/scanning"
)

const (
	simpleMaxBytes = 500_000
	mediumMaxBytes = 2_000_000

	// sizeUnit is the reference size the duration and priority formulas scale against
	sizeUnit = 100_000

	minEstimate = 100 * time.Millisecond
)

// Reason explains why an item failed or was flagged
type Reason string

const (
	ReasonPreprocessing Reason = "PreprocessingFailure"
	ReasonExtraction    Reason = "ExtractionFailure"
	ReasonCostLimit     Reason = "CostLimitExceeded"
	ReasonCancelled     Reason = "Cancelled"
	ReasonTimeout       Reason = "Timeout"
	// ReasonQuality is set on completed items that need review
	ReasonQuality Reason = "QualityBelowThreshold"
)

// Input is one raw upload
type Input struct {
	Name        string
	Data        []byte
	ContentType string
}

// Item is an input classified for scheduling
type Item struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Data              []byte                `json:"-"`
	ContentType       string                `json:"content_type"`
	Size              int                   `json:"size"`
	Tier              preprocess.Complexity `json:"tier"`
	EstimatedDuration time.Duration         `json:"estimated_duration"`
	Priority          float64               `json:"priority"`
}

// ItemResult is the outcome of one item
type ItemResult struct {
	ItemID         string                `json:"item_id"`
	Name           string                `json:"name"`
	Tier           preprocess.Complexity `json:"tier"`
	Success        bool                  `json:"success"`
	Fields         *scanning.Fields      `json:"fields,omitempty"`
	Category       string                `json:"category,omitempty"`
	Subcategory    string                `json:"subcategory,omitempty"`
	Confidence     float64               `json:"confidence"`
	Cost           float64               `json:"cost"`
	ProcessingTime time.Duration         `json:"processing_time"`
	NeedsReview    bool                  `json:"needs_review"`
	Reason         Reason                `json:"reason,omitempty"`
	Error          string                `json:"error,omitempty"`
	// PendingID identifies the item in the user's review queue; pass it back
	// with a correction
	PendingID string `json:"pending_id,omitempty"`
}

func (r ItemResult) clone() ItemResult {
	if r.Fields != nil {
		f := *r.Fields
		f.Items = append([]scanning.Item(nil), r.Fields.Items...)
		r.Fields = &f
	}
	return r
}

// Classify assigns a tier from the byte size
func Classify(size int) preprocess.Complexity {
	switch {
	case size < simpleMaxBytes:
		return preprocess.Simple
	case size < mediumMaxBytes:
		return preprocess.Medium
	default:
		return preprocess.Complex
	}
}

// EstimateDuration scales the tier's base time logarithmically with size
func EstimateDuration(tier preprocess.Complexity, size int) time.Duration {
	base := map[preprocess.Complexity]time.Duration{
		preprocess.Simple:  time.Second,
		preprocess.Medium:  3 * time.Second,
		preprocess.Complex: 8 * time.Second,
	}[tier]

	factor := math.Log2(float64(max(size, 1)) / sizeUnit)
	d := time.Duration(float64(base) * (1 + 0.1*factor))
	return max(d, minEstimate)
}

// Priority favours simpler tiers then smaller files
func Priority(tier preprocess.Complexity, size int) float64 {
	base := map[preprocess.Complexity]float64{
		preprocess.Simple:  100,
		preprocess.Medium:  50,
		preprocess.Complex: 10,
	}[tier]

	return base + math.Max(0, 50-math.Log(float64(max(size, 1))/sizeUnit))
}

// tiers groups items by tier, each group in descending priority
func tiers(items []Item) (simple, medium, complexItems []Item) {
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	for _, it := range sorted {
		switch it.Tier {
		case preprocess.Simple:
			simple = append(simple, it)
		case preprocess.Medium:
			medium = append(medium, it)
		default:
			complexItems = append(complexItems, it)
		}
	}
	return simple, medium, complexItems
}
