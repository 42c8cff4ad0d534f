package learning

import (
	"math"
	"time"
)

// LearningRate is the step size of every weight update
const LearningRate = 0.01

const (
	// OtherCategory is reported when no model exists yet
	OtherCategory = "Other"
	// GeneralSubcategory is the fallback subcategory
	GeneralSubcategory = "General"

	maxPatterns = 200
	maxSamples  = 500
	maxPending  = 1000
)

// Categories are the classes the per-user model scores, in tie-break order
var Categories = []string{
	"Food & Dining",
	"Transportation",
	"Shopping",
	"Entertainment",
	"Healthcare",
	"Utilities",
	"Education",
	"Travel",
}

// Transaction is the subset of a receipt the model learns from
type Transaction struct {
	Merchant    string    `json:"merchant"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	Time        time.Time `json:"time,omitempty"`
	// PendingID names the pending item this transaction came from, if any
	PendingID string `json:"pending_id,omitempty"`
}

// CorrectionPattern records one user fix, direct or propagated
type CorrectionPattern struct {
	ID         string      `json:"id"`
	Original   Transaction `json:"original"`
	Corrected  Transaction `json:"corrected"`
	Confidence float64     `json:"confidence"`
	Usage      int         `json:"usage"`
	Propagated bool        `json:"propagated"`
	CreatedAt  time.Time   `json:"created_at"`
	LastUsed   time.Time   `json:"last_used"`
}

// PendingItem is an extracted transaction the user has not reviewed yet
type PendingItem struct {
	ID          string      `json:"id"`
	Transaction Transaction `json:"transaction"`
	AddedAt     time.Time   `json:"added_at"`
}

// Sample is one training example
type Sample struct {
	Input  Vector `json:"input"`
	Target string `json:"target"`
}

// UserModel is a single-layer linear classifier with sigmoid outputs,
// plus the correction history that trained it.
type UserModel struct {
	UserID         string              `json:"user_id"`
	Weights        map[string]float64  `json:"weights"`
	Biases         map[string]float64  `json:"biases"`
	Patterns       []CorrectionPattern `json:"patterns"`
	Samples        []Sample            `json:"samples"`
	Pending        []PendingItem       `json:"pending"`
	CategoryCounts map[string]int      `json:"category_counts"`
	Accuracy       float64             `json:"accuracy"`
	Corrections    int                 `json:"corrections"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewUserModel creates a model with zero weights and biases and 0.5 accuracy
func NewUserModel(userID string, now time.Time) *UserModel {
	m := &UserModel{
		UserID:         userID,
		Weights:        make(map[string]float64, len(FeatureNames)),
		Biases:         make(map[string]float64, len(Categories)),
		CategoryCounts: make(map[string]int),
		Accuracy:       0.5,
		UpdatedAt:      now,
	}
	for _, f := range FeatureNames {
		m.Weights[f] = 0
	}
	for _, c := range Categories {
		m.Biases[c] = 0
	}
	return m
}

// ensureMaps repairs models decoded from storage with missing maps
func (m *UserModel) ensureMaps() {
	if m.Weights == nil {
		m.Weights = make(map[string]float64, len(FeatureNames))
	}
	if m.Biases == nil {
		m.Biases = make(map[string]float64, len(Categories))
	}
	if m.CategoryCounts == nil {
		m.CategoryCounts = make(map[string]int)
	}
}

// scores returns the sigmoid activation of every category, in Categories order
func (m *UserModel) scores(x Vector) []float64 {
	var dot float64
	for i, f := range FeatureNames {
		dot += m.Weights[f] * x[i]
	}

	out := make([]float64, len(Categories))
	for i, c := range Categories {
		out[i] = sigmoid(m.Biases[c] + dot)
	}
	return out
}

// top returns the index of the highest score and whether it is strictly
// higher than every other score. Ties resolve to the earliest category.
func top(scores []float64) (int, bool) {
	best := 0
	for i := range scores {
		if scores[i] > scores[best] {
			best = i
		}
	}
	for i, s := range scores {
		if i != best && s == scores[best] {
			return best, false
		}
	}
	return best, true
}

// update applies one gradient step toward the one-hot target category
func (m *UserModel) update(x Vector, target string) {
	p := m.scores(x)

	var mse float64
	t := make([]float64, len(Categories))
	for i, c := range Categories {
		if c == target {
			t[i] = 1
		}
		d := t[i] - p[i]
		mse += d * d
	}
	mse /= float64(len(Categories))

	for i, f := range FeatureNames {
		m.Weights[f] += LearningRate * mse * x[i]
	}
	for i, c := range Categories {
		m.Biases[c] += LearningRate * mse * (t[i] - p[i])
	}
}

// hitRate is the share of the last n samples the model currently classifies correctly
func (m *UserModel) hitRate(n int) float64 {
	if len(m.Samples) == 0 {
		return 0.5
	}
	recent := m.Samples[max(0, len(m.Samples)-n):]

	hits := 0
	for _, s := range recent {
		idx, _ := top(m.scores(s.Input))
		if Categories[idx] == s.Target {
			hits++
		}
	}
	return float64(hits) / float64(len(recent))
}

func (m *UserModel) addPattern(p CorrectionPattern) {
	m.Patterns = append(m.Patterns, p)
	if len(m.Patterns) > maxPatterns {
		m.Patterns = append([]CorrectionPattern(nil), m.Patterns[len(m.Patterns)-maxPatterns:]...)
	}
}

func (m *UserModel) addSample(s Sample) {
	m.Samples = append(m.Samples, s)
	if len(m.Samples) > maxSamples {
		m.Samples = append([]Sample(nil), m.Samples[len(m.Samples)-maxSamples:]...)
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
