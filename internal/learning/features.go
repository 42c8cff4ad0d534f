package learning

import (
	"strings"
	"time"
)

// FeatureNames orders the entries of a Vector
var FeatureNames = []string{
	"merchant_similarity",
	"amount_range",
	"description_keywords",
	"time_pattern",
	"category_frequency",
	"user_preference",
}

// Vector is one feature value per FeatureNames entry
type Vector [6]float64

var knownBrands = []string{
	"starbucks", "mcdonalds", "walmart", "target", "amazon",
	"uber", "lyft", "shell", "chevron", "exxon",
}

var keywordGroups = [][]string{
	{"food", "eat", "restaurant", "meal", "dining"},
	{"uber", "lyft", "gas", "fuel", "parking"},
	{"store", "shop", "buy", "purchase", "retail"},
}

// features builds the model input for a transaction. now supplies the
// time-of-day when the transaction carries no timestamp.
func (m *UserModel) features(tx Transaction, now time.Time) Vector {
	at := tx.Time
	if at.IsZero() {
		at = now
	}
	return Vector{
		brandSimilarity(tx.Merchant),
		amountBucket(tx.Amount),
		keywordScore(tx.Description),
		timeBucket(at.Hour()),
		m.categoryFrequency(tx.Category),
		0.5,
	}
}

// brandSimilarity is 0.8 when the merchant looks like a well-known brand
func brandSimilarity(merchant string) float64 {
	if brandOf(merchant) != "" {
		return 0.8
	}
	return 0.2
}

// brandOf returns the known brand a merchant name refers to, if any
func brandOf(merchant string) string {
	key := squash(merchant)
	if key == "" {
		return ""
	}
	for _, b := range knownBrands {
		if strings.Contains(key, b) || (len(key) >= 4 && strings.Contains(b, key)) {
			return b
		}
	}
	return ""
}

// squash lowercases and drops everything but letters and digits, so
// "McDonald's #1234" and "MCDONALDS" compare equal on the brand part
func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func amountBucket(amount float64) float64 {
	switch {
	case amount <= 0:
		return 0
	case amount <= 10:
		return 0.1
	case amount <= 50:
		return 0.3
	case amount <= 100:
		return 0.5
	case amount <= 500:
		return 0.7
	default:
		return 0.9
	}
}

// keywordScore is the best share of any keyword group found in the description
func keywordScore(description string) float64 {
	desc := strings.ToLower(description)
	var best float64
	for _, words := range keywordGroups {
		hits := 0
		for _, w := range words {
			if strings.Contains(desc, w) {
				hits++
			}
		}
		best = max(best, float64(hits)/float64(len(words)))
	}
	return best
}

func timeBucket(hour int) float64 {
	switch {
	case hour >= 9 && hour < 17:
		return 0.8
	case hour >= 17 && hour < 22:
		return 0.6
	default:
		return 0.2
	}
}

// categoryFrequency is the share of the user's corrections landing in category
func (m *UserModel) categoryFrequency(category string) float64 {
	if category == "" || m.Corrections == 0 {
		return 0.5
	}
	return float64(m.CategoryCounts[category]) / float64(m.Corrections)
}
