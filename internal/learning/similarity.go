package learning

import (
	"math"
	"strings"
)

const (
	merchantThreshold    = 0.7
	amountTolerance      = 0.2
	descriptionThreshold = 0.6
)

// merchantSimilarity compares two merchant names: 1 for the same name,
// 0.8 when one contains the other or both name the same known brand,
// otherwise the token overlap.
func merchantSimilarity(a, b string) float64 {
	sa, sb := squash(a), squash(b)
	if sa == "" || sb == "" {
		return 0
	}
	if sa == sb {
		return 1
	}
	if strings.Contains(sa, sb) || strings.Contains(sb, sa) {
		return 0.8
	}
	if ba := brandOf(a); ba != "" && ba == brandOf(b) {
		return 0.8
	}
	return jaccard(a, b)
}

func amountsClose(a, b float64) bool {
	if a == b {
		return true
	}
	hi := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b)/hi < amountTolerance
}

// jaccard is the word-set overlap of two strings
func jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// similar reports whether a pending transaction should inherit a correction
// made to original.
func similar(original, pending Transaction) bool {
	if merchantSimilarity(original.Merchant, pending.Merchant) <= merchantThreshold {
		return false
	}
	return amountsClose(original.Amount, pending.Amount) ||
		jaccard(original.Description, pending.Description) > descriptionThreshold
}
