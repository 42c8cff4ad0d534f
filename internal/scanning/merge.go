package scanning

import (
	"sort"
	"strings"
)

const (
	highConfidence = 0.85
	agreementBonus = 0.1
)

// mergeResults folds backend results into one transcript. priority maps a
// backend name to its configuration order and breaks confidence ties.
func mergeResults(results []Result, priority map[string]int) Transcript {
	ordered := append([]Result(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return priority[ordered[i].Backend] < priority[ordered[j].Backend]
	})

	best := ordered[0]
	if len(ordered) == 1 || best.Confidence > highConfidence {
		return Transcript{
			Text:       best.Text,
			Confidence: best.Confidence,
			Backends:   []string{best.Backend},
		}
	}

	var (
		lines    []string
		keys     []string
		seenBy   = make(map[string]map[string]struct{})
		sum      float64
		backends = make([]string, 0, len(ordered))
	)

	for _, r := range ordered {
		sum += r.Confidence
		backends = append(backends, r.Backend)

		for _, line := range strings.Split(r.Text, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			key := normalizeLine(trimmed)
			if _, ok := seenBy[key]; !ok {
				seenBy[key] = make(map[string]struct{})
				lines = append(lines, trimmed)
				keys = append(keys, key)
			}
			seenBy[key][r.Backend] = struct{}{}
		}
	}

	agreement := 0.0
	if len(keys) > 0 {
		agreed := 0
		for _, k := range keys {
			if len(seenBy[k]) >= 2 {
				agreed++
			}
		}
		agreement = float64(agreed) / float64(len(keys))
	}

	mean := sum / float64(len(ordered))
	return Transcript{
		Text:       strings.Join(lines, "\n"),
		Confidence: clamp01(mean + agreementBonus*agreement),
		Backends:   backends,
	}
}

// normalizeLine collapses case and inner whitespace so OCR spacing noise does not split lines
func normalizeLine(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
