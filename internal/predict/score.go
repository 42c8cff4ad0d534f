package predict

import (
	"slices"
	"sort"

	"github.com/zombor/receipt-pipeline/internal/preprocess"
)

const (
	merchantKeep = 0.3
	categoryKeep = 0.2

	fallbackConfidence = 0.1
)

type candidate struct {
	name       string
	confidence float64
}

// scoreMerchants scores every signature against the features and keeps
// those above the floor, best first, ties in catalog order
func scoreMerchants(f preprocess.Features, merchants []MerchantSignature) []candidate {
	var out []candidate
	for _, sig := range merchants {
		var score float64
		if slices.ContainsFunc(sig.LogoPatterns, f.HasLogo) {
			score += 0.4
		}
		if colorSignaturePresent(f.Histogram, sig.ColorSignatures) {
			score += 0.3
		}
		if slices.Contains(sig.LayoutPatterns, f.Layout.Pattern()) {
			score += 0.2
		}
		if len(sig.Complexities) == 0 || slices.Contains(sig.Complexities, f.Complexity) {
			score += 0.1
		}
		if score > merchantKeep {
			out = append(out, candidate{name: sig.Name, confidence: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].confidence > out[j].confidence })
	return out
}

// scoreCategories scores every category model, best first
func scoreCategories(f preprocess.Features, categories []CategoryModel) []candidate {
	var out []candidate
	for _, m := range categories {
		var score float64
		if colorPatternPresent(f.Histogram, m.TypicalColors) {
			score += 0.3
		}
		if slices.Contains(m.LayoutPatterns, f.Layout.Pattern()) {
			score += 0.2
		}
		if m.ComplexityRange.contains(f.Complexity.Score()) {
			score += 0.2
		}
		if m.AspectRange.contains(f.AspectRatio) {
			score += 0.1
		}
		if brightnessContrastFit(f, m) {
			score += 0.2
		}
		if score > categoryKeep {
			out = append(out, candidate{name: m.Name, confidence: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].confidence > out[j].confidence })
	return out
}

// bin maps an 8-bit channel value onto the luminance histogram
func bin(c int) int {
	b := c * 256 / 255
	return min(max(b, 0), 255)
}

// colorSignaturePresent is true when every channel of some signature lands in a populated bin
func colorSignaturePresent(hist [256]int, signatures []RGB) bool {
	for _, sig := range signatures {
		all := true
		for _, c := range sig {
			if hist[bin(c)] == 0 {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// colorPatternPresent is true when at least half the channels of some colour land in populated bins
func colorPatternPresent(hist [256]int, colors []RGB) bool {
	for _, c := range colors {
		hits := 0
		for _, ch := range c {
			if hist[bin(ch)] > 0 {
				hits++
			}
		}
		if float64(hits) >= float64(len(c))*0.5 {
			return true
		}
	}
	return false
}

func brightnessContrastFit(f preprocess.Features, m CategoryModel) bool {
	if m.BrightnessRange == (Range{}) && m.ContrastRange == (Range{}) {
		return true
	}
	return m.BrightnessRange.contains(f.Brightness) && m.ContrastRange.contains(f.Contrast)
}

// subcategoryFor picks a subcategory from the detected logo tags, falling
// back to the category's first subcategory
func subcategoryFor(f preprocess.Features, model *CategoryModel) string {
	switch {
	case f.HasLogo("green-logo") || f.HasLogo("circular-logo"):
		return "Coffee & Tea"
	case f.HasLogo(preprocess.YellowLogo) || f.HasLogo("golden-arches"):
		return "Fast Food"
	case f.HasLogo(preprocess.BlueLogo) || f.HasLogo("spark-logo"):
		return "General"
	case f.HasLogo(preprocess.RedLogo) || f.HasLogo("bullseye-logo"):
		return "General"
	case f.HasLogo("shell-logo"):
		return "Gas"
	case f.HasLogo(preprocess.BlackLogo) || f.HasLogo("square-logo"):
		return "Ride Share"
	}
	if model != nil && len(model.Subcategories) > 0 {
		return model.Subcategories[0]
	}
	return "General"
}
