package preprocess

import (
	"image"
	"math"
)

const (
	denseThreshold  = 0.30
	mediumThreshold = 0.15

	complexPixels = 1_000_000
	mediumPixels  = 500_000

	logoHalfWidth  = 100
	logoHalfHeight = 50

	// minimum share of the logo window a colour needs before it is tagged
	minLogoShare  = 0.05
	minBlackShare = 0.25
)

// Logo tags emitted by the window sampler
const (
	RedLogo    = "red-logo"
	BlueLogo   = "blue-logo"
	YellowLogo = "yellow-logo"
	BlackLogo  = "black-logo"
)

// analyze computes the visual features of an origin-anchored RGBA image in one pass
func analyze(img *image.RGBA) Features {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h

	var f Features
	f.Width = w
	f.Height = h
	f.AspectRatio = float64(w) / float64(h)

	var sum, sumSq float64
	textPixels := 0

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := x * 4
			gray := luminance(row[i], row[i+1], row[i+2])
			f.Histogram[clampByte(gray)]++
			sum += gray
			sumSq += gray * gray
			if gray < 50 || gray > 200 {
				textPixels++
			}
		}
	}

	n := float64(total)
	mean := sum / n
	variance := math.Max(0, sumSq/n-mean*mean)

	f.Brightness = mean / 255
	f.Contrast = math.Sqrt(variance) / 255
	f.TextDensity = float64(textPixels) / n

	switch {
	case f.TextDensity > denseThreshold:
		f.Layout = Dense
	case f.TextDensity > mediumThreshold:
		f.Layout = MediumLayout
	default:
		f.Layout = Sparse
	}

	switch {
	case f.TextDensity > denseThreshold || total > complexPixels:
		f.Complexity = Complex
	case f.TextDensity > mediumThreshold || total > mediumPixels:
		f.Complexity = Medium
	default:
		f.Complexity = Simple
	}

	f.LogoTags = logoTags(img)
	return f
}

// logoTags samples the window centred at (w/2, h/4) where receipt logos usually sit
func logoTags(img *image.RGBA) []string {
	b := img.Bounds()
	cx, cy := b.Dx()/2, b.Dy()/4

	x0, x1 := max(0, cx-logoHalfWidth), min(b.Dx(), cx+logoHalfWidth)
	y0, y1 := max(0, cy-logoHalfHeight), min(b.Dy(), cy+logoHalfHeight)

	var red, blue, yellow, black, sampled int
	for y := y0; y < y1; y++ {
		row := img.Pix[y*img.Stride:]
		for x := x0; x < x1; x++ {
			i := x * 4
			r, g, bl := int(row[i]), int(row[i+1]), int(row[i+2])
			sampled++
			switch {
			case r > 180 && g < 100 && bl < 100:
				red++
			case bl > 150 && r < 100 && bl > g+40:
				blue++
			case r > 200 && g > 160 && bl < 100:
				yellow++
			case r < 50 && g < 50 && bl < 50:
				black++
			}
		}
	}
	if sampled == 0 {
		return nil
	}

	share := func(n int) float64 { return float64(n) / float64(sampled) }

	var tags []string
	if share(red) >= minLogoShare {
		tags = append(tags, RedLogo)
	}
	if share(blue) >= minLogoShare {
		tags = append(tags, BlueLogo)
	}
	if share(yellow) >= minLogoShare {
		tags = append(tags, YellowLogo)
	}
	if share(black) >= minBlackShare {
		tags = append(tags, BlackLogo)
	}
	return tags
}
