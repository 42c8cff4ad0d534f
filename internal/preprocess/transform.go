package preprocess

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

const (
	contrastFactor   = 1.2
	brightnessFactor = 1.1
)

// resize scales img so its longest side is at most maxDim, preserving aspect
// ratio. The result is always an *image.RGBA anchored at the origin.
func resize(img image.Image, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if w <= maxDim && h <= maxDim {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	nw, nh := maxDim, maxDim
	if w >= h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// luminance is the Rec. 601 luma of an 8-bit RGB triple
func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// enhance applies contrast 1.2 then brightness 1.1 then full desaturation,
// producing the grayscale image handed to the text backends.
func enhance(src *image.RGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := src.Pix[(y-b.Min.Y)*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := x * 4
			v := luminance(row[i], row[i+1], row[i+2]) / 255
			v = ((v-0.5)*contrastFactor + 0.5) * brightnessFactor
			dst.SetGray(b.Min.X+x, y, color.Gray{Y: clampByte(v * 255)})
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
