package preprocess

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
)

// DefaultMaxDimension caps the longest side of the normalized image
const DefaultMaxDimension = 2000

// ErrPreprocessing is returned when an image cannot be decoded or normalized
var ErrPreprocessing = errors.New("preprocessing failure")

// Complexity is the tier an image or batch item is scheduled under
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Score maps a tier onto [0,1] for range checks
func (c Complexity) Score() float64 {
	switch c {
	case Simple:
		return 0.3
	case Medium:
		return 0.6
	case Complex:
		return 0.9
	default:
		return 0.5
	}
}

// Layout is the coarse text layout class of an image
type Layout string

const (
	Sparse Layout = "sparse"
	Dense  Layout = "dense"
	// MediumLayout shares its name with the medium complexity tier
	MediumLayout Layout = "medium"
)

// Pattern returns the layout as it appears in catalog layout patterns
func (l Layout) Pattern() string {
	return "text-" + string(l)
}

// Features is the visual summary of one image
type Features struct {
	Histogram   [256]int   `json:"-"`
	Layout      Layout     `json:"layout"`
	LogoTags    []string   `json:"logo_tags"`
	Complexity  Complexity `json:"complexity"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	AspectRatio float64    `json:"aspect_ratio"`
	Brightness  float64    `json:"brightness"`
	Contrast    float64    `json:"contrast"`
	TextDensity float64    `json:"text_density"`
}

// HasLogo reports whether the given logo tag was detected
func (f Features) HasLogo(tag string) bool {
	for _, t := range f.LogoTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Image is a normalized image ready for the extraction backends
type Image struct {
	// Data is the normalized image, always PNG
	Data     []byte
	Hash     string
	Size     int
	Features Features
}

// Preprocessor normalizes raw image bytes and computes visual features
type Preprocessor struct {
	maxDimension int
}

// New creates a Preprocessor; a non-positive maxDimension uses DefaultMaxDimension
func New(maxDimension int) *Preprocessor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Preprocessor{maxDimension: maxDimension}
}

// Hash returns the hex-encoded SHA-256 of the data
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Process decodes, resizes and analyzes an image
func (p *Preprocessor) Process(data []byte, contentType string) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrPreprocessing)
	}

	img, err := decodeImage(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreprocessing, err)
	}

	rgba := resize(img, p.maxDimension)
	bounds := rgba.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrPreprocessing)
	}

	features := analyze(rgba)

	var buf bytes.Buffer
	if err := png.Encode(&buf, enhance(rgba)); err != nil {
		return nil, fmt.Errorf("%w: encoding PNG: %w", ErrPreprocessing, err)
	}

	return &Image{
		Data:     buf.Bytes(),
		Hash:     Hash(data),
		Size:     len(data),
		Features: features,
	}, nil
}
