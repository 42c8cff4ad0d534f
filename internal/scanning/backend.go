package scanning

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendTimeout is returned when a backend exceeds its own deadline
	ErrBackendTimeout = errors.New("backend timed out")
	// ErrExtractionFailed is returned when no backend produced a transcript
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrCacheCorrupt is returned by caches holding an undecodable entry
	ErrCacheCorrupt = errors.New("transcript cache entry corrupt")
)

// Result is one backend's transcript of an image
type Result struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Backend    string        `json:"backend"`
	Latency    time.Duration `json:"latency"`
	Cost       float64       `json:"cost"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Backend defines an independent text-extraction capability
type Backend interface {
	// Name identifies the backend in results and logs
	Name() string
	// Cost is the declared price of one successful call
	Cost() float64
	// Extract transcribes a normalized PNG image
	Extract(ctx context.Context, image []byte) (*Result, error)
	// Close releases any resources held by the backend
	Close() error
}

// transcriptPrompt is shared by the vision-model backends
const transcriptPrompt = `You are reading a photographed or scanned receipt. Transcribe every line of text exactly as printed, top to bottom, preserving line breaks. Do not summarize, translate or correct anything.

Return ONLY valid JSON in this exact format:
{
  "text": "full transcript with \n between lines",
  "confidence": 0.0
}

Important:
- confidence is your estimate between 0 and 1 that the transcript is accurate
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
