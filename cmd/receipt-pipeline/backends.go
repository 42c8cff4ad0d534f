package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/receipt-pipeline/internal/scanning"
)

type backendOptions struct {
	tesseractBin  string
	tesseractLang string
	ocrSpaceKey   string
	ocrSpaceURL   string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
}

// newBackends builds the named text backends in order; the order is the
// ensemble's tie-break priority
func newBackends(ctx context.Context, names []string, opts backendOptions) ([]scanning.Backend, error) {
	var backends []scanning.Backend
	seen := make(map[string]bool)

	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "tesseract":
			slog.Info("Initializing Tesseract backend...", "binary", opts.tesseractBin, "lang", opts.tesseractLang)
			backends = append(backends, scanning.NewTesseract(opts.tesseractBin, opts.tesseractLang))
		case "ocrspace":
			slog.Info("Initializing OCR.space backend...")
			b, err := scanning.NewOCRSpace(opts.ocrSpaceURL, opts.ocrSpaceKey)
			if err != nil {
				return nil, fmt.Errorf("initializing OCR.space: %w", err)
			}
			backends = append(backends, b)
		case "gemini":
			if opts.geminiKey == "" {
				return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
			}
			slog.Info("Initializing Gemini backend...", "model", opts.geminiModel)
			b, err := scanning.NewGemini(ctx, opts.geminiKey, opts.geminiModel)
			if err != nil {
				return nil, fmt.Errorf("initializing Gemini: %w", err)
			}
			backends = append(backends, b)
		case "ollama":
			slog.Info("Initializing Ollama backend...", "url", opts.ollamaURL, "model", opts.ollamaModel)
			b, err := scanning.NewOllama(opts.ollamaURL, opts.ollamaModel)
			if err != nil {
				return nil, fmt.Errorf("initializing Ollama: %w", err)
			}
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("invalid backend %q (valid: tesseract, ocrspace, gemini, ollama)", name)
		}
	}

	if len(backends) == 0 {
		return nil, errors.New("at least one text backend is required")
	}
	return backends, nil
}
