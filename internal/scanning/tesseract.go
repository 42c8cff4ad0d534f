package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Runner lets tests stub the tesseract binary
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("Exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("Exec ok",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Tesseract runs the local tesseract CLI; it is free but the least accurate backend
type Tesseract struct {
	binary string
	lang   string
	runner Runner
}

// NewTesseract creates a Tesseract backend. Empty arguments use "tesseract" and "eng".
func NewTesseract(binary, lang string) *Tesseract {
	return NewTesseractWithRunner(binary, lang, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract backend with an injected command runner
func NewTesseractWithRunner(binary, lang string, runner Runner) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{binary: binary, lang: lang, runner: runner}
}

func (t *Tesseract) Name() string  { return "tesseract" }
func (t *Tesseract) Cost() float64 { return 0 }
func (t *Tesseract) Close() error  { return nil }

// Extract writes the image to a temp file and runs tesseract in TSV mode,
// rebuilding the transcript from word rows and averaging word confidence.
func (t *Tesseract) Extract(ctx context.Context, image []byte) (*Result, error) {
	f, err := os.CreateTemp("", "receipt-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(image); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	out, _, err := t.runner.Run(ctx, t.binary, f.Name(), "stdout", "-l", t.lang, "--psm", "6", "tsv")
	if err != nil {
		return nil, fmt.Errorf("running tesseract: %w", err)
	}

	text, ocrConf := parseTesseractTSV(string(out))
	text = reBoxNoise.ReplaceAllString(text, "")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("tesseract produced no text")
	}

	heur := heuristicConfidence(text)
	confidence := heur
	if ocrConf > 0 {
		confidence = 0.7*ocrConf + 0.3*heur
	}

	return &Result{Text: text, Confidence: clamp01(confidence)}, nil
}

var reBoxNoise = regexp.MustCompile(`[|_]{3,}`)

// parseTesseractTSV rebuilds line-broken text from tesseract TSV output and
// returns the mean word confidence in [0,1].
func parseTesseractTSV(tsv string) (string, float64) {
	var (
		lines   []string
		current []string
		lastKey string
		sum, n  float64
	)

	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}

		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		key := cols[2] + "/" + cols[3] + "/" + cols[4]
		if key != lastKey && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
		lastKey = key
		current = append(current, word)

		if conf, err := strconv.ParseFloat(cols[10], 64); err == nil && conf >= 0 {
			sum += conf
			n++
		}
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	if n == 0 {
		return strings.Join(lines, "\n"), 0
	}
	return strings.Join(lines, "\n"), sum / n / 100
}

var (
	reDate   = regexp.MustCompile(`\b\d{1,4}[/-]\d{1,2}[/-]\d{2,4}\b`)
	reCurr   = regexp.MustCompile(`\b(usd|eur|gbp|cad)\b|[$£€]`)
	reAmount = regexp.MustCompile(`\b\d{1,3}(,\d{3})*(\.\d{2})\b|\b\d+\.\d{2}\b`)
)

// heuristicConfidence scores text by the receipt artifacts it contains
func heuristicConfidence(txt string) float64 {
	txtL := strings.ToLower(txt)
	score := 0.2
	if reDate.MatchString(txtL) {
		score += 0.2
	}
	if reCurr.MatchString(txtL) {
		score += 0.15
	}
	if reAmount.MatchString(txtL) {
		score += 0.15
	}
	if len(txt) > 120 {
		score += 0.1
	}
	return clamp01(score)
}
