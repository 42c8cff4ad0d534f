package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultOCRSpaceURL = "https://api.ocr.space/parse/image"

// OCRSpace implements Backend using the OCR.space cloud API
type OCRSpace struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOCRSpace creates a new OCR.space backend; an empty endpoint uses the public API
func NewOCRSpace(endpoint, apiKey string) (*OCRSpace, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ocr.space api key is required")
	}
	if endpoint == "" {
		endpoint = defaultOCRSpaceURL
	}
	return &OCRSpace{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type ocrSpaceResponse struct {
	ParsedResults []struct {
		ParsedText  string `json:"ParsedText"`
		TextOverlay struct {
			Lines []json.RawMessage `json:"Lines"`
		} `json:"TextOverlay"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
}

func (o *OCRSpace) Name() string  { return "ocrspace" }
func (o *OCRSpace) Cost() float64 { return 0.001 }
func (o *OCRSpace) Close() error  { return nil }

// Extract uploads the image as a base64 data URI
func (o *OCRSpace) Extract(ctx context.Context, image []byte) (*Result, error) {
	form := url.Values{}
	form.Set("base64Image", "data:image/png;base64,"+base64.StdEncoding.EncodeToString(image))
	form.Set("language", "eng")
	form.Set("isOverlayRequired", "true")
	form.Set("OCREngine", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ocr.space API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ocr.space API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed ocrSpaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if parsed.IsErroredOnProcessing {
		return nil, fmt.Errorf("ocr.space processing error: %s", string(parsed.ErrorMessage))
	}
	if len(parsed.ParsedResults) == 0 || strings.TrimSpace(parsed.ParsedResults[0].ParsedText) == "" {
		return nil, fmt.Errorf("no text extracted from ocr.space")
	}

	first := parsed.ParsedResults[0]
	confidence := 0.6
	if len(first.TextOverlay.Lines) > 0 {
		confidence = 0.8
	}

	text := strings.ReplaceAll(first.ParsedText, "\r\n", "\n")
	return &Result{Text: strings.TrimSpace(text), Confidence: confidence}, nil
}
