package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// defaultVisionConfidence is used when a vision model omits its own estimate
const defaultVisionConfidence = 0.7

type visionReply struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// parseTranscriptJSON parses the JSON reply of a vision model
func parseTranscriptJSON(text string) (string, float64, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", 0, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", 0, fmt.Errorf("invalid JSON object in response")
	}

	var reply visionReply
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &reply); err != nil {
		return "", 0, fmt.Errorf("unmarshaling json: %w", err)
	}

	transcript := strings.TrimSpace(reply.Text)
	if transcript == "" {
		return "", 0, fmt.Errorf("empty transcript in response")
	}

	confidence := defaultVisionConfidence
	if reply.Confidence != nil {
		confidence = clamp01(*reply.Confidence)
	}
	return transcript, confidence, nil
}

// parseVisionReply accepts the JSON reply and falls back to treating the
// whole reply as a plain transcript when the model ignored the format.
func parseVisionReply(text string) (string, float64, error) {
	transcript, confidence, err := parseTranscriptJSON(text)
	if err == nil {
		return transcript, confidence, nil
	}

	plain := strings.TrimSpace(text)
	if plain == "" {
		return "", 0, fmt.Errorf("empty response")
	}
	return plain, heuristicConfidence(plain), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01/02/06",
	"2006/01/02",
	"01-02-2006",
	"01-02-06",
}

// NormalizeDate converts an extracted date token into YYYY-MM-DD, falling
// back to now's date when the token cannot be parsed.
func NormalizeDate(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return now.Format("2006-01-02")
}
