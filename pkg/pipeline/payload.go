package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Document is a source retrieved by a pipeline.
type Document struct {
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Source     string  `json:"source,omitempty"`
	URL        string  `json:"url,omitempty"`
	Content    string  `json:"content,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
}

// RetrievePayload is the payload of the retrieve stage shared by several pipelines.
type RetrievePayload struct {
	Documents []Document `json:"documents"`
}

// ConfidenceCounts tallies items by reported confidence level.
type ConfidenceCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Add counts one item at level. Unknown levels are ignored.
func (c *ConfidenceCounts) Add(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "high":
		c.High++
	case "medium":
		c.Medium++
	case "low":
		c.Low++
	}
}

func (c ConfidenceCounts) Total() int {
	return c.High + c.Medium + c.Low
}

// DecodeField decodes the field at path of state into v. The backend sends some structured
// fields as JSON encoded strings; those are decoded from the string content. A missing or
// null field leaves v untouched and reports false.
func DecodeField(state json.RawMessage, path string, v any) (bool, error) {
	res := gjson.GetBytes(state, path)
	if !res.Exists() || res.Type == gjson.Null {
		return false, nil
	}

	raw := res.Raw
	if res.Type == gjson.String {
		raw = strings.TrimSpace(res.Str)
		if raw == "" {
			return false, nil
		}
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// ExtractRetrieve reads the retrieved documents of a retrieve stage.
func ExtractRetrieve(state json.RawMessage) (RetrievePayload, error) {
	p := RetrievePayload{Documents: []Document{}}
	if _, err := DecodeField(state, "documents", &p.Documents); err != nil {
		return RetrievePayload{Documents: []Document{}}, err
	}
	return p, nil
}

// PayloadOf returns the payload of stage converted to T.
func PayloadOf[T any](stages []StageEntry, stage string) (T, bool) {
	for _, s := range stages {
		if s.Name == stage {
			v, ok := s.Payload.(T)
			return v, ok
		}
	}
	var zero T
	return zero, false
}
