package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"threatlens/pkg/models"
)

// MalformedEventError rejects a payload before any state mutation.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: field %q: %s", e.Field, e.Reason)
}

// Config controls validation behavior.
type Config struct {
	// MaxFutureSkew bounds how far ahead of the local clock a producer
	// timestamp may be.
	MaxFutureSkew time.Duration
}

// Normalizer validates and canonicalizes raw producer payloads.
type Normalizer struct {
	maxFutureSkew time.Duration
	now           func() time.Time
}

// New creates a normalizer.
func New(cfg Config) *Normalizer {
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 24 * time.Hour
	}
	return &Normalizer{
		maxFutureSkew: cfg.MaxFutureSkew,
		now:           time.Now,
	}
}

// Normalize converts a raw JSON payload into a canonical Event.
func (n *Normalizer) Normalize(data []byte) (*models.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedEventError{Field: "payload", Reason: "invalid JSON: " + err.Error()}
	}
	return n.NormalizeMap(raw)
}

// NormalizeMap converts an already-decoded payload into a canonical Event.
func (n *Normalizer) NormalizeMap(raw map[string]interface{}) (*models.Event, error) {
	id := getString(raw, "id", "event_id")
	if id == "" {
		return nil, &MalformedEventError{Field: "id", Reason: "required"}
	}

	ts, ok := parseTimestamp(raw["timestamp"])
	if !ok {
		return nil, &MalformedEventError{Field: "timestamp", Reason: "required, RFC3339 or unix seconds"}
	}
	if skew := ts.Sub(n.now()); skew > n.maxFutureSkew {
		return nil, &MalformedEventError{Field: "timestamp", Reason: fmt.Sprintf("%s in the future exceeds allowed skew %s", skew.Round(time.Second), n.maxFutureSkew)}
	}

	source := getString(raw, "source", "src")
	if source == "" {
		return nil, &MalformedEventError{Field: "source", Reason: "required"}
	}
	typ := getString(raw, "type", "category")
	if typ == "" {
		return nil, &MalformedEventError{Field: "type", Reason: "required"}
	}

	severity := models.SeverityInfo
	if rawSev := getString(raw, "severity"); rawSev != "" {
		s, ok := models.ParseSeverity(rawSev)
		if !ok {
			return nil, &MalformedEventError{Field: "severity", Reason: "unknown level " + strconv.Quote(rawSev)}
		}
		severity = s
	}

	confidence := 0.5
	if v, present := raw["confidence"]; present {
		c, ok := toFloat(v)
		if !ok {
			return nil, &MalformedEventError{Field: "confidence", Reason: "not numeric"}
		}
		confidence = clamp01(c)
	}

	event := &models.Event{
		ID:         id,
		Timestamp:  ts.UTC(),
		Source:     source,
		Type:       typ,
		Severity:   severity,
		Confidence: confidence,
		Message:    getString(raw, "message", "msg"),
	}

	if ctx, ok := raw["context"].(map[string]interface{}); ok && len(ctx) > 0 {
		event.Context = make(map[string]string, len(ctx))
		for k, v := range ctx {
			event.Context[k] = stringify(v)
		}
	}
	return event, nil
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
			return unixFloat(secs), true
		}
		return time.Time{}, false
	case float64:
		if val <= 0 {
			return time.Time{}, false
		}
		return unixFloat(val), true
	case int64:
		if val <= 0 {
			return time.Time{}, false
		}
		return time.Unix(val, 0), true
	case json.Number:
		secs, err := val.Float64()
		if err != nil || secs <= 0 {
			return time.Time{}, false
		}
		return unixFloat(secs), true
	}
	return time.Time{}, false
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second)))
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func getString(root map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := root[key]
		if !ok {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
