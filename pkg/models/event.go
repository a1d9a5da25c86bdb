package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the producer-assigned severity label of an event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRanks is the explicit ordering table. Sorting and max-severity
// comparisons go through this table only.
var severityRanks = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Rank returns the numeric rank of a severity (critical=4 .. info=0).
// Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known severity labels.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// ParseSeverity canonicalizes a severity string.
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Event is one immutable telemetry fact emitted by an upstream detector.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Confidence float64           `json:"confidence"`
	Message    string            `json:"message,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// IncidentKey derives the stable merge key for the event: the producer's
// alert_id when it supplied one, otherwise source and type.
func (e *Event) IncidentKey() string {
	if e.Context != nil {
		if id := strings.TrimSpace(e.Context["alert_id"]); id != "" {
			return id
		}
	}
	return fmt.Sprintf("%s|%s", e.Source, e.Type)
}
