package models

import "time"

// TimelineBucket is one hour of aggregated event activity.
type TimelineBucket struct {
	Hour       time.Time   `json:"hour"`
	Count      int64       `json:"count"`
	BySeverity EventCounts `json:"by_severity"`
	SumScore   float64     `json:"sum_score"`
}

// AvgScore returns the mean score of the bucket's events.
func (b TimelineBucket) AvgScore() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.SumScore / float64(b.Count)
}

// HourFloor truncates a timestamp to its bucket key.
func HourFloor(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}

// ThreatLevel is the coarse posture indicator shown on the dashboard.
type ThreatLevel string

const (
	ThreatGreen  ThreatLevel = "green"
	ThreatYellow ThreatLevel = "yellow"
	ThreatOrange ThreatLevel = "orange"
	ThreatRed    ThreatLevel = "red"
)

// SummaryCounters is the process-wide derived summary. It is recomputable
// from retained buckets at any time; the aggregator maintains it
// incrementally.
type SummaryCounters struct {
	TotalEvents      int64       `json:"total_events"`
	CriticalCount    int64       `json:"critical_count"`
	HighCount        int64       `json:"high_count"`
	MediumCount      int64       `json:"medium_count"`
	EstimatedBlocked int64       `json:"estimated_blocked"`
	ThreatLevel      ThreatLevel `json:"threat_level"`
}
