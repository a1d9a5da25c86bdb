package score

import (
	"threatlens/pkg/models"
)

// RiskFeed supplies an external 0-10 average risk score for a source.
// Lookups must be cheap and local; a feed that has nothing for the source
// returns ok=false and the scorer falls back to its own heuristic.
type RiskFeed interface {
	AvgRiskScore(source string) (float64, bool)
}

// Scorer computes composite 0-10 threat scores for incidents.
type Scorer struct {
	feed RiskFeed
}

// New creates a scorer. feed may be nil.
func New(feed RiskFeed) *Scorer {
	return &Scorer{feed: feed}
}

// Score computes the incident score after the given event joins an incident
// whose prior contributing events are tallied in history. The external feed,
// when it knows the source, is averaged with the local heuristic; it never
// replaces it and its absence never blocks scoring.
func (s *Scorer) Score(event *models.Event, history models.EventCounts) float64 {
	counts := history
	counts.Add(event.Severity)
	local := Local(counts, event.Confidence)

	if s.feed != nil {
		if ext, ok := s.feed.AvgRiskScore(event.Source); ok {
			return clamp10((local + clamp10(ext)) / 2)
		}
	}
	return local
}

// Local is the pure severity-distribution heuristic: a weighted severity sum
// normalized by the incident's own event count, scaled onto 0-10 and damped
// by the detector's confidence.
func Local(counts models.EventCounts, confidence float64) float64 {
	total := counts.Total()
	if total == 0 {
		return 0
	}

	weighted := 3.0*float64(counts.Critical) + 1.5*float64(counts.High) + 0.5*float64(counts.Medium)
	norm := weighted / float64(total)

	return clamp10(norm * (10.0 / 3.0) * confidence)
}

// RecommendedAction maps a score band to a coarse response suggestion.
func RecommendedAction(score float64) string {
	switch {
	case score >= 8:
		return "isolate affected host"
	case score >= 6:
		return "block source and investigate"
	case score >= 4:
		return "investigate"
	case score >= 2:
		return "monitor"
	default:
		return ""
	}
}

func clamp10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
