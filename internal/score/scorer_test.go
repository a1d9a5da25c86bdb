package score

import (
	"math"
	"testing"

	"threatlens/pkg/models"
)

type staticFeed struct {
	scores map[string]float64
}

func (f staticFeed) AvgRiskScore(source string) (float64, bool) {
	v, ok := f.scores[source]
	return v, ok
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestLocalAllCriticalSaturatesWithFullConfidence(t *testing.T) {
	counts := models.EventCounts{Critical: 4}
	if got := Local(counts, 1.0); !almostEqual(got, 10) {
		t.Fatalf("expected 10, got %f", got)
	}
}

func TestLocalConfidenceDamps(t *testing.T) {
	counts := models.EventCounts{Critical: 2}
	if got := Local(counts, 0.5); !almostEqual(got, 5) {
		t.Fatalf("expected 5, got %f", got)
	}
}

func TestLocalNormalizesByIncidentCount(t *testing.T) {
	// One critical among three events pulls the average weight down.
	counts := models.EventCounts{Critical: 1, Info: 2}
	want := (3.0 / 3.0) * (10.0 / 3.0)
	if got := Local(counts, 1.0); !almostEqual(got, want) {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestLocalEmptyHistoryIsZero(t *testing.T) {
	if got := Local(models.EventCounts{}, 1.0); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestScoreAveragesExternalFeed(t *testing.T) {
	s := New(staticFeed{scores: map[string]float64{"10.0.0.1": 8}})
	ev := &models.Event{Source: "10.0.0.1", Severity: models.SeverityCritical, Confidence: 1.0}

	local := Local(models.EventCounts{Critical: 1}, 1.0)
	want := (local + 8) / 2
	if got := s.Score(ev, models.EventCounts{}); !almostEqual(got, want) {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestScoreFallsBackWithoutFeedEntry(t *testing.T) {
	s := New(staticFeed{scores: map[string]float64{}})
	ev := &models.Event{Source: "10.0.0.9", Severity: models.SeverityHigh, Confidence: 1.0}

	want := Local(models.EventCounts{High: 1}, 1.0)
	if got := s.Score(ev, models.EventCounts{}); !almostEqual(got, want) {
		t.Fatalf("expected local fallback %f, got %f", want, got)
	}
}

func TestScoreNilFeed(t *testing.T) {
	s := New(nil)
	ev := &models.Event{Source: "h1", Severity: models.SeverityMedium, Confidence: 0.8}
	want := Local(models.EventCounts{Medium: 1}, 0.8)
	if got := s.Score(ev, models.EventCounts{}); !almostEqual(got, want) {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestScoreClampsRunawayFeed(t *testing.T) {
	s := New(staticFeed{scores: map[string]float64{"h1": 900}})
	ev := &models.Event{Source: "h1", Severity: models.SeverityCritical, Confidence: 1.0}
	got := s.Score(ev, models.EventCounts{})
	if got < 0 || got > 10 {
		t.Fatalf("score out of range: %f", got)
	}
}

func TestRecommendedActionBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{9.5, "isolate affected host"},
		{6.1, "block source and investigate"},
		{4.0, "investigate"},
		{2.5, "monitor"},
		{0.5, ""},
	}
	for _, tc := range cases {
		if got := RecommendedAction(tc.score); got != tc.want {
			t.Fatalf("score %f: expected %q, got %q", tc.score, tc.want, got)
		}
	}
}
