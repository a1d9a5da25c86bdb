package lifecycle

import (
	"errors"
	"testing"
	"time"

	"threatlens/internal/score"
	"threatlens/pkg/models"
)

func testManager() *Manager {
	m := NewManager(score.New(nil))
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return m
}

func event(id string, sev models.Severity) *models.Event {
	return &models.Event{
		ID:         id,
		Timestamp:  time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
		Source:     "10.0.0.1",
		Type:       "sqli",
		Severity:   sev,
		Confidence: 0.9,
	}
}

func TestCriticalEventsMergeAndAutoEscalate(t *testing.T) {
	m := testManager()

	res := m.Ingest(event("e1", models.SeverityCritical))
	if !res.Created || !res.AutoEscalated {
		t.Fatalf("expected created+auto-escalated, got %+v", res)
	}
	m.Ingest(event("e2", models.SeverityCritical))
	res = m.Ingest(event("e3", models.SeverityHigh))

	inc := res.Incident
	if inc.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", inc.Severity)
	}
	if len(inc.ContributingEventIDs) != 3 {
		t.Fatalf("expected 3 contributing events, got %d", len(inc.ContributingEventIDs))
	}
	if inc.Status != models.StatusInvestigating {
		t.Fatalf("expected investigating, got %s", inc.Status)
	}
}

func TestDuplicateEventIsNoOp(t *testing.T) {
	m := testManager()

	first := m.Ingest(event("e1", models.SeverityHigh))
	dup := m.Ingest(event("e1", models.SeverityHigh))
	if !dup.Duplicate {
		t.Fatalf("expected duplicate flag")
	}

	after, _ := m.Get(first.Incident.Key)
	if len(after.ContributingEventIDs) != 1 {
		t.Fatalf("duplicate mutated incident: %d ids", len(after.ContributingEventIDs))
	}
	if !after.UpdatedAt.Equal(first.Incident.UpdatedAt) {
		t.Fatalf("duplicate bumped updatedAt")
	}
}

func TestSeverityNeverDecreasesOnIngest(t *testing.T) {
	m := testManager()

	m.Ingest(event("e1", models.SeverityHigh))
	res := m.Ingest(event("e2", models.SeverityLow))
	if res.Incident.Severity != models.SeverityHigh {
		t.Fatalf("severity regressed to %s", res.Incident.Severity)
	}
}

func TestOverrideSeverityMayDecrease(t *testing.T) {
	m := testManager()

	res := m.Ingest(event("e1", models.SeverityCritical))
	inc, err := m.OverrideSeverity(res.Incident.Key, models.SeverityMedium, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inc.Severity != models.SeverityMedium {
		t.Fatalf("expected medium after override, got %s", inc.Severity)
	}
	if len(inc.History) == 0 {
		t.Fatalf("expected history entry for override")
	}
}

func TestResolveFromOpenIsRejected(t *testing.T) {
	m := testManager()

	res := m.Ingest(event("e1", models.SeverityLow))
	if res.Incident.Status != models.StatusOpen {
		t.Fatalf("expected open, got %s", res.Incident.Status)
	}

	_, err := m.Transition(res.Incident.Key, models.StatusResolved, "alice", "")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	after, _ := m.Get(res.Incident.Key)
	if after.Status != models.StatusOpen {
		t.Fatalf("rejected transition mutated status to %s", after.Status)
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	m := testManager()
	key := m.Ingest(event("e1", models.SeverityHigh)).Incident.Key

	steps := []models.Status{
		models.StatusInvestigating,
		models.StatusContained,
		models.StatusEscalated,
		models.StatusContained,
		models.StatusResolved,
	}
	for _, target := range steps {
		inc, err := m.Transition(key, target, "alice", "")
		if err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
		if inc.Status != target {
			t.Fatalf("expected %s, got %s", target, inc.Status)
		}
	}

	inc, _ := m.Get(key)
	if inc.AssignedAnalyst != "alice" {
		t.Fatalf("expected assigned analyst alice, got %q", inc.AssignedAnalyst)
	}
	if len(inc.History) != len(steps) {
		t.Fatalf("expected %d history entries, got %d", len(steps), len(inc.History))
	}
}

func TestFalsePositiveReachableFromNonResolved(t *testing.T) {
	for _, from := range []models.Status{models.StatusOpen, models.StatusInvestigating, models.StatusContained, models.StatusEscalated} {
		if !CanTransition(from, models.StatusFalsePositive) {
			t.Fatalf("false_positive unreachable from %s", from)
		}
	}
	if CanTransition(models.StatusResolved, models.StatusFalsePositive) {
		t.Fatalf("false_positive must not be reachable from resolved")
	}
}

func TestReopenIsExplicitOnly(t *testing.T) {
	m := testManager()
	key := m.Ingest(event("e1", models.SeverityCritical)).Incident.Key

	if _, err := m.Transition(key, models.StatusResolved, "alice", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	inc, err := m.Transition(key, models.StatusOpen, "bob", "reopened after new findings")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if inc.Status != models.StatusOpen {
		t.Fatalf("expected open after reopen, got %s", inc.Status)
	}
}

func TestClosedIncidentIsArchivedNotReopenedByEvents(t *testing.T) {
	m := testManager()
	key := m.Ingest(event("e1", models.SeverityCritical)).Incident.Key
	if _, err := m.Transition(key, models.StatusFalsePositive, "alice", "benign scanner"); err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}

	res := m.Ingest(event("e2", models.SeverityHigh))
	if !res.Created {
		t.Fatalf("expected fresh incident for closed key")
	}
	if res.Incident.Status != models.StatusOpen {
		t.Fatalf("expected open, got %s", res.Incident.Status)
	}
	if res.Incident.Severity != models.SeverityHigh {
		t.Fatalf("fresh incident inherited old severity: %s", res.Incident.Severity)
	}

	all := m.Snapshot()
	if len(all) != 2 {
		t.Fatalf("expected archived + current, got %d incidents", len(all))
	}
}

func TestUnknownKeyTransition(t *testing.T) {
	m := testManager()
	_, err := m.Transition("nope", models.StatusInvestigating, "alice", "")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvictSeenBeforeAllowsReplayAfterRetention(t *testing.T) {
	m := testManager()
	m.Ingest(event("e1", models.SeverityHigh))
	if !m.Seen("e1") {
		t.Fatalf("expected e1 to be seen")
	}

	m.EvictSeenBefore(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	if m.Seen("e1") {
		t.Fatalf("expected e1 evicted from dedupe index")
	}

	res := m.Ingest(event("e1", models.SeverityHigh))
	if res.Duplicate {
		t.Fatalf("replay after eviction should count as new")
	}
}
