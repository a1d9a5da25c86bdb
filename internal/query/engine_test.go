package query

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"threatlens/pkg/models"
)

type staticIncidents struct {
	incidents []*models.Incident
}

func (s staticIncidents) Snapshot() []*models.Incident {
	out := make([]*models.Incident, len(s.incidents))
	for i, inc := range s.incidents {
		out[i] = inc.Clone()
	}
	return out
}

type staticTimeline struct{}

func (staticTimeline) Summary() models.SummaryCounters { return models.SummaryCounters{} }
func (staticTimeline) Range(from, to time.Time) ([]models.TimelineBucket, error) {
	return nil, nil
}

func at(minute int) time.Time {
	return time.Date(2024, 5, 1, 12, minute, 0, 0, time.UTC)
}

func fixture() []*models.Incident {
	return []*models.Incident{
		{Key: "k1", Title: "SQLi from 10.0.0.1", Source: "10.0.0.1", Severity: models.SeverityHigh, Score: 7.2, Status: models.StatusOpen, UpdatedAt: at(10)},
		{Key: "k2", Title: "Recon sweep", Source: "1.2.3.4", Severity: models.SeverityLow, Score: 1.5, Status: models.StatusResolved, UpdatedAt: at(20)},
		{Key: "k3", Title: "Beacon to C2", Source: "172.16.0.7", Severity: models.SeverityCritical, Score: 9.4, Status: models.StatusInvestigating, UpdatedAt: at(30)},
		{Key: "k4", Title: "Recon probe", Description: "slow port scan", Source: "1.2.3.5", Severity: models.SeverityLow, Score: 1.5, Status: models.StatusOpen, UpdatedAt: at(20)},
	}
}

func TestFilterByStatusAndSeverity(t *testing.T) {
	e := New(staticIncidents{fixture()}, staticTimeline{})

	got := e.ListIncidents(Filter{Statuses: []models.Status{models.StatusOpen}}, SortDate, Page{})
	if len(got) != 2 {
		t.Fatalf("expected 2 open incidents, got %d", len(got))
	}

	got = e.ListIncidents(Filter{Severities: []models.Severity{models.SeverityCritical, models.SeverityHigh}}, SortDate, Page{})
	if len(got) != 2 {
		t.Fatalf("expected 2 critical/high incidents, got %d", len(got))
	}
}

func TestFreeTextSearchIsCaseInsensitive(t *testing.T) {
	e := New(staticIncidents{fixture()}, staticTimeline{})

	got := e.ListIncidents(Filter{Text: "RECON"}, SortDate, Page{})
	if len(got) != 2 {
		t.Fatalf("expected 2 recon matches, got %d", len(got))
	}

	// Matches description and source too.
	if got := e.ListIncidents(Filter{Text: "port scan"}, SortDate, Page{}); len(got) != 1 {
		t.Fatalf("expected description match, got %d", len(got))
	}
	if got := e.ListIncidents(Filter{Text: "172.16"}, SortDate, Page{}); len(got) != 1 {
		t.Fatalf("expected source match, got %d", len(got))
	}
}

func TestSortOrdersAndTieBreaks(t *testing.T) {
	e := New(staticIncidents{fixture()}, staticTimeline{})

	byDate := e.ListIncidents(Filter{}, SortDate, Page{})
	if byDate[0].Key != "k3" {
		t.Fatalf("expected most recent first, got %s", byDate[0].Key)
	}
	// k2 and k4 share updatedAt; key ascending breaks the tie.
	if byDate[1].Key != "k2" || byDate[2].Key != "k4" {
		t.Fatalf("unexpected tie-break order: %s, %s", byDate[1].Key, byDate[2].Key)
	}

	byScore := e.ListIncidents(Filter{}, SortScore, Page{})
	if byScore[0].Key != "k3" || byScore[1].Key != "k1" {
		t.Fatalf("unexpected score order: %s, %s", byScore[0].Key, byScore[1].Key)
	}
	// Equal scores: updatedAt equal too, so key ascending decides.
	if byScore[2].Key != "k2" || byScore[3].Key != "k4" {
		t.Fatalf("unexpected score tie-break: %s, %s", byScore[2].Key, byScore[3].Key)
	}

	bySeverity := e.ListIncidents(Filter{}, SortSeverity, Page{})
	if bySeverity[0].Severity != models.SeverityCritical || bySeverity[1].Severity != models.SeverityHigh {
		t.Fatalf("unexpected severity order: %s, %s", bySeverity[0].Severity, bySeverity[1].Severity)
	}
}

func TestSortIsDeterministicAcrossInputOrder(t *testing.T) {
	base := fixture()
	rng := rand.New(rand.NewSource(7))

	var want []string
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]*models.Incident(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		e := New(staticIncidents{shuffled}, staticTimeline{})
		got := e.ListIncidents(Filter{}, SortScore, Page{})
		keys := make([]string, len(got))
		for i, inc := range got {
			keys[i] = inc.Key
		}
		if trial == 0 {
			want = keys
			continue
		}
		for i := range keys {
			if keys[i] != want[i] {
				t.Fatalf("trial %d: order diverged at %d: %v vs %v", trial, i, keys, want)
			}
		}
	}
}

func TestPagination(t *testing.T) {
	e := New(staticIncidents{fixture()}, staticTimeline{})

	page := e.ListIncidents(Filter{}, SortDate, Page{Offset: 1, Limit: 2})
	if len(page) != 2 {
		t.Fatalf("expected 2 results, got %d", len(page))
	}
	if page[0].Key != "k2" {
		t.Fatalf("unexpected first page item: %s", page[0].Key)
	}

	if got := e.ListIncidents(Filter{}, SortDate, Page{Offset: 99}); got != nil {
		t.Fatalf("expected empty page past the end, got %d", len(got))
	}
}

func TestExportCSVQuotesEveryFieldWithoutHeader(t *testing.T) {
	incidents := []*models.Incident{
		{Key: "k1", Title: "SQLi", Source: "10.0.0.1", Severity: models.SeverityHigh, Score: 7.25, Status: models.StatusOpen, UpdatedAt: at(30)},
		{Key: "k2", Title: "Recon", Source: "1.2.3.4", Severity: models.SeverityLow, Score: 1.5, Status: models.StatusOpen, UpdatedAt: at(10)},
	}
	e := New(staticIncidents{incidents}, staticTimeline{})

	var sb strings.Builder
	if err := e.ExportCSV(&sb, Filter{}); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	want := "\"SQLi\",\"high\",\"10.0.0.1\",\"open\",\"7.2\"\n" +
		"\"Recon\",\"low\",\"1.2.3.4\",\"open\",\"1.5\"\n"
	if sb.String() != want {
		t.Fatalf("unexpected CSV:\n%q\nwant:\n%q", sb.String(), want)
	}
}

func TestExportCSVEscapesEmbeddedQuotes(t *testing.T) {
	incidents := []*models.Incident{
		{Key: "k1", Title: `Injection "union select"`, Source: "h1", Severity: models.SeverityHigh, Score: 5, Status: models.StatusOpen, UpdatedAt: at(0)},
	}
	e := New(staticIncidents{incidents}, staticTimeline{})

	var sb strings.Builder
	if err := e.ExportCSV(&sb, Filter{}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(sb.String(), `"Injection ""union select"""`) {
		t.Fatalf("embedded quotes not doubled: %s", sb.String())
	}
}

func TestParseSort(t *testing.T) {
	if ParseSort("score") != SortScore || ParseSort("SEVERITY") != SortSeverity {
		t.Fatalf("known sorts misparsed")
	}
	if ParseSort("") != SortDate || ParseSort("bogus") != SortDate {
		t.Fatalf("default sort should be date")
	}
}
