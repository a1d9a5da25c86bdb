package query

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"threatlens/pkg/models"
)

// Sort selects the incident ordering.
type Sort string

const (
	SortDate     Sort = "date"
	SortScore    Sort = "score"
	SortSeverity Sort = "severity"
)

// ParseSort canonicalizes a sort name; anything unknown is the default.
func ParseSort(raw string) Sort {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "score":
		return SortScore
	case "severity":
		return SortSeverity
	default:
		return SortDate
	}
}

// Filter narrows the incident list. Empty slices and text match everything.
type Filter struct {
	Statuses   []models.Status
	Severities []models.Severity
	Text       string
}

// Page is offset/limit pagination. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// IncidentSource is the lifecycle manager surface the engine reads.
type IncidentSource interface {
	Snapshot() []*models.Incident
}

// TimelineSource is the aggregator surface the engine reads.
type TimelineSource interface {
	Summary() models.SummaryCounters
	Range(from, to time.Time) ([]models.TimelineBucket, error)
}

// Engine serves filtered, sorted, paginated views over incident and
// timeline state. It holds no state of its own; every call works on a fresh
// snapshot so readers never observe a half-applied transition.
type Engine struct {
	incidents IncidentSource
	timeline  TimelineSource
}

// New creates a query engine.
func New(incidents IncidentSource, timeline TimelineSource) *Engine {
	return &Engine{incidents: incidents, timeline: timeline}
}

// ListIncidents returns a filtered, sorted page of incidents.
func (e *Engine) ListIncidents(f Filter, s Sort, p Page) []*models.Incident {
	matched := e.match(f)
	sortIncidents(matched, s)

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched
}

// Summary returns the aggregator's current counters.
func (e *Engine) Summary() models.SummaryCounters {
	return e.timeline.Summary()
}

// Timeline returns hour buckets for a range, ascending. The error, when
// non-nil, is the aggregator's evicted-range marker; buckets may still be
// partially populated.
func (e *Engine) Timeline(from, to time.Time) ([]models.TimelineBucket, error) {
	return e.timeline.Range(from, to)
}

func (e *Engine) match(f Filter) []*models.Incident {
	all := e.incidents.Snapshot()
	text := strings.ToLower(strings.TrimSpace(f.Text))

	out := make([]*models.Incident, 0, len(all))
	for _, inc := range all {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inc.Status) {
			continue
		}
		if len(f.Severities) > 0 && !containsSeverity(f.Severities, inc.Severity) {
			continue
		}
		if text != "" && !matchesText(inc, text) {
			continue
		}
		out = append(out, inc)
	}
	return out
}

func matchesText(inc *models.Incident, lowered string) bool {
	return strings.Contains(strings.ToLower(inc.Title), lowered) ||
		strings.Contains(strings.ToLower(inc.Description), lowered) ||
		strings.Contains(strings.ToLower(inc.Source), lowered)
}

func containsStatus(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsSeverity(set []models.Severity, s models.Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// sortIncidents orders deterministically: the primary key per sort mode,
// then updatedAt descending, then incidentKey ascending.
func sortIncidents(incidents []*models.Incident, s Sort) {
	sort.SliceStable(incidents, func(i, j int) bool {
		a, b := incidents[i], incidents[j]
		switch s {
		case SortScore:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		case SortSeverity:
			if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
				return ra > rb
			}
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Key < b.Key
	})
}

// ExportCSV writes filtered incidents as CSV rows
// title,severity,source,status,score with every field quoted and no header
// row, matching the dashboard's export byte for byte.
func (e *Engine) ExportCSV(w io.Writer, f Filter) error {
	matched := e.match(f)
	sortIncidents(matched, SortDate)

	for _, inc := range matched {
		row := fmt.Sprintf("%s,%s,%s,%s,%s\n",
			quoteCSV(inc.Title),
			quoteCSV(string(inc.Severity)),
			quoteCSV(inc.Source),
			quoteCSV(string(inc.Status)),
			quoteCSV(fmt.Sprintf("%.1f", inc.Score)),
		)
		if _, err := io.WriteString(w, row); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	return nil
}

// quoteCSV quotes a field unconditionally, doubling embedded quotes.
func quoteCSV(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
