package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"threatlens/internal/score"
	"threatlens/pkg/models"
)

// ErrNotFound reports a transition or override aimed at an unknown key.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no incident with key %s", e.Key)
}

// IngestResult describes what one event did to incident state.
type IngestResult struct {
	Incident      *models.Incident
	Duplicate     bool
	Created       bool
	AutoEscalated bool
}

type incidentState struct {
	incident models.Incident
	counts   models.EventCounts
}

// Manager exclusively owns Incident mutation. Writes for one incident key
// arrive pre-serialized by the pipeline's key-partitioned workers; the
// internal lock only protects the maps against concurrent keys and readers.
type Manager struct {
	scorer *score.Scorer
	now    func() time.Time

	mu       sync.RWMutex
	current  map[string]*incidentState // key -> latest incident for that key
	archived []*incidentState          // closed incidents superseded by a newer one
	seen     map[string]time.Time      // event id -> event hour, for dedupe eviction
}

// NewManager creates a lifecycle manager.
func NewManager(scorer *score.Scorer) *Manager {
	return &Manager{
		scorer:  scorer,
		now:     time.Now,
		current: make(map[string]*incidentState),
		seen:    make(map[string]time.Time),
	}
}

// Ingest merges one normalized event into incident state. Re-ingesting an
// already-seen event id is a no-op.
func (m *Manager) Ingest(ev *models.Event) IngestResult {
	key := ev.IncidentKey()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[ev.ID]; dup {
		var snapshot *models.Incident
		if st := m.current[key]; st != nil {
			snapshot = st.incident.Clone()
		}
		return IngestResult{Incident: snapshot, Duplicate: true}
	}
	m.seen[ev.ID] = models.HourFloor(ev.Timestamp)

	st := m.current[key]
	if st != nil && !st.incident.Status.Closed() {
		eventScore := m.scorer.Score(ev, st.counts)
		st.counts.Add(ev.Severity)
		st.incident.ContributingEventIDs = append(st.incident.ContributingEventIDs, ev.ID)
		st.incident.Severity = models.MaxSeverity(st.incident.Severity, ev.Severity)
		st.incident.Score = eventScore
		if action := score.RecommendedAction(eventScore); action != "" {
			st.incident.RecommendedAction = action
		}
		st.incident.UpdatedAt = now
		return IngestResult{Incident: st.incident.Clone()}
	}

	// A closed incident never reopens on new evidence; it is archived and a
	// fresh incident takes over the key.
	if st != nil {
		m.archived = append(m.archived, st)
	}

	eventScore := m.scorer.Score(ev, models.EventCounts{})
	fresh := &incidentState{
		incident: models.Incident{
			Key:                  key,
			Title:                fmt.Sprintf("%s from %s", ev.Type, ev.Source),
			Description:          ev.Message,
			Source:               ev.Source,
			Type:                 ev.Type,
			Severity:             ev.Severity,
			Score:                eventScore,
			Status:               models.StatusOpen,
			OpenedAt:             now,
			UpdatedAt:            now,
			ContributingEventIDs: []string{ev.ID},
			RecommendedAction:    score.RecommendedAction(eventScore),
		},
	}
	fresh.counts.Add(ev.Severity)

	autoEscalated := false
	if ev.Severity == models.SeverityCritical {
		fresh.incident.Status = models.StatusInvestigating
		fresh.incident.History = append(fresh.incident.History, models.TransitionRecord{
			From:  models.StatusOpen,
			To:    models.StatusInvestigating,
			Notes: "auto-escalated: critical severity on creation",
			At:    now,
		})
		autoEscalated = true
	}
	m.current[key] = fresh

	return IngestResult{Incident: fresh.incident.Clone(), Created: true, AutoEscalated: autoEscalated}
}

// Seen reports whether an event id has already contributed to an incident
// within the retention window.
func (m *Manager) Seen(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[id]
	return ok
}

// Transition applies an analyst-driven status change.
func (m *Manager) Transition(key string, target models.Status, analyst, notes string) (*models.Incident, error) {
	if !target.Valid() {
		return nil, &InvalidTransitionError{Key: key, To: target}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current[key]
	if st == nil {
		return nil, &ErrNotFound{Key: key}
	}

	from := st.incident.Status
	if !CanTransition(from, target) {
		return nil, &InvalidTransitionError{Key: key, From: from, To: target}
	}

	now := m.now()
	st.incident.Status = target
	st.incident.UpdatedAt = now
	if analyst != "" && st.incident.AssignedAnalyst == "" {
		st.incident.AssignedAnalyst = analyst
	}
	st.incident.History = append(st.incident.History, models.TransitionRecord{
		From:    from,
		To:      target,
		Analyst: analyst,
		Notes:   notes,
		At:      now,
	})
	return st.incident.Clone(), nil
}

// OverrideSeverity sets an incident's severity by explicit analyst action.
// This is the only path on which severity may decrease.
func (m *Manager) OverrideSeverity(key string, severity models.Severity, analyst string) (*models.Incident, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", severity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current[key]
	if st == nil {
		return nil, &ErrNotFound{Key: key}
	}

	now := m.now()
	prev := st.incident.Severity
	st.incident.Severity = severity
	st.incident.UpdatedAt = now
	st.incident.History = append(st.incident.History, models.TransitionRecord{
		From:    st.incident.Status,
		To:      st.incident.Status,
		Analyst: analyst,
		Notes:   fmt.Sprintf("severity override: %s -> %s", prev, severity),
		At:      now,
	})
	return st.incident.Clone(), nil
}

// Get returns the latest incident for a key.
func (m *Manager) Get(key string) (*models.Incident, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.current[key]
	if st == nil {
		return nil, false
	}
	return st.incident.Clone(), true
}

// Snapshot returns a consistent copy of every tracked incident, archived
// ones included.
func (m *Manager) Snapshot() []*models.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Incident, 0, len(m.current)+len(m.archived))
	for _, st := range m.archived {
		out = append(out, st.incident.Clone())
	}
	for _, st := range m.current {
		out = append(out, st.incident.Clone())
	}
	return out
}

// OpenCount returns the number of incidents not yet closed.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.current {
		if !st.incident.Status.Closed() {
			n++
		}
	}
	return n
}

// EvictSeenBefore drops dedupe entries for events whose hour fell out of the
// retention window. After eviction a replayed id counts as new, matching the
// timeline's lossy retention.
func (m *Manager) EvictSeenBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, hour := range m.seen {
		if hour.Before(cutoff) {
			delete(m.seen, id)
			evicted++
		}
	}
	return evicted
}
