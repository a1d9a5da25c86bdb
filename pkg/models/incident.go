package models

import "time"

// Status is an incident's position in the investigation workflow.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusEscalated     Status = "escalated"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Valid reports whether s is one of the known workflow states.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusContained, StatusEscalated, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Closed reports whether the incident no longer accepts new events.
func (s Status) Closed() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// TransitionRecord is one entry in an incident's investigation trail.
type TransitionRecord struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Analyst string    `json:"analyst,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	At      time.Time `json:"at"`
}

// Incident aggregates repeated detections of one security condition.
type Incident struct {
	Key                  string             `json:"key"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Source               string             `json:"source"`
	Type                 string             `json:"type"`
	Severity             Severity           `json:"severity"`
	Score                float64            `json:"score"`
	Status               Status             `json:"status"`
	OpenedAt             time.Time          `json:"opened_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	AssignedAnalyst      string             `json:"assigned_analyst,omitempty"`
	ContributingEventIDs []string           `json:"contributing_event_ids"`
	RecommendedAction    string             `json:"recommended_action,omitempty"`
	History              []TransitionRecord `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (i *Incident) Clone() *Incident {
	out := *i
	out.ContributingEventIDs = append([]string(nil), i.ContributingEventIDs...)
	out.History = append([]TransitionRecord(nil), i.History...)
	return &out
}

// EventCounts tallies contributing events by severity.
type EventCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add counts one event of the given severity.
func (c *EventCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Info++
	}
}

// Total returns the number of counted events.
func (c EventCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}
