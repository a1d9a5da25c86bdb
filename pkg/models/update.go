package models

import "time"

// UpdateKind discriminates broadcast envelope payloads.
type UpdateKind string

const (
	UpdateEventIngested         UpdateKind = "event_ingested"
	UpdateIncidentStatusChanged UpdateKind = "incident_status_changed"
)

// Update is the envelope fanned out to subscribers. Seq increases
// monotonically per incident key so consumers can discard replays; GapBefore
// marks that at least one earlier update for this subscriber was dropped.
type Update struct {
	Kind        UpdateKind `json:"kind"`
	IncidentKey string     `json:"incident_key"`
	Seq         uint64     `json:"seq"`
	At          time.Time  `json:"at"`
	GapBefore   bool       `json:"gap_before,omitempty"`
	Event       *Event     `json:"event,omitempty"`
	Incident    *Incident  `json:"incident,omitempty"`
	FromStatus  Status     `json:"from_status,omitempty"`
	ToStatus    Status     `json:"to_status,omitempty"`
}
