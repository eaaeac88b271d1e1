// v0
// internal/model/types.go
// Package model holds the entities shared by the synchronization pipeline
// together with the validating decoders that build them from live store
// payloads.
package model

// LocationConfig is the static metadata of a washroom. It is immutable once
// loaded and replaced wholesale on every catalog reload.
type LocationConfig struct {
	ID       string `json:"id" dynamodbav:"id"`
	Name     string `json:"name" dynamodbav:"name"`
	Location string `json:"location" dynamodbav:"location"`
}

// Anomaly is a deviation attached to a location's current state. Type and
// Severity are optional and left empty when upstream omits them.
type Anomaly struct {
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// LocationState is the live record published under locations/{id}/current.
// Instances are replaced atomically, never patched field by field.
type LocationState struct {
	ID              string             `json:"id"`
	Score           float64            `json:"score"`
	Timestamp       string             `json:"timestamp"`
	ComponentScores map[string]float64 `json:"componentScores"`
	Anomalies       []Anomaly          `json:"anomalies"`
}

// Clone returns a deep copy so cached states never share maps or slices with
// callers.
func (s LocationState) Clone() LocationState {
	out := s
	out.ComponentScores = make(map[string]float64, len(s.ComponentScores))
	for k, v := range s.ComponentScores {
		out.ComponentScores[k] = v
	}
	out.Anomalies = append([]Anomaly(nil), s.Anomalies...)
	if out.Anomalies == nil {
		out.Anomalies = []Anomaly{}
	}
	return out
}

// LocationSnapshot joins a config with its live state. Locations without
// live state never produce a snapshot. Heartbeat is nil until the sensor
// node has reported.
type LocationSnapshot struct {
	Config    LocationConfig `json:"config"`
	State     LocationState  `json:"state"`
	Heartbeat *Heartbeat     `json:"heartbeat,omitempty"`
}

// CloneSnapshots deep-copies a snapshot list.
func CloneSnapshots(in []LocationSnapshot) []LocationSnapshot {
	out := make([]LocationSnapshot, len(in))
	for i, s := range in {
		out[i] = LocationSnapshot{Config: s.Config, State: s.State.Clone()}
		if s.Heartbeat != nil {
			hb := *s.Heartbeat
			out[i].Heartbeat = &hb
		}
	}
	return out
}

// AlertType distinguishes informational notices from hygiene alerts.
type AlertType string

const (
	AlertInfo    AlertType = "INFO"
	AlertHygiene AlertType = "HYGIENE_ALERT"
)

// ParseAlertType normalizes raw into a known type. Anything unrecognized is
// INFO.
func ParseAlertType(raw string) AlertType {
	switch AlertType(normalizeUpper(raw)) {
	case AlertHygiene:
		return AlertHygiene
	default:
		return AlertInfo
	}
}

// AlertEvent is one entry of the alert log. It is created on push insertion
// and never mutated afterwards. Key is the child key assigned by the live
// store and may be empty for events that did not come from it.
type AlertEvent struct {
	Key        string    `json:"key,omitempty"`
	LocationID string    `json:"locationId"`
	Message    string    `json:"message"`
	Timestamp  string    `json:"timestamp"`
	Type       AlertType `json:"type"`
	Score      float64   `json:"score"`
}

// CleaningRecord is written under locations/{id}/last_cleaned when an
// operator acknowledges a location. It is never read back by this module.
type CleaningRecord struct {
	LocationID string `json:"-"`
	Timestamp  string `json:"timestamp"`
	Actor      string `json:"actor"`
}
