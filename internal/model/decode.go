// v0
// internal/model/decode.go
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrStateParse marks a malformed locations/{id}/current record. Callers keep
// the previous state for that location.
var ErrStateParse = errors.New("state parse error")

const (
	// DefaultAnomalyMessage fills anomalies that arrive without a message.
	DefaultAnomalyMessage = "Anomaly detected"
	// DefaultAlertMessage fills alerts and notifications without a body.
	DefaultAlertMessage = "New notification"
)

// stateEnvelope mirrors the live payload written by the scoring backend.
type stateEnvelope struct {
	Score           json.RawMessage `json:"score"`
	Timestamp       json.RawMessage `json:"timestamp"`
	ComponentScores json.RawMessage `json:"component_scores"`
	Anomalies       json.RawMessage `json:"anomalies"`
}

// IsAbsent reports whether raw encodes "no value": an empty payload or JSON
// null. The live store uses it for deleted nodes.
func IsAbsent(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodeLocationState validates raw and builds the typed state for id.
//
// Default-filling rules:
//   - score is required and must be a finite number or numeric string.
//   - timestamp defaults to "" when missing; non-strings are rejected.
//   - component_scores defaults to an empty map; every value must be numeric.
//   - anomalies defaults to an empty list; every element must be an object,
//     message defaults to DefaultAnomalyMessage, type and severity stay empty.
//
// Every failure wraps ErrStateParse.
func DecodeLocationState(id string, raw []byte) (LocationState, error) {
	if strings.TrimSpace(id) == "" {
		return LocationState{}, fmt.Errorf("%w: location id missing", ErrStateParse)
	}
	if IsAbsent(raw) {
		return LocationState{}, fmt.Errorf("%w: %s: empty payload", ErrStateParse, id)
	}
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return LocationState{}, fmt.Errorf("%w: %s: %v", ErrStateParse, id, err)
	}

	score, err := parseNumber(env.Score)
	if err != nil {
		return LocationState{}, fmt.Errorf("%w: %s: score: %v", ErrStateParse, id, err)
	}

	timestamp := ""
	if !IsAbsent(env.Timestamp) {
		if err := json.Unmarshal(env.Timestamp, &timestamp); err != nil {
			return LocationState{}, fmt.Errorf("%w: %s: timestamp must be a string", ErrStateParse, id)
		}
		timestamp = strings.TrimSpace(timestamp)
	}

	components := map[string]float64{}
	if !IsAbsent(env.ComponentScores) {
		var rawComponents map[string]json.RawMessage
		if err := json.Unmarshal(env.ComponentScores, &rawComponents); err != nil {
			return LocationState{}, fmt.Errorf("%w: %s: component_scores must be an object", ErrStateParse, id)
		}
		for name, value := range rawComponents {
			v, err := parseNumber(value)
			if err != nil {
				return LocationState{}, fmt.Errorf("%w: %s: component_scores.%s: %v", ErrStateParse, id, name, err)
			}
			components[name] = v
		}
	}

	anomalies := []Anomaly{}
	if !IsAbsent(env.Anomalies) {
		var rawAnomalies []json.RawMessage
		if err := json.Unmarshal(env.Anomalies, &rawAnomalies); err != nil {
			return LocationState{}, fmt.Errorf("%w: %s: anomalies must be a list", ErrStateParse, id)
		}
		for idx, item := range rawAnomalies {
			a, err := decodeAnomaly(item)
			if err != nil {
				return LocationState{}, fmt.Errorf("%w: %s: anomalies[%d]: %v", ErrStateParse, id, idx, err)
			}
			anomalies = append(anomalies, a)
		}
	}

	return LocationState{
		ID:              id,
		Score:           score,
		Timestamp:       timestamp,
		ComponentScores: components,
		Anomalies:       anomalies,
	}, nil
}

func decodeAnomaly(raw json.RawMessage) (Anomaly, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Anomaly{}, errors.New("anomaly must be an object")
	}
	a := Anomaly{
		Message:  optionalString(fields["message"]),
		Type:     optionalString(fields["type"]),
		Severity: optionalString(fields["severity"]),
	}
	if a.Message == "" {
		a.Message = DefaultAnomalyMessage
	}
	return a, nil
}

// alertEnvelope accepts both camelCase field names and the snake_case ones
// written by the scoring backend (washroom_id).
type alertEnvelope struct {
	LocationID json.RawMessage `json:"locationId"`
	WashroomID json.RawMessage `json:"washroom_id"`
	Message    json.RawMessage `json:"message"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Type       json.RawMessage `json:"type"`
	Score      json.RawMessage `json:"score"`
}

// DecodeAlert builds an AlertEvent from a child inserted under
// alerts/{locationID}. The path location wins over payload fields. Missing
// fields take documented defaults: message DefaultAlertMessage, type INFO,
// score 0, timestamp "". Only undecodable JSON is an error.
func DecodeAlert(locationID, key string, raw []byte) (AlertEvent, error) {
	if IsAbsent(raw) {
		return AlertEvent{}, errors.New("alert payload empty")
	}
	var env alertEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return AlertEvent{}, fmt.Errorf("decode alert: %w", err)
	}
	loc := strings.TrimSpace(locationID)
	if loc == "" {
		loc = optionalString(env.LocationID)
	}
	if loc == "" {
		loc = optionalString(env.WashroomID)
	}
	if loc == "" {
		return AlertEvent{}, errors.New("alert location missing")
	}
	msg := optionalString(env.Message)
	if msg == "" {
		msg = DefaultAlertMessage
	}
	score, err := parseNumber(env.Score)
	if err != nil {
		score = 0
	}
	return AlertEvent{
		Key:        key,
		LocationID: loc,
		Message:    msg,
		Timestamp:  optionalString(env.Timestamp),
		Type:       ParseAlertType(optionalString(env.Type)),
		Score:      score,
	}, nil
}

// EncodeCleaningRecord renders the last_cleaned payload.
func EncodeCleaningRecord(rec CleaningRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func parseNumber(raw json.RawMessage) (float64, error) {
	if IsAbsent(raw) {
		return 0, errors.New("missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	var f float64
	switch typed := v.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", typed)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not finite")
	}
	return f, nil
}

func optionalString(raw json.RawMessage) string {
	if IsAbsent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func normalizeUpper(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
