// v0
// internal/model/decode_test.go
package model

import (
	"errors"
	"testing"
)

func TestDecodeLocationStateFull(t *testing.T) {
	raw := []byte(`{
		"score": 45.5,
		"timestamp": "2024-05-02T15:04:05.123456",
		"component_scores": {"air_quality": 20, "floor_moisture": "35.5"},
		"anomalies": [
			{"type": "ODOR_SPIKE", "severity": "HIGH", "message": "odor spike", "value": 82},
			{"type": "MOISTURE_ALERT"}
		]
	}`)

	state, err := DecodeLocationState("wr-1", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.ID != "wr-1" || state.Score != 45.5 {
		t.Fatalf("unexpected identity/score: %+v", state)
	}
	if state.ComponentScores["floor_moisture"] != 35.5 {
		t.Fatalf("expected numeric string to decode, got %v", state.ComponentScores)
	}
	if len(state.Anomalies) != 2 {
		t.Fatalf("expected two anomalies, got %d", len(state.Anomalies))
	}
	if state.Anomalies[0].Message != "odor spike" || state.Anomalies[0].Severity != "HIGH" {
		t.Fatalf("unexpected first anomaly: %+v", state.Anomalies[0])
	}
	if state.Anomalies[1].Message != DefaultAnomalyMessage {
		t.Fatalf("expected default message, got %q", state.Anomalies[1].Message)
	}
}

func TestDecodeLocationStateDefaults(t *testing.T) {
	state, err := DecodeLocationState("wr-2", []byte(`{"score": 92}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Timestamp != "" {
		t.Fatalf("expected empty timestamp, got %q", state.Timestamp)
	}
	if state.ComponentScores == nil || len(state.ComponentScores) != 0 {
		t.Fatalf("expected empty component map, got %v", state.ComponentScores)
	}
	if state.Anomalies == nil || len(state.Anomalies) != 0 {
		t.Fatalf("expected empty anomaly list, got %v", state.Anomalies)
	}
}

func TestDecodeLocationStateRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{score:`},
		{name: "missing score", raw: `{"timestamp":"2024-01-01T00:00:00Z"}`},
		{name: "score text", raw: `{"score":"dirty"}`},
		{name: "score bool", raw: `{"score":true}`},
		{name: "timestamp number", raw: `{"score":10,"timestamp":12}`},
		{name: "components list", raw: `{"score":10,"component_scores":[1,2]}`},
		{name: "component text", raw: `{"score":10,"component_scores":{"air":"bad"}}`},
		{name: "anomalies object", raw: `{"score":10,"anomalies":{"message":"x"}}`},
		{name: "anomaly scalar", raw: `{"score":10,"anomalies":["x"]}`},
		{name: "null", raw: `null`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeLocationState("wr-x", []byte(tc.raw))
			if !errors.Is(err, ErrStateParse) {
				t.Fatalf("expected ErrStateParse, got %v", err)
			}
		})
	}
}

func TestDecodeAlertDefaults(t *testing.T) {
	ev, err := DecodeAlert("wr-3", "k1", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.LocationID != "wr-3" || ev.Key != "k1" {
		t.Fatalf("unexpected identity: %+v", ev)
	}
	if ev.Message != DefaultAlertMessage {
		t.Fatalf("expected default message, got %q", ev.Message)
	}
	if ev.Type != AlertInfo {
		t.Fatalf("expected INFO, got %s", ev.Type)
	}
	if ev.Score != 0 {
		t.Fatalf("expected zero score, got %v", ev.Score)
	}
}

func TestDecodeAlertFromBackendPayload(t *testing.T) {
	raw := []byte(`{
		"washroom_id": "wr-9",
		"timestamp": "2024-05-02T15:04:05",
		"type": "HYGIENE_ALERT",
		"score": 41.2,
		"message": "Hygiene score dropped to 41.2%. Immediate cleaning required.",
		"anomalies": []
	}`)
	ev, err := DecodeAlert("", "k2", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.LocationID != "wr-9" {
		t.Fatalf("expected washroom_id fallback, got %q", ev.LocationID)
	}
	if ev.Type != AlertHygiene || ev.Score != 41.2 {
		t.Fatalf("unexpected type/score: %+v", ev)
	}
}

func TestDecodeAlertErrors(t *testing.T) {
	if _, err := DecodeAlert("wr-1", "k", []byte(`not-json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := DecodeAlert("", "k", []byte(`{"message":"x"}`)); err == nil {
		t.Fatalf("expected error when no location is known")
	}
}

func TestParseAlertType(t *testing.T) {
	if ParseAlertType(" hygiene_alert ") != AlertHygiene {
		t.Fatalf("expected case-insensitive match")
	}
	if ParseAlertType("WARNING") != AlertInfo {
		t.Fatalf("expected unknown types to map to INFO")
	}
}
