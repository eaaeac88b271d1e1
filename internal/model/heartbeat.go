// v0
// internal/model/heartbeat.go
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrHeartbeatParse marks a malformed locations/{id}/last_heartbeat record.
var ErrHeartbeatParse = errors.New("heartbeat parse error")

// Sensor statuses derived from the last heartbeat. They describe the sensor
// node only and are independent of the transport connectivity label.
const (
	SensorUnknown   = "UNKNOWN"
	SensorReporting = "REPORTING"
	SensorSilent    = "SILENT"
)

// Heartbeat is the liveness record a sensor node refreshes under
// locations/{id}/last_heartbeat.
type Heartbeat struct {
	Timestamp     string  `json:"timestamp"`
	UptimeMs      float64 `json:"uptimeMs"`
	FreeHeap      float64 `json:"freeHeap"`
	WifiConnected bool    `json:"wifiConnected"`
}

type heartbeatEnvelope struct {
	Timestamp     json.RawMessage `json:"timestamp"`
	UptimeMs      json.RawMessage `json:"uptime_ms"`
	FreeHeap      json.RawMessage `json:"free_heap"`
	WifiConnected json.RawMessage `json:"wifi_connected"`
}

// DecodeHeartbeat validates raw. The timestamp is required; counters default
// to 0 and wifi_connected to false when missing.
func DecodeHeartbeat(id string, raw []byte) (Heartbeat, error) {
	if IsAbsent(raw) {
		return Heartbeat{}, fmt.Errorf("%w: %s: empty payload", ErrHeartbeatParse, id)
	}
	var env heartbeatEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: %s: %v", ErrHeartbeatParse, id, err)
	}
	hb := Heartbeat{Timestamp: optionalString(env.Timestamp)}
	if _, err := ParseTimestamp(hb.Timestamp); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: %s: %v", ErrHeartbeatParse, id, err)
	}
	for name, field := range map[string]struct {
		raw json.RawMessage
		dst *float64
	}{
		"uptime_ms": {env.UptimeMs, &hb.UptimeMs},
		"free_heap": {env.FreeHeap, &hb.FreeHeap},
	} {
		if IsAbsent(field.raw) {
			continue
		}
		v, err := parseNumber(field.raw)
		if err != nil {
			return Heartbeat{}, fmt.Errorf("%w: %s: %s: %v", ErrHeartbeatParse, id, name, err)
		}
		*field.dst = v
	}
	if !IsAbsent(env.WifiConnected) {
		if err := json.Unmarshal(env.WifiConnected, &hb.WifiConnected); err != nil {
			return Heartbeat{}, fmt.Errorf("%w: %s: wifi_connected must be a boolean", ErrHeartbeatParse, id)
		}
	}
	return hb, nil
}

// SensorHealth summarizes a location's heartbeat at a point in time.
type SensorHealth struct {
	Status        string `json:"status"`
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
	SilentSince   string `json:"silentSince,omitempty"`
}

// EvaluateHeartbeat reports SILENT once more than timeout has passed since
// hb was written, REPORTING before that and UNKNOWN without a heartbeat.
func EvaluateHeartbeat(hb *Heartbeat, now time.Time, timeout time.Duration) SensorHealth {
	if hb == nil {
		return SensorHealth{Status: SensorUnknown}
	}
	ts, err := ParseTimestamp(hb.Timestamp)
	if err != nil {
		return SensorHealth{Status: SensorUnknown}
	}
	out := SensorHealth{Status: SensorReporting, LastHeartbeat: hb.Timestamp}
	if timeout > 0 && now.Sub(ts) > timeout {
		out.Status = SensorSilent
		out.SilentSince = NowISO(ts)
	}
	return out
}
