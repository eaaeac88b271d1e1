// v0
// internal/notify/notification.go
// Package notify ingests foreground push notifications relayed onto a Kafka
// topic and routes the ones that name a location into the alert log.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"hygienewatch/realtime/internal/model"
)

// DefaultBody is used when a notification carries no body.
const DefaultBody = model.DefaultAlertMessage

// Notification is a decoded push message. Only Title and Body are part of
// the delivery contract; everything else comes from the optional data map
// and is correlated to an alert by convention.
type Notification struct {
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Type       model.AlertType `json:"type"`
	LocationID string          `json:"locationId,omitempty"`
	Key        string          `json:"key,omitempty"`
	Score      float64         `json:"score"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

type envelope struct {
	Title        string                     `json:"title"`
	Body         string                     `json:"body"`
	Notification *envelope                  `json:"notification"`
	Data         map[string]json.RawMessage `json:"data"`
}

// Decode parses a relayed push payload. Both the flat {title, body, data}
// shape and the provider's {notification:{title, body}, data} shape are
// accepted. A missing body becomes DefaultBody and a missing or unknown type
// becomes INFO. Only malformed JSON is an error.
func Decode(raw []byte) (Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	title, body := env.Title, env.Body
	if env.Notification != nil {
		if title == "" {
			title = env.Notification.Title
		}
		if body == "" {
			body = env.Notification.Body
		}
	}
	n := Notification{
		Title:      strings.TrimSpace(title),
		Body:       strings.TrimSpace(body),
		Type:       model.ParseAlertType(dataString(env.Data, "type")),
		LocationID: firstNonEmpty(dataString(env.Data, "locationId"), dataString(env.Data, "washroom_id")),
		Key:        firstNonEmpty(dataString(env.Data, "alertKey"), dataString(env.Data, "key")),
		Timestamp:  dataString(env.Data, "timestamp"),
	}
	if n.Body == "" {
		n.Body = firstNonEmpty(dataString(env.Data, "message"), DefaultBody)
	}
	if score, ok := dataNumber(env.Data, "score"); ok {
		n.Score = score
	}
	return n, nil
}

// AlertEvent converts n into an alert log entry. It reports false when the
// notification does not name a location.
func (n Notification) AlertEvent() (model.AlertEvent, bool) {
	if n.LocationID == "" {
		return model.AlertEvent{}, false
	}
	return model.AlertEvent{
		Key:        n.Key,
		LocationID: n.LocationID,
		Message:    n.Body,
		Timestamp:  n.Timestamp,
		Type:       n.Type,
		Score:      n.Score,
	}, true
}

// dataString reads a data field that may be a string or a bare number.
func dataString(data map[string]json.RawMessage, key string) string {
	raw, ok := data[key]
	if !ok || len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

// dataNumber reads a numeric field. Push data maps carry strings only, so
// numeric strings are accepted.
func dataNumber(data map[string]json.RawMessage, key string) (float64, bool) {
	s := dataString(data, key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ErrNoBrokers is returned by NewConsumer when the relay is not configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")
