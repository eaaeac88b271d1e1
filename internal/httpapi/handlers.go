// v0
// internal/httpapi/handlers.go
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/catalog"
	"hygienewatch/realtime/internal/classify"
	"hygienewatch/realtime/internal/connectivity"
	"hygienewatch/realtime/internal/dashboard"
	"hygienewatch/realtime/internal/model"
)

type locationView struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Location        string             `json:"location"`
	Score           float64            `json:"score"`
	Timestamp       string             `json:"timestamp"`
	DisplayTime     string             `json:"displayTime"`
	ComponentScores map[string]float64 `json:"componentScores"`
	Anomalies       []model.Anomaly    `json:"anomalies"`
	Band            classify.Result    `json:"band"`
	Sensor          model.SensorHealth `json:"sensor"`
}

type locationsResponse struct {
	Policy    string         `json:"policy"`
	Status    string         `json:"status"`
	Locations []locationView `json:"locations"`
}

type alertView struct {
	model.AlertEvent
	DisplayTime string `json:"displayTime"`
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"ready":        s.health.Ready(),
		"connectivity": connectivity.Label(s.backend.Online()),
	})
}

func (s *server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// resolvePolicy picks the band table requested by the view, falling back to
// the configured one.
func (s *server) resolvePolicy(r *http.Request) (classify.Table, bool) {
	name := strings.TrimSpace(r.URL.Query().Get("policy"))
	if name == "" {
		return s.policy, true
	}
	return classify.Lookup(name)
}

func (s *server) toLocationView(snap model.LocationSnapshot, table classify.Table) locationView {
	return locationView{
		ID:              snap.Config.ID,
		Name:            snap.Config.Name,
		Location:        snap.Config.Location,
		Score:           snap.State.Score,
		Timestamp:       snap.State.Timestamp,
		DisplayTime:     model.FormatTimestamp(snap.State.Timestamp, ""),
		ComponentScores: snap.State.ComponentScores,
		Anomalies:       snap.State.Anomalies,
		Band:            table.Classify(snap.State.Score),
		Sensor:          model.EvaluateHeartbeat(snap.Heartbeat, s.now(), s.heartbeatTimeout),
	}
}

func (s *server) listLocations(w http.ResponseWriter, r *http.Request) {
	table, ok := s.resolvePolicy(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown policy; expected one of "+strings.Join(classify.Names(), ", "))
		return
	}
	view := s.backend.Current()
	out := locationsResponse{
		Policy:    table.Name,
		Status:    connectivity.Label(view.Online),
		Locations: make([]locationView, 0, len(view.Snapshots)),
	}
	for _, snap := range view.Snapshots {
		out.Locations = append(out.Locations, s.toLocationView(snap, table))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getLocation(w http.ResponseWriter, r *http.Request) {
	table, ok := s.resolvePolicy(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown policy")
		return
	}
	id := mux.Vars(r)["id"]
	for _, snap := range s.backend.Current().Snapshots {
		if snap.Config.ID == id {
			writeJSON(w, http.StatusOK, s.toLocationView(snap, table))
			return
		}
	}
	writeError(w, http.StatusNotFound, "no live state for location")
}

func (s *server) listAlerts(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("locationId"))
	view := s.backend.Current()
	out := make([]alertView, 0, len(view.Alerts))
	for _, ev := range view.Alerts {
		if filter != "" && ev.LocationID != filter {
			continue
		}
		out = append(out, alertView{AlertEvent: ev, DisplayTime: model.FormatTimestamp(ev.Timestamp, "")})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out, "counts": view.Counts})
}

func (s *server) countAlerts(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("type"))
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]any{"counts": s.backend.Current().Counts})
		return
	}
	t := model.ParseAlertType(raw)
	n, err := s.backend.CountByType(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": t, "count": n})
}

func (s *server) connectivityStatus(w http.ResponseWriter, _ *http.Request) {
	online := s.backend.Online()
	writeJSON(w, http.StatusOK, map[string]any{"online": online, "status": connectivity.Label(online)})
}

func (s *server) summary(w http.ResponseWriter, r *http.Request) {
	table, ok := s.resolvePolicy(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown policy")
		return
	}
	writeJSON(w, http.StatusOK, dashboard.Summarize(s.backend.Current(), table))
}

// refresh answers 503 with retryable set when the catalog could not be
// loaded; the body still carries the list built from the last good catalog.
func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Refresh(r.Context())
	views := make([]locationView, 0, len(list))
	for _, snap := range list {
		views = append(views, s.toLocationView(snap, s.policy))
	}
	body := map[string]any{"locations": views}
	status := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		body["retryable"] = true
		if errors.Is(err, catalog.ErrCatalogUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("refresh_incomplete", slog.Any("err", err))
	}
	writeJSON(w, status, body)
}

type ackRequest struct {
	LocationID string `json:"locationId"`
	Actor      string `json:"actor"`
	Confirm    bool   `json:"confirm"`
}

func (s *server) requestAck(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	defer r.Body.Close()
	var req ackRequest
	if err := json.Unmarshal(b, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		req.Actor = s.actor
	}
	a, err := s.acks.Request(req.LocationID, req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Confirm {
		writeJSON(w, http.StatusCreated, a.Result())
		return
	}
	res, err := s.acks.Confirm(r.Context(), a.ID())
	s.writeAckResult(w, res, err)
}

func (s *server) getAck(w http.ResponseWriter, r *http.Request) {
	a, err := s.acks.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Result())
}

func (s *server) confirmAck(w http.ResponseWriter, r *http.Request) {
	res, err := s.acks.Confirm(r.Context(), mux.Vars(r)["id"])
	s.writeAckResult(w, res, err)
}

func (s *server) cancelAck(w http.ResponseWriter, r *http.Request) {
	res, err := s.acks.Cancel(mux.Vars(r)["id"])
	s.writeAckResult(w, res, err)
}

// writeAckResult maps attempt outcomes to status codes. A FAILED commit is a
// 502: the live store rejected a write.
func (s *server) writeAckResult(w http.ResponseWriter, res ack.Result, err error) {
	switch {
	case errors.Is(err, ack.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ack.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "attempt": res})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case res.State == ack.StateFailed:
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
