// v0
// internal/dashboard/summary.go
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"hygienewatch/realtime/internal/classify"
	"hygienewatch/realtime/internal/connectivity"
	"hygienewatch/realtime/internal/model"
)

// Summary condenses a View into per-band counts.
type Summary struct {
	Locations int                     `json:"locations"`
	Bands     map[classify.Band]int   `json:"bands"`
	Worst     string                  `json:"worst,omitempty"`
	Alerts    int                     `json:"alerts"`
	Counts    map[model.AlertType]int `json:"counts"`
	Status    string                  `json:"status"`
}

// Summarize classifies every snapshot of v with table. The list is sorted
// ascending, so the first snapshot is the worst location.
func Summarize(v View, table classify.Table) Summary {
	out := Summary{
		Locations: len(v.Snapshots),
		Bands:     make(map[classify.Band]int, len(table.Bands())),
		Alerts:    len(v.Alerts),
		Counts:    make(map[model.AlertType]int, len(v.Counts)),
		Status:    connectivity.Label(v.Online),
	}
	for _, b := range table.Bands() {
		out.Bands[b] = 0
	}
	for _, snap := range v.Snapshots {
		out.Bands[table.Classify(snap.State.Score).Band]++
	}
	if len(v.Snapshots) > 0 {
		out.Worst = v.Snapshots[0].Config.ID
	}
	for k, n := range v.Counts {
		out.Counts[k] = n
	}
	return out
}

// RunSummary logs a summary of the current view every interval until ctx
// ends.
func (s *Store) RunSummary(ctx context.Context, interval time.Duration, table classify.Table) error {
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Info("summary_loop_started", slog.String("interval", interval.String()), slog.String("policy", table.Name))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("summary_loop_stopped")
			return nil
		case <-ticker.C:
			sum := Summarize(s.Current(), table)
			attrs := []any{
				slog.Int("locations", sum.Locations),
				slog.Int("alerts", sum.Alerts),
				slog.String("status", sum.Status),
				slog.String("worst", sum.Worst),
			}
			for _, b := range table.Bands() {
				attrs = append(attrs, slog.Int(string(b), sum.Bands[b]))
			}
			s.logger.Info("dashboard_summary", attrs...)
		}
	}
}
