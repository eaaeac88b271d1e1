// v0
// internal/catalog/catalog.go
// Package catalog loads the static per-location configuration (name and
// display location) from the document store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"hygienewatch/realtime/internal/circuitbreaker"
	"hygienewatch/realtime/internal/model"
)

// ErrCatalogUnavailable wraps every failure to read the catalog. Callers
// offer a retry and otherwise continue with an empty catalog.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// DefaultTimeout bounds a single LoadAll call.
const DefaultTimeout = 5 * time.Second

// Catalog returns every known location config.
type Catalog interface {
	LoadAll(ctx context.Context) ([]model.LocationConfig, error)
}

// Static is a fixed catalog, kept in the given order.
type Static []model.LocationConfig

func (s Static) LoadAll(context.Context) ([]model.LocationConfig, error) {
	return Normalize(s), nil
}

// Normalize drops documents without an id, keeps the first document of each
// id and fills the defaults: name "Washroom {id}", location "Unknown".
func Normalize(docs []model.LocationConfig) []model.LocationConfig {
	out := make([]model.LocationConfig, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		if strings.TrimSpace(d.Name) == "" {
			d.Name = "Washroom " + d.ID
		}
		if strings.TrimSpace(d.Location) == "" {
			d.Location = "Unknown"
		}
		out = append(out, d)
	}
	return out
}

func sortByID(docs []model.LocationConfig) []model.LocationConfig {
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Loader decorates a backend with a timeout and a circuit breaker and makes
// sure every error wraps ErrCatalogUnavailable.
type Loader struct {
	source  Catalog
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewLoader builds a Loader. timeout <= 0 selects DefaultTimeout; breaker may
// be nil.
func NewLoader(source Catalog, timeout time.Duration, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Loader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{source: source, timeout: timeout, breaker: breaker, logger: logger.With(slog.String("component", "catalog"))}
}

func (l *Loader) LoadAll(ctx context.Context) ([]model.LocationConfig, error) {
	if l.source == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrCatalogUnavailable)
	}
	start := time.Now()
	var docs []model.LocationConfig
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		out, err := l.source.LoadAll(ctx)
		if err != nil {
			return err
		}
		docs = out
		return nil
	})
	if err != nil {
		l.logger.Warn("catalog_load_failed", "error", err.Error(), "elapsed", time.Since(start).String())
		if errors.Is(err, ErrCatalogUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	docs = Normalize(docs)
	l.logger.Debug("catalog_loaded", "locations", len(docs), "elapsed", time.Since(start).String())
	return docs, nil
}
