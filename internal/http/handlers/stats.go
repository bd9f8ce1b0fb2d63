package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/supervisor"
)

// StatsHandler serves the /stats routes.
type StatsHandler struct {
	streams   *supervisor.Registry
	providers *provider.Registry
	logger    *slog.Logger
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(streams *supervisor.Registry, providers *provider.Registry, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{streams: streams, providers: providers, logger: logger}
}

// RegisterRoutes mounts the stats routes.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/{id}", h.stats)
	r.HandleFunc("/{id}/{fields}", h.stats)
}

// report flattens a stream's statistics into the wire shape. A map
// keeps the per-field lookup used by the selector.
func report(s *supervisor.Stream) map[string]any {
	rep := s.Stats().Report()
	return map[string]any{
		"status":           rep.Status,
		"measure":          rep.Measure,
		"total":            rep.Total,
		"uptime_ratio":     rep.UptimeRatio,
		"death_count":      rep.DeathCount,
		"warmup_mean":      rep.WarmupMean,
		"thumbnail":        rep.Thumbnail,
		"thumbnail_errors": rep.ThumbnailErrs,
		"clients":          s.Clients(),
		"alive":            s.Alive(),
		"pid":              s.Pid(),
	}
}

// selectFields trims a report down to the requested comma separated
// fields. A single field yields the bare value. Unknown fields fail.
func selectFields(rep map[string]any, fields string) (any, bool) {
	names := strings.Split(fields, ",")
	if len(names) == 1 {
		v, ok := rep[names[0]]
		return v, ok
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := rep[name]
		if !ok {
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

func (h *StatsHandler) stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fields := chi.URLParam(r, "fields")

	// An exact provider prefix reports every known stream of that
	// provider; anything else is a single stream id.
	if p, err := h.providers.Get(id); err == nil {
		h.prefixStats(w, p, fields)
		return
	}

	s, err := h.streams.Get(id)
	if err != nil {
		writeStatus(w, err)
		return
	}

	var body any = report(s)
	if fields != "" {
		var ok bool
		if body, ok = selectFields(report(s), fields); !ok {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
	}
	writeJSON(w, h.logger, body)
}

func (h *StatsHandler) prefixStats(w http.ResponseWriter, p provider.Provider, fields string) {
	out := make(map[string]any)
	for _, id := range p.Streams() {
		s, err := h.streams.Get(id)
		if err != nil {
			continue
		}
		body := any(report(s))
		if fields != "" {
			var ok bool
			if body, ok = selectFields(report(s), fields); !ok {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
		}
		out[id] = body
	}
	writeJSON(w, h.logger, out)
}

// writeJSON serializes v as the response body.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.Any("error", err))
	}
}
