// Package handlers implements the HTTP control surface: stream control,
// statistics, provider info, and the mobile location websocket.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/supervisor"
)

// ControlHandler serves the /control routes that drive stream
// supervisors.
type ControlHandler struct {
	server  config.ServerConfig
	streams *supervisor.Registry
	logger  *slog.Logger
}

// NewControlHandler creates the control handler.
func NewControlHandler(server config.ServerConfig, streams *supervisor.Registry, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{server: server, streams: streams, logger: logger}
}

// RegisterRoutes mounts the control routes. GET and POST behave the
// same, as legacy clients use both.
func (h *ControlHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/{id}/start", h.start)
	r.HandleFunc("/{id}/stop", h.stop)
	r.HandleFunc("/{id}/http", h.httpKeepalive)
	r.HandleFunc("/{id}/http/{seconds}", h.httpKeepalive)
	r.HandleFunc("/{id}/publish_start", h.publishStart)
	r.HandleFunc("/{id}/publish_stop", h.publishStop)
}

// writeStatus maps stream resolution errors to status codes.
func writeStatus(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnknownStream):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *ControlHandler) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeStatus(w, h.streams.Start(id, 1, 0))
}

func (h *ControlHandler) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeStatus(w, h.streams.Stop(id))
}

func (h *ControlHandler) httpKeepalive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// A missing or malformed seconds segment falls back to the default.
	var wait time.Duration
	if raw := chi.URLParam(r, "seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	wait = h.server.ClampHTTPWait(wait)

	writeStatus(w, h.streams.Start(id, 0, wait))
}

func (h *ControlHandler) publishStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.streams.Get(id)
	if err != nil {
		writeStatus(w, err)
		return
	}
	if !s.Alive() {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	s.Stats().Timed.Warmup()
	w.WriteHeader(http.StatusOK)
}

func (h *ControlHandler) publishStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.streams.Get(id)
	if err != nil {
		writeStatus(w, err)
		return
	}
	s.Stats().Timed.Uptime()
	w.WriteHeader(http.StatusOK)
}
