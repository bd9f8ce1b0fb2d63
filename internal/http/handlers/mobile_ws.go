package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cetrio/dss/internal/mobile"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/ws"
)

// MobileWSHandler serves the websocket that tracks mobile stream
// locations. Connected clients receive every position broadcast, and
// any inbound message requests a fresh snapshot of the active
// sessions.
type MobileWSHandler struct {
	repo     repository.MobileStreamRepository
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewMobileWSHandler creates the mobile websocket handler.
func NewMobileWSHandler(repo repository.MobileStreamRepository, hub *ws.Hub, logger *slog.Logger) *MobileWSHandler {
	return &MobileWSHandler{
		repo: repo,
		hub:  hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes mounts the websocket route.
func (h *MobileWSHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/location", h.location)
}

func (h *MobileWSHandler) location(w http.ResponseWriter, r *http.Request) {
	broadcaster := h.hub.Select(mobile.LocationChannel)
	if broadcaster == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := broadcaster.Register(conn)
	defer broadcaster.Unregister(client)

	if err := h.sendActive(r, client); err != nil {
		return
	}

	// Any client message asks for the active list again. Reads also
	// surface pongs and disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := h.sendActive(r, client); err != nil {
			return
		}
	}
}

func (h *MobileWSHandler) sendActive(r *http.Request, client *ws.Client) error {
	active, err := h.repo.Active(r.Context())
	if err != nil {
		h.logger.Error("failed to list active mobile streams", slog.Any("error", err))
		active = nil
	}

	content := make([]map[string]any, 0, len(active))
	for _, rec := range active {
		entry := map[string]any{"name": mobile.StreamName(rec.ID)}
		if n := len(rec.Position); n > 0 {
			entry["position"] = rec.Position[n-1]
		}
		content = append(content, entry)
	}

	return client.WriteJSON(map[string]any{
		"request": "all",
		"content": content,
	})
}
