package handlers

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/cetrio/dss/internal/provider"
)

// InfoHandler serves the /info routes describing providers and their
// stream catalogs.
type InfoHandler struct {
	providers *provider.Registry
	logger    *slog.Logger
}

// NewInfoHandler creates the info handler.
func NewInfoHandler(providers *provider.Registry, logger *slog.Logger) *InfoHandler {
	return &InfoHandler{providers: providers, logger: logger}
}

// RegisterRoutes mounts the info routes.
func (h *InfoHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/provider", h.listProviders)
	r.HandleFunc("/provider/{prefix}", h.providerCatalog)
	r.HandleFunc("/stream/{id}", h.streamData)
}

func (h *InfoHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.providers.All()
	out := make([]map[string]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]string{
			"name": p.Name(),
			"id":   p.Prefix(),
		})
	}
	writeJSON(w, h.logger, out)
}

func (h *InfoHandler) providerCatalog(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")

	p, err := h.providers.Get(prefix)
	if err != nil {
		writeStatus(w, err)
		return
	}

	catalog := p.Catalog()
	out := make([]map[string]string, 0, len(catalog))
	for _, entry := range catalog {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"] < out[j]["id"] })
	writeJSON(w, h.logger, out)
}

func (h *InfoHandler) streamData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.providers.Select(id)
	if err != nil {
		writeStatus(w, err)
		return
	}

	data, err := p.StreamData(id)
	if err != nil {
		writeStatus(w, err)
		return
	}
	writeJSON(w, h.logger, data)
}
