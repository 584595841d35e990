package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sessionmodel "github.com/zhouzirui/voicebridge/backend/internal/model/session"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/pkg/utils"
)

// Handler streams live session events to observers via Server-Sent Events
type Handler struct {
	registry  *bridge.Registry
	heartbeat time.Duration
}

// New creates a new stream handler
func New(registry *bridge.Registry) *Handler {
	return &Handler{
		registry:  registry,
		heartbeat: 8 * time.Second,
	}
}

// RegisterRoutes registers the observer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, s.Info())
}

// handleEvents follows one session until it closes or the observer disconnects
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s, err := h.registry.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	events, unsubscribe := s.Hub().Subscribe(0)
	defer unsubscribe()

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log.Printf("[sse] observer attached to session=%s", sessionID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	utils.SendSSEEvent(w, flusher, "session", s.Info())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] observer left session=%s", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			utils.SendSSEEvent(w, flusher, string(ev.Type), ev)
			if ev.Type == sessionmodel.EventClosed {
				return
			}
		case t := <-ticker.C:
			utils.SendSSEEvent(w, flusher, "heartbeat", map[string]any{
				"state": s.State().String(),
				"time":  t.UTC().Format(time.RFC3339),
			})
		}
	}
}
