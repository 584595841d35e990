package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voicebridge/backend/internal/handler/media"
	"github.com/zhouzirui/voicebridge/backend/internal/handler/profile"
	"github.com/zhouzirui/voicebridge/backend/internal/handler/stream"
	"github.com/zhouzirui/voicebridge/backend/internal/handler/thread"
	middlewarePkg "github.com/zhouzirui/voicebridge/backend/internal/middleware"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the bridge services.
func NewRouter(allowedOrigins []string, deps bridge.Deps, registry *bridge.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	// Create handlers
	profileHandler := profile.New(deps.Profiles)
	threadHandler := thread.New(deps.Threads)
	streamHandler := stream.New(registry)
	mediaHandler := media.New(deps, registry)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"sessions": len(registry.List()),
			})
		})

		profileHandler.RegisterRoutes(api)
		threadHandler.RegisterRoutes(api)

		// Observer streams for live sessions
		streamHandler.RegisterRoutes(api)

		// Media connections; one bridge session per socket
		mediaHandler.RegisterRoutes(api)
	})

	return r
}
