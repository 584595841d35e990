package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/internal/service/thread"
)

func TestRouterServesRESTRoutes(t *testing.T) {
	deps := bridge.Deps{
		Threads:  thread.NewManager(thread.NewMemoryStore()),
		Profiles: profile.NewMemoryStore(profile.Seed()),
	}
	router := NewRouter([]string{"*"}, deps, bridge.NewRegistry())

	cases := map[string]int{
		"/api/health":           http.StatusOK,
		"/api/profiles":         http.StatusOK,
		"/api/threads":          http.StatusOK,
		"/api/sessions":         http.StatusOK,
		"/api/sessions/missing": http.StatusNotFound,
		"/api/threads/missing":  http.StatusNotFound,
	}
	for path, want := range cases {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.Code)
		}
	}
}

func TestRouterMediaRequiresUpgrade(t *testing.T) {
	deps := bridge.Deps{
		Threads:  thread.NewManager(thread.NewMemoryStore()),
		Profiles: profile.NewMemoryStore(profile.Seed()),
	}
	router := NewRouter(nil, deps, bridge.NewRegistry())

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/media/ws/s-1", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain GET, got %d", resp.Code)
	}
}
