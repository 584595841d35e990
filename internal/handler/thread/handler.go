package thread

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	threadservice "github.com/zhouzirui/voicebridge/backend/internal/service/thread"
	"github.com/zhouzirui/voicebridge/backend/pkg/utils"
)

// Handler 会话线程的HTTP处理器
type Handler struct {
	threads *threadservice.Manager
}

// New 创建线程处理器
func New(threads *threadservice.Manager) *Handler {
	return &Handler{threads: threads}
}

// RegisterRoutes 注册线程相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/threads", h.handleListThreads)
	r.Post("/threads", h.handleBindThread)
	r.Get("/threads/{threadID}", h.handleGetThread)
}

// handleListThreads 列出所有线程摘要
func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.threads.Store().List(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, summaries)
}

// handleGetThread 返回线程及其全部话语
func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.threads.Store().Get(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, threadservice.ErrThreadNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, t)
}

// handleBindThread 绑定线程；threadId 为空时分配新线程，已存在时续接
func (h *Handler) handleBindThread(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ThreadID string `json:"threadId"`
		Metadata string `json:"metadata"`
	}

	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	external := payload.ThreadID
	if external == "" {
		external = threadservice.ParseMetadata(payload.Metadata)
	}

	binding, err := h.threads.Bind(r.Context(), external)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusCreated
	if binding.Resumed {
		status = http.StatusOK
	}
	utils.RespondJSON(w, status, map[string]any{
		"threadId": binding.ThreadID,
		"resumed":  binding.Resumed,
	})
}
