package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// RunsHandler serves run records: GET /v1/runs and GET /v1/runs/{id}.
type RunsHandler struct {
	runs  store.RunStore
	token string
}

func NewRunsHandler(runs store.RunStore, token string) *RunsHandler {
	return &RunsHandler{runs: runs, token: token}
}

// Routes returns a router to mount under /v1/runs.
func (h *RunsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", requireToken(h.token, false, h.handleList))
	r.Get("/{id}", requireToken(h.token, false, h.handleGet))
	return r
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := store.RunFilter{
		SessionKey: q.Get("session"),
		AgentID:    q.Get("agent"),
		UserID:     store.UserIDFromContext(r.Context()),
		Status:     store.RunStatus(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := store.ValidateRunID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	rec, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if uid := store.UserIDFromContext(r.Context()); uid != "" && rec.UserID != "" && rec.UserID != uid {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
