package http

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
)

// ArtifactsHandler serves files left in run directories:
// GET /artifacts/{runID}/{name}, with ?thumb=1 for a JPEG preview of images.
type ArtifactsHandler struct {
	ws        *workspace.Manager
	token     string
	thumbSide int
}

func NewArtifactsHandler(ws *workspace.Manager, token string, thumbSide int) *ArtifactsHandler {
	if thumbSide <= 0 {
		thumbSide = 320
	}
	return &ArtifactsHandler{ws: ws, token: token, thumbSide: thumbSide}
}

// Routes returns a router to mount under /artifacts.
func (h *ArtifactsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{runID}/*", requireToken(h.token, true, h.handleFile))
	return r
}

func (h *ArtifactsHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	name := chi.URLParam(r, "*")

	if err := store.ValidateRunID(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid run id")
		return
	}
	path, err := h.ws.Resolve(runID, name)
	if err != nil {
		slog.Warn("security.artifact_path_rejected", "run", runID, "name", name)
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid artifact path")
		return
	}
	if !h.ws.Contains(runID, path) {
		writeError(w, http.StatusNotFound, "not_found", "artifact not found")
		return
	}

	if thumb, _ := strconv.ParseBool(r.URL.Query().Get("thumb")); thumb && workspace.Classify(name) == workspace.KindImage {
		data, err := workspace.Thumbnail(path, h.thumbSide)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				writeError(w, http.StatusNotFound, "not_found", "artifact not found")
				return
			}
			slog.Warn("thumbnail failed, serving original", "path", path, "error", err)
		} else {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Cache-Control", "private, max-age=3600")
			w.Write(data)
			return
		}
	}

	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, path)
}
