package api

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/request"
)

// ServeAttachment handles GET /api/databases/{db}/attachments/*?filename=.
// It streams the raw content of one attachment of the addressed record.
func (h *Handler) ServeAttachment(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'filename' is required"))
		return
	}

	req := &request.Request{Action: request.ActionGet, Path: entryPath(r)}
	flags := h.flags(r)
	flags.IncludeFiles = true
	res, err := h.exec.Execute(r.Context(), chi.URLParam(r, "db"), req, flags)
	if err != nil {
		writeError(w, err)
		return
	}

	proj, ok := res.Stdout.(*models.Entry)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	for _, a := range proj.Attachments {
		if a.Filename != filename || a.Binary == nil {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(*a.Binary)
		if err != nil {
			writeError(w, fmt.Errorf("decode attachment %s: %w", filename, err))
			return
		}
		ctype := mime.TypeByExtension(filepath.Ext(filename))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
		return
	}
	writeJSON(w, http.StatusNotFound, errorBody("not found"))
}
