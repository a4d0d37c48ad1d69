package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/preview"
	"github.com/conneroisu/livesite/internal/resolver"
	"github.com/conneroisu/livesite/internal/version"
	"github.com/conneroisu/livesite/internal/vfs"
)

// maxEditSize bounds a single PUT /api/edits body.
const maxEditSize = 32 << 20

// handleRef serves one object reference. Revoked references answer 410 so
// a stale surface can tell them apart from typos.
func (s *PreviewServer) handleRef(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	obj, status := s.engine.Controller().Lookup(id)
	switch status {
	case lifecycle.LookupRevoked:
		http.Error(w, "Reference revoked", http.StatusGone)
		return
	case lifecycle.LookupUnknown:
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	// The surface runs on an opaque origin.
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
	h.Set("Cache-Control", "no-store")
	h.Set("ETag", obj.ETag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == obj.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", obj.Ref.MediaType)
	h.Set("Content-Length", strconv.Itoa(len(obj.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Body)
}

func (s *PreviewServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing ref parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Resolve(ref))
}

type generationsResponse struct {
	Current     string                     `json:"current,omitempty"`
	Generations []lifecycle.GenerationInfo `json:"generations"`
	Outstanding int                        `json:"outstanding"`
	Created     int                        `json:"created"`
	Revoked     int                        `json:"revoked"`
}

func (s *PreviewServer) handleGenerations(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Controller()

	resp := generationsResponse{
		Generations: c.List(),
		Outstanding: c.Outstanding(),
	}
	resp.Created, resp.Revoked = c.Stats()
	if cur, ok := c.Current(); ok {
		resp.Current = cur.ID
	}
	if resp.Generations == nil {
		resp.Generations = []lifecycle.GenerationInfo{}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *PreviewServer) handleListEdits(w http.ResponseWriter, r *http.Request) {
	edits := s.edits.List()
	if edits == nil {
		edits = []vfs.PendingEdit{}
	}
	writeJSON(w, http.StatusOK, edits)
}

type editResponse struct {
	Edits      int      `json:"edits"`
	Generation string   `json:"generation,omitempty"`
	Document   string   `json:"document,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Error      string   `json:"error,omitempty"`
	Code       string   `json:"code,omitempty"`
}

func (s *PreviewServer) handlePutEdit(w http.ResponseWriter, r *http.Request) {
	var edit vfs.PendingEdit
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEditSize))
	if err := dec.Decode(&edit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid edit: "+err.Error())
		return
	}
	edit.RepoPath = repoPath(edit.RepoPath)
	if edit.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "repoPath is required")
		return
	}

	if err := s.mutateEdits(r.Context(), func(store *vfs.OverlayStore) bool {
		store.Put(edit)
		return true
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondWithGeneration(w, r.Context())
}

func (s *PreviewServer) handleDeleteEdit(w http.ResponseWriter, r *http.Request) {
	path := repoPath(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}

	removed := false
	if err := s.mutateEdits(r.Context(), func(store *vfs.OverlayStore) bool {
		removed = store.Remove(path)
		return removed
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no pending edit for "+path)
		return
	}

	s.respondWithGeneration(w, r.Context())
}

// repoPath keys an edit the way the snapshot keys its files, so "/a.css"
// and "./a.css" shadow "a.css".
func repoPath(p string) string {
	return resolver.Normalize(strings.TrimSpace(p))
}

// mutateEdits applies fn to the edit store and persists the result when fn
// reports a change.
func (s *PreviewServer) mutateEdits(ctx context.Context, fn func(*vfs.OverlayStore) bool) error {
	s.editsMutex.Lock()
	defer s.editsMutex.Unlock()

	if !fn(s.edits) || s.overlay == nil {
		return nil
	}
	if err := s.overlay.Save(s.edits.List()); err != nil {
		s.logger.Error(ctx, err, "Failed to persist pending edits", "path", s.overlay.Path)
		return err
	}
	return nil
}

// respondWithGeneration regenerates after an edit mutation. The mutation
// stands even when the regeneration fails; the failure is part of the
// response.
func (s *PreviewServer) respondWithGeneration(w http.ResponseWriter, ctx context.Context) {
	resp := editResponse{Edits: len(s.edits.List())}

	rendering, err := s.engine.Regenerate(ctx)
	if err != nil {
		resp.Error = err.Error()
		var pe *errors.PreviewError
		if errors.As(err, &pe) {
			resp.Code = pe.Code
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	resp.Generation = rendering.Generation
	resp.Document = rendering.Document.URL
	resp.Warnings = rendering.Warnings
	writeJSON(w, http.StatusOK, resp)
}

func (s *PreviewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]interface{}{
		"websocket": map[string]interface{}{"clients": s.ws.ConnectedClients()},
		"references": map[string]interface{}{
			"outstanding": s.engine.Controller().Outstanding(),
		},
	}

	if r, ok := s.engine.Current(); ok {
		checks["preview"] = map[string]interface{}{
			"status":     "healthy",
			"generation": r.Generation,
			"files":      r.Set.Len(),
		}
	} else {
		status = "degraded"
		checks["preview"] = map[string]interface{}{
			"status":  "unavailable",
			"message": "no generation rendered yet",
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Short(),
		"checks":    checks,
	})
}

// handleSurfaceMessage decodes one inbound websocket frame. Malformed
// frames are dropped.
func (s *PreviewServer) handleSurfaceMessage(ctx context.Context, data []byte) {
	var ev preview.SurfaceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Debug(ctx, "Dropping malformed surface message", "error", err.Error())
		return
	}
	s.engine.HandleSurface(ctx, ev)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
