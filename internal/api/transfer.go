package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/share"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/upload"
)

// ─── Chunked Uploads ────────────────────────────────────────────────────────

type initUploadResponse struct {
	UploadID    string    `json:"uploadId"`
	Path        string    `json:"path"`
	TotalParts  int       `json:"totalParts"`
	MaxPartSize int64     `json:"maxPartSize"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var req upload.InitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess, err := s.files.UploadInit(r.Context(), user, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, initUploadResponse{
		UploadID:    sess.ID,
		Path:        sess.Dest,
		TotalParts:  sess.TotalParts,
		MaxPartSize: s.files.MaxPartSize(),
		ExpiresAt:   sess.ExpiresAt,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	st, err := s.files.UploadStatus(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	part, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid part number")
		return
	}

	if err := s.files.UploadPart(r.Context(), user, r.PathValue("id"), part, r.Body, r.ContentLength); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "part": part})
}

type completeUploadRequest struct {
	TotalParts int `json:"totalParts"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var req completeUploadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess, err := s.files.UploadComplete(r.Context(), user, r.PathValue("id"), req.TotalParts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"path": sess.Dest})
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if err := s.files.UploadAbort(r.Context(), user, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Share Links ────────────────────────────────────────────────────────────

type shareRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

type shareResponse struct {
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

func newShareResponse(rec *share.Record) shareResponse {
	return shareResponse{
		Token:     rec.Token,
		Path:      rec.Path,
		URL:       "/api/v1/share/" + rec.Token,
		CreatedAt: rec.CreatedAt,
	}
}

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var req shareRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	rec, err := s.files.ShareCreate(r.Context(), user, req.Path, req.Force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, newShareResponse(rec))
}

func (s *Server) handleShareLookup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	p := r.URL.Query().Get("path")
	if p == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	rec, err := s.files.ShareLookup(r.Context(), user, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, newShareResponse(rec))
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.files.ShareResolve(r.Context(), r.PathValue("token"))
	if err != nil {
		s.failShare(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	s.serveShare(w, r, false)
}

func (s *Server) handleShareInline(w http.ResponseWriter, r *http.Request) {
	s.serveShare(w, r, true)
}

func (s *Server) serveShare(w http.ResponseWriter, r *http.Request, inline bool) {
	token := r.PathValue("token")
	rc, info, err := s.files.ShareOpen(r.Context(), token, inline)
	if err != nil {
		s.failShare(w, r, err)
		return
	}

	disposition := "attachment"
	if inline {
		disposition = "inline"
	}
	serveStream(w, r, rc, info.Name, info.Size, info.MTime, disposition)
}

// failShare hides everything but the guard errors behind a plain 404 so
// anonymous callers learn nothing about the owner's tree.
func (s *Server) failShare(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrTooLarge), errors.Is(err, storage.ErrTypeNotAllowed):
		s.fail(w, r, err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrPathEscape):
		s.sendError(w, http.StatusNotFound, "share link not found")
	default:
		s.fail(w, r, err)
	}
}

// ─── Archives ───────────────────────────────────────────────────────────────

type archiveRequest struct {
	Paths  []string `json:"paths"`
	Format string   `json:"format"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var req archiveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	job, err := s.files.PrepareArchive(r.Context(), user, req.Paths, req.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	staged, err := s.files.StageArchive(r.Context(), job)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer staged.Close()

	w.Header().Set("Content-Type", job.Format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": job.FileName()}))
	w.WriteHeader(http.StatusOK)

	// Headers are gone by now; a failure can only be logged and the
	// stream cut short.
	if err := staged.Write(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("archive stream failed",
			zap.String("username", user.Username),
			zap.Strings("paths", job.Paths),
			zap.Error(err))
	}
}
