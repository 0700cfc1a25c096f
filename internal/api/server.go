// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/files"
	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
)

// maxJSONBody bounds request bodies decoded as JSON.
const maxJSONBody = 1 << 20

// Server is the HTTP server.
type Server struct {
	auth  *auth.Auth
	files *files.Service
}

// NewServer creates a new server.
func NewServer(authHandler *auth.Auth, svc *files.Service) *Server {
	return &Server{auth: authHandler, files: svc}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)

	// Public share link endpoints (no auth)
	mux.HandleFunc("GET /api/v1/share/{token}/info", s.handleShareInfo)
	mux.HandleFunc("GET /api/v1/share/{token}", s.handleShareDownload)
	mux.HandleFunc("GET /api/v1/share/{token}/inline", s.handleShareInline)

	// Protected endpoints are registered on the same mux so the metrics
	// middleware sees the matched pattern.
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware(h))
	}

	// Read endpoints
	protected("GET /api/v1/list", s.handleList)
	protected("GET /api/v1/list/{path...}", s.handleList)
	protected("GET /api/v1/stat/{path...}", s.handleStat)
	protected("GET /api/v1/content/{path...}", s.handleRead)
	protected("GET /api/v1/download/{path...}", s.handleDownload)

	// Write endpoints
	protected("PUT /api/v1/content/{path...}", s.handleWrite)
	protected("POST /api/v1/mkdir", s.handleMkdir)
	protected("POST /api/v1/move", s.handleMove)
	protected("POST /api/v1/copy", s.handleCopy)
	protected("DELETE /api/v1/files/{path...}", s.handleTrash)

	// Trash endpoints
	protected("GET /api/v1/trash", s.handleTrashList)
	protected("POST /api/v1/trash/{id}/restore", s.handleTrashRestore)
	protected("DELETE /api/v1/trash/{id}", s.handleTrashPurge)
	protected("DELETE /api/v1/trash", s.handleTrashEmpty)

	// Chunked upload endpoints
	protected("POST /api/v1/uploads", s.handleUploadInit)
	protected("GET /api/v1/uploads/{id}", s.handleUploadStatus)
	protected("PUT /api/v1/uploads/{id}/parts/{n}", s.handleUploadPart)
	protected("POST /api/v1/uploads/{id}/complete", s.handleUploadComplete)
	protected("DELETE /api/v1/uploads/{id}", s.handleUploadAbort)

	// Share link management endpoints
	protected("POST /api/v1/shares", s.handleShareCreate)
	protected("GET /api/v1/shares", s.handleShareLookup)

	// Archive endpoint
	protected("POST /api/v1/archive", s.handleArchive)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// statusFor maps a storage error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrPathEscape), errors.Is(err, storage.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrIncomplete):
		return http.StatusConflict
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, storage.ErrInternal):
		return http.StatusInternalServerError
	case errors.Is(err, storage.ErrNotADirectory), errors.Is(err, storage.ErrNotAFile),
		errors.Is(err, storage.ErrInvalidOperation), errors.Is(err, storage.ErrInvalidTarget),
		errors.Is(err, storage.ErrInvalidFormat), errors.Is(err, storage.ErrRootDeletion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Internal errors are logged and their
// detail withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	s.sendError(w, code, msg)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", key, storage.ErrInvalidOperation)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// contentType guesses a MIME type from a file name.
func contentType(name string) string {
	if ext := path.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// serveStream copies rc to w with content headers. disposition is
// "attachment" or "inline".
func serveStream(w http.ResponseWriter, r *http.Request, rc io.ReadCloser, name string, size, mtime int64, disposition string) {
	defer rc.Close()

	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Last-Modified", time.UnixMilli(mtime).UTC().Format(http.TimeFormat))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if disposition == "inline" {
		w.Header().Set("Content-Security-Policy", "sandbox")
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		logging.FromContext(r.Context()).Warn("transfer error",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
}
