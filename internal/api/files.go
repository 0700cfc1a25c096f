package api

import (
	"context"
	"net/http"

	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/trash"
	"github.com/fruitsalade/basket/internal/vpath"
)

// ─── Read ───────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	page, err := queryInt(r, "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	listing, err := s.files.List(r.Context(), user, r.PathValue("path"), int(page), int(pageSize))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, listing)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	info, err := s.files.Stat(r.Context(), user, r.PathValue("path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	maxBytes, err := queryInt(r, "max")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	p := r.PathValue("path")
	rc, info, err := s.files.Read(r.Context(), user, p, maxBytes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	serveStream(w, r, rc, vpath.Base(vpath.Normalize(p)), info.Size, info.MTime, "inline")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	p := r.PathValue("path")
	rc, info, err := s.files.Download(r.Context(), user, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	serveStream(w, r, rc, vpath.Base(vpath.Normalize(p)), info.Size, info.MTime, "attachment")
}

// ─── Write ──────────────────────────────────────────────────────────────────

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	p := vpath.Normalize(r.PathValue("path"))

	if err := s.files.Write(r.Context(), user, p, r.Body, r.ContentLength, queryBool(r, "overwrite")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "path": p})
}

type mkdirRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var req mkdirRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	p, err := s.files.Mkdir(r.Context(), user, req.Parent, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{"path": p})
}

type transferFunc func(ctx context.Context, user *auth.User, from, to string) error

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.files.Move)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.files.Copy)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op transferFunc) {
	user := auth.GetUser(r.Context())
	var req transferRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	if err := op(r.Context(), user, req.From, req.To); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"path": vpath.Normalize(req.To)})
}

// ─── Trash ──────────────────────────────────────────────────────────────────

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	rec, err := s.files.Trash(r.Context(), user, r.PathValue("path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	recs, err := s.files.TrashList(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []trash.Record{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"items": recs, "count": len(recs)})
}

func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	rec, err := s.files.RestoreTrash(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"path": rec.OriginalPath})
}

func (s *Server) handleTrashPurge(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if err := s.files.PurgeTrash(r.Context(), user, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	n, err := s.files.EmptyTrash(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"purged": n})
}
