// Package upload coordinates chunked, resumable uploads. Sessions are kept
// in a durable table so a client can resume after a server restart; the
// parts themselves live in backend-specific multipart state.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/jsonstore"
	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

const (
	DefaultMaxPartSize = 64 * 1024 * 1024
	DefaultExpiry      = 24 * time.Hour
	cleanupInterval    = 15 * time.Minute
)

// Session is the persisted state of one upload.
type Session struct {
	ID           string               `json:"id"`
	Username     string               `json:"username"`
	Root         string               `json:"root"`
	Dir          string               `json:"dir"`
	FileName     string               `json:"fileName"`
	Dest         string               `json:"dest"`
	DeclaredSize int64                `json:"declaredSize"`
	TotalParts   int                  `json:"totalParts"`
	Overwrite    bool                 `json:"overwrite"`
	Handle       storage.UploadHandle `json:"handle"`
	CreatedAt    time.Time            `json:"createdAt"`
	ExpiresAt    time.Time            `json:"expiresAt"`
}

// InitRequest describes a new upload.
type InitRequest struct {
	Dir        string `json:"dir"`
	FileName   string `json:"fileName"`
	Size       int64  `json:"size"`
	TotalParts int    `json:"totalParts"`
	Overwrite  bool   `json:"overwrite"`
}

// Status reports the parts received so far. Found is false for unknown or
// finished uploads, in which case Parts is empty and the client starts over.
type Status struct {
	ID         string `json:"uploadId"`
	Found      bool   `json:"found"`
	Parts      []int  `json:"parts"`
	TotalParts int    `json:"totalParts,omitempty"`
}

// Config holds coordinator limits. Zero values select the defaults.
type Config struct {
	MaxPartSize int64
	Expiry      time.Duration
}

// Coordinator drives the upload state machine for every user of one backend.
type Coordinator struct {
	backend     storage.Backend
	sessions    *jsonstore.Table[Session]
	maxPartSize int64
	expiry      time.Duration
	now         func() time.Time
}

// NewCoordinator creates a coordinator persisting sessions in table.
func NewCoordinator(backend storage.Backend, table *jsonstore.Table[Session], cfg Config) *Coordinator {
	if cfg.MaxPartSize <= 0 {
		cfg.MaxPartSize = DefaultMaxPartSize
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	c := &Coordinator{
		backend:     backend,
		sessions:    table,
		maxPartSize: cfg.MaxPartSize,
		expiry:      cfg.Expiry,
		now:         time.Now,
	}
	metrics.SetUploadSessionsActive(table.Len())
	return c
}

// MaxPartSize returns the largest accepted part.
func (c *Coordinator) MaxPartSize() int64 { return c.maxPartSize }

// StartCleanup starts the background goroutine that aborts expired uploads.
func (c *Coordinator) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired(ctx)
			}
		}
	}()
}

// Init validates the destination and opens a new upload session.
func (c *Coordinator) Init(ctx context.Context, username, root string, req InitRequest) (*Session, error) {
	if req.TotalParts < 1 || req.TotalParts > storage.MaxParts {
		return nil, fmt.Errorf("totalParts must be between 1 and %d: %w", storage.MaxParts, storage.ErrInvalidOperation)
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("size must not be negative: %w", storage.ErrInvalidOperation)
	}
	if err := vpath.ValidName(req.FileName); err != nil {
		return nil, fmt.Errorf("%w: %w", err, storage.ErrInvalidOperation)
	}

	fsys, err := c.backend.Mount(ctx, root)
	if err != nil {
		return nil, err
	}
	dir := vpath.Normalize(req.Dir)
	info, err := fsys.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if info.Type != storage.TypeDir {
		return nil, fmt.Errorf("%s: %w", dir, storage.ErrNotADirectory)
	}

	dest := vpath.Join(dir, req.FileName)
	switch existing, err := fsys.Stat(ctx, dest); {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	case existing.Type == storage.TypeDir:
		return nil, fmt.Errorf("%s: %w", dest, storage.ErrNotAFile)
	case !req.Overwrite:
		return nil, fmt.Errorf("%s: %w", dest, storage.ErrConflict)
	}

	handle, err := fsys.CreateUpload(ctx, dest)
	if err != nil {
		return nil, err
	}

	now := c.now()
	s := Session{
		ID:           uuid.NewString(),
		Username:     username,
		Root:         root,
		Dir:          dir,
		FileName:     req.FileName,
		Dest:         dest,
		DeclaredSize: req.Size,
		TotalParts:   req.TotalParts,
		Overwrite:    req.Overwrite,
		Handle:       handle,
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.Add(c.expiry).UTC(),
	}
	if err := c.sessions.Put(s.ID, s); err != nil {
		if abortErr := fsys.AbortUpload(ctx, handle); abortErr != nil {
			logging.Warn("failed to abort orphaned upload", zap.String("dest", dest), zap.Error(abortErr))
		}
		return nil, fmt.Errorf("persist upload session: %w: %w", storage.ErrInternal, err)
	}
	metrics.SetUploadSessionsActive(c.sessions.Len())

	logging.Info("chunked upload initiated",
		zap.String("upload_id", s.ID),
		zap.String("path", dest),
		zap.Int64("size", req.Size),
		zap.Int("parts", req.TotalParts))
	return &s, nil
}

// session returns the upload id owned by username. Uploads belonging to
// someone else are reported as missing.
func (c *Coordinator) session(username, id string) (Session, error) {
	s, ok := c.sessions.Get(id)
	if !ok || s.Username != username {
		return Session{}, fmt.Errorf("upload %s: %w", id, storage.ErrNotFound)
	}
	return s, nil
}

// Status lists the parts stored so far. It never fails for an unknown id.
func (c *Coordinator) Status(ctx context.Context, username, id string) (*Status, error) {
	st := &Status{ID: id, Parts: []int{}}
	s, err := c.session(username, id)
	if err != nil {
		return st, nil
	}

	fsys, err := c.backend.Mount(ctx, s.Root)
	if err != nil {
		return nil, err
	}
	parts, err := fsys.ListParts(ctx, s.Handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The backend lost the upload; drop the session so the client restarts.
			c.forget(id)
			return st, nil
		}
		return nil, err
	}

	st.Found = true
	st.Parts = parts
	st.TotalParts = s.TotalParts
	return st, nil
}

// PutPart stores one part. Parts may arrive in any order, concurrently, and
// more than once; the last copy of a part wins.
func (c *Coordinator) PutPart(ctx context.Context, username, id string, part int, r io.Reader, size int64) error {
	s, err := c.session(username, id)
	if err != nil {
		return err
	}
	if part < 1 || part > s.TotalParts {
		return fmt.Errorf("part %d outside 1..%d: %w", part, s.TotalParts, storage.ErrInvalidOperation)
	}
	if size > c.maxPartSize {
		return fmt.Errorf("part of %d bytes exceeds %d: %w", size, c.maxPartSize, storage.ErrTooLarge)
	}

	fsys, err := c.backend.Mount(ctx, s.Root)
	if err != nil {
		return err
	}
	body := &capReader{r: r, remaining: c.maxPartSize}
	err = fsys.PutPart(ctx, s.Handle, part, body, size)
	if body.exceeded {
		err = fmt.Errorf("part %d exceeds %d bytes: %w", part, c.maxPartSize, storage.ErrTooLarge)
	}
	metrics.RecordUploadPart(body.read, err == nil)
	if err != nil {
		return err
	}

	logging.Debug("upload part stored",
		zap.String("upload_id", id), zap.Int("part", part), zap.Int64("bytes", body.read))
	return nil
}

// Complete assembles the parts into the destination chosen at Init.
// A missing part leaves the session intact so the client can resend it.
func (c *Coordinator) Complete(ctx context.Context, username, id string, totalParts int) (*Session, error) {
	s, err := c.session(username, id)
	if err != nil {
		return nil, err
	}
	if totalParts != 0 && totalParts != s.TotalParts {
		return nil, fmt.Errorf("totalParts %d does not match %d declared at init: %w",
			totalParts, s.TotalParts, storage.ErrInvalidOperation)
	}

	fsys, err := c.backend.Mount(ctx, s.Root)
	if err != nil {
		return nil, err
	}
	start := c.now()
	if err := fsys.CompleteUpload(ctx, s.Handle, s.TotalParts, s.Overwrite); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotAFile):
			// The destination changed since Init; the upload can never succeed.
			c.discard(ctx, fsys, s)
		case errors.Is(err, storage.ErrNotFound):
			c.forget(id)
		}
		metrics.RecordContentUpload(0, false)
		return nil, err
	}
	c.forget(id)

	var size int64
	if info, err := fsys.Stat(ctx, s.Dest); err == nil {
		size = info.Size
	}
	if s.DeclaredSize > 0 && size != s.DeclaredSize {
		logging.Warn("uploaded size differs from declared size",
			zap.String("upload_id", id), zap.Int64("declared", s.DeclaredSize), zap.Int64("actual", size))
	}
	metrics.RecordContentUpload(size, true)

	logging.Info("chunked upload completed",
		zap.String("upload_id", id),
		zap.String("path", s.Dest),
		zap.Int64("size", size),
		zap.Duration("duration", c.now().Sub(start)))
	return &s, nil
}

// Abort discards an upload and its stored parts.
func (c *Coordinator) Abort(ctx context.Context, username, id string) error {
	s, err := c.session(username, id)
	if err != nil {
		return err
	}
	fsys, err := c.backend.Mount(ctx, s.Root)
	if err != nil {
		return err
	}
	if err := fsys.AbortUpload(ctx, s.Handle); err != nil {
		return err
	}
	c.forget(id)
	logging.Info("chunked upload aborted", zap.String("upload_id", id))
	return nil
}

// CleanupExpired aborts every session past its expiry and returns how many
// were removed.
func (c *Coordinator) CleanupExpired(ctx context.Context) int {
	now := c.now()
	removed := 0
	for id, s := range c.sessions.All() {
		if now.Before(s.ExpiresAt) {
			continue
		}
		fsys, err := c.backend.Mount(ctx, s.Root)
		if err != nil {
			logging.Warn("failed to mount root of expired upload", zap.String("upload_id", id), zap.Error(err))
			c.forget(id)
			removed++
			continue
		}
		if err := fsys.AbortUpload(ctx, s.Handle); err != nil {
			logging.Warn("failed to abort expired upload", zap.String("upload_id", id), zap.Error(err))
			continue
		}
		c.forget(id)
		metrics.RecordUploadExpired()
		removed++
	}
	if removed > 0 {
		logging.Info("cleaned up expired uploads", zap.Int("count", removed))
	}
	return removed
}

func (c *Coordinator) discard(ctx context.Context, fsys storage.FS, s Session) {
	if err := fsys.AbortUpload(ctx, s.Handle); err != nil {
		logging.Warn("failed to abort upload", zap.String("upload_id", s.ID), zap.Error(err))
	}
	c.forget(s.ID)
}

func (c *Coordinator) forget(id string) {
	if _, err := c.sessions.Delete(id); err != nil {
		logging.Error("failed to delete upload session", zap.String("upload_id", id), zap.Error(err))
	}
	metrics.SetUploadSessionsActive(c.sessions.Len())
}

// capReader fails once more than remaining bytes have been read.
type capReader struct {
	r         io.Reader
	remaining int64
	read      int64
	exceeded  bool
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		// Read one more byte to tell "exactly at the cap" from "over it".
		var one [1]byte
		n, err := c.r.Read(one[:])
		if n > 0 {
			c.exceeded = true
			return 0, storage.ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	c.remaining -= int64(n)
	return n, err
}
