// Package files is the boundary between transports and the storage core.
// It applies role checks, size and type guards, and emits an audit event
// for every mutation.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fruitsalade/basket/internal/archive"
	"github.com/fruitsalade/basket/internal/audit"
	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/share"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/trash"
	"github.com/fruitsalade/basket/internal/upload"
	"github.com/fruitsalade/basket/internal/vpath"
)

const (
	DefaultMaxEditSize    = 2 * 1024 * 1024
	DefaultPreviewMaxSize = 10 * 1024 * 1024
	MaxPageSize           = 1000
)

// DefaultPreviewExtensions are the file types that may be shown inline.
var DefaultPreviewExtensions = []string{
	"txt", "md", "log", "csv", "json", "yaml", "yml", "toml", "ini", "conf", "xml",
	"html", "css", "js", "ts", "go", "py", "sh", "sql",
	"pdf", "png", "jpg", "jpeg", "gif", "webp", "svg",
	"mp3", "ogg", "wav", "mp4", "webm",
}

// DefaultEditExtensions are the file types that may be written in full.
var DefaultEditExtensions = []string{
	"txt", "md", "log", "csv", "json", "yaml", "yml", "toml", "ini", "conf", "xml",
	"html", "css", "js", "ts", "go", "py", "sh", "sql",
}

// Config holds the guards applied at the boundary. Zero values select defaults.
type Config struct {
	MaxEditSize       int64
	PreviewMaxSize    int64
	PreviewExtensions []string
	EditExtensions    []string
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Backend  storage.Backend
	Trash    *trash.Manager
	Uploads  *upload.Coordinator
	Shares   *share.Registry
	Archives *archive.Builder
	Audit    audit.Sink
}

// Service exposes the file operations available to an authenticated user.
type Service struct {
	deps    Deps
	cfg     Config
	preview map[string]bool
	edit    map[string]bool
}

// New creates a Service.
func New(deps Deps, cfg Config) *Service {
	if cfg.MaxEditSize <= 0 {
		cfg.MaxEditSize = DefaultMaxEditSize
	}
	if cfg.PreviewMaxSize <= 0 {
		cfg.PreviewMaxSize = DefaultPreviewMaxSize
	}
	if cfg.PreviewExtensions == nil {
		cfg.PreviewExtensions = DefaultPreviewExtensions
	}
	if cfg.EditExtensions == nil {
		cfg.EditExtensions = DefaultEditExtensions
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		preview: extSet(cfg.PreviewExtensions),
		edit:    extSet(cfg.EditExtensions),
	}
}

func extSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[e] = true
	}
	return set
}

// Config returns the effective guards.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) mount(ctx context.Context, u *auth.User) (storage.FS, error) {
	return s.deps.Backend.Mount(ctx, u.Root)
}

func requireWrite(u *auth.User) error {
	if !u.CanWrite() {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrReadOnly)
	}
	return nil
}

// record emits an audit event for a mutation and passes err through.
func (s *Service) record(u *auth.User, action string, err error, paths ...string) error {
	e := audit.Event{
		Action:   action,
		Paths:    paths,
		Username: u.Username,
		Time:     time.Now(),
		Result:   "ok",
	}
	if err != nil {
		e.Result = "error"
		e.Details = err.Error()
	}
	s.deps.Audit.Record(e)
	return err
}

// Listing is one page of a directory.
type Listing struct {
	Path     string             `json:"path"`
	Parent   string             `json:"parent,omitempty"`
	Entries  []storage.DirEntry `json:"entries"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

// List returns a page of dir. Pages are 1-based; pageSize <= 0 returns
// every entry.
func (s *Service) List(ctx context.Context, u *auth.User, dir string, page, pageSize int) (*Listing, error) {
	fsys, err := s.mount(ctx, u)
	if err != nil {
		return nil, err
	}
	p := vpath.Normalize(dir)
	entries, err := fsys.List(ctx, p)
	if err != nil {
		return nil, err
	}

	l := &Listing{Path: p, Total: len(entries), Page: 1, PageSize: len(entries)}
	if !vpath.IsRoot(p) {
		l.Parent = vpath.Parent(p)
	}
	if pageSize > 0 {
		pageSize = min(pageSize, MaxPageSize)
		page = max(page, 1)
		start := min((page-1)*pageSize, len(entries))
		end := min(start+pageSize, len(entries))
		entries = entries[start:end]
		l.Page, l.PageSize = page, pageSize
	}
	l.Entries = entries
	return l, nil
}

// Stat describes p.
func (s *Service) Stat(ctx context.Context, u *auth.User, p string) (*storage.Info, error) {
	fsys, err := s.mount(ctx, u)
	if err != nil {
		return nil, err
	}
	return fsys.Stat(ctx, p)
}

// previewable checks that p may be shown inline and returns the size cap
// to enforce.
func (s *Service) previewable(p string, maxBytes int64) (int64, error) {
	ext := vpath.Ext(p)
	if !s.preview[ext] && !s.edit[ext] {
		return 0, fmt.Errorf("%s: %w", vpath.Base(p), storage.ErrTypeNotAllowed)
	}
	if maxBytes <= 0 || maxBytes > s.cfg.PreviewMaxSize {
		maxBytes = s.cfg.PreviewMaxSize
	}
	return maxBytes, nil
}

func (s *Service) openGuarded(ctx context.Context, fsys storage.FS, p string, maxBytes int64) (io.ReadCloser, *storage.Info, error) {
	info, err := fsys.Stat(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if info.Type != storage.TypeFile {
		return nil, nil, fmt.Errorf("%s: %w", p, storage.ErrNotAFile)
	}
	limit, err := s.previewable(p, maxBytes)
	if err != nil {
		return nil, nil, err
	}
	return fsys.Open(ctx, p, limit)
}

// Read returns file content for preview or editing. The file must have an
// allowed extension and be no larger than maxBytes (capped at the preview
// limit).
func (s *Service) Read(ctx context.Context, u *auth.User, p string, maxBytes int64) (io.ReadCloser, *storage.Info, error) {
	fsys, err := s.mount(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return s.openGuarded(ctx, fsys, vpath.Normalize(p), maxBytes)
}

// Download streams a file of any type and size.
func (s *Service) Download(ctx context.Context, u *auth.User, p string) (io.ReadCloser, *storage.Info, error) {
	fsys, err := s.mount(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	rc, info, err := fsys.Open(ctx, p, 0)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordContentDownload(info.Size)
	return rc, info, nil
}

// Write replaces or creates an editable file. size < 0 means unknown.
func (s *Service) Write(ctx context.Context, u *auth.User, p string, r io.Reader, size int64, overwrite bool) error {
	vp := vpath.Normalize(p)
	err := s.write(ctx, u, vp, r, size, overwrite)
	return s.record(u, "write", err, vp)
}

func (s *Service) write(ctx context.Context, u *auth.User, vp string, r io.Reader, size int64, overwrite bool) error {
	if err := requireWrite(u); err != nil {
		return err
	}
	if !s.edit[vpath.Ext(vp)] {
		return fmt.Errorf("%s: %w", vpath.Base(vp), storage.ErrTypeNotAllowed)
	}
	if size > s.cfg.MaxEditSize {
		return fmt.Errorf("%d bytes exceeds %d: %w", size, s.cfg.MaxEditSize, storage.ErrTooLarge)
	}
	if size < 0 {
		data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxEditSize+1))
		if err != nil {
			return fmt.Errorf("read body: %w: %w", storage.ErrInternal, err)
		}
		if int64(len(data)) > s.cfg.MaxEditSize {
			return fmt.Errorf("body exceeds %d bytes: %w", s.cfg.MaxEditSize, storage.ErrTooLarge)
		}
		r, size = bytes.NewReader(data), int64(len(data))
	} else {
		r = io.LimitReader(r, size)
	}

	fsys, err := s.mount(ctx, u)
	if err != nil {
		return err
	}
	if err := fsys.Write(ctx, vp, r, size, overwrite); err != nil {
		metrics.RecordContentUpload(0, false)
		return err
	}
	metrics.RecordContentUpload(size, true)
	return nil
}

// Mkdir creates name inside parent.
func (s *Service) Mkdir(ctx context.Context, u *auth.User, parent, name string) (string, error) {
	dir := vpath.Normalize(parent)
	target := vpath.Join(dir, name)
	err := func() error {
		if err := requireWrite(u); err != nil {
			return err
		}
		if err := vpath.ValidName(name); err != nil {
			return fmt.Errorf("%w: %w", err, storage.ErrInvalidOperation)
		}
		fsys, err := s.mount(ctx, u)
		if err != nil {
			return err
		}
		info, err := fsys.Stat(ctx, dir)
		if err != nil {
			return err
		}
		if info.Type != storage.TypeDir {
			return fmt.Errorf("%s: %w", dir, storage.ErrNotADirectory)
		}
		return fsys.Mkdir(ctx, target)
	}()
	return target, s.record(u, "mkdir", err, target)
}

// Move renames from to to.
func (s *Service) Move(ctx context.Context, u *auth.User, from, to string) error {
	return s.transfer(ctx, u, "move", from, to)
}

// Copy duplicates from at to.
func (s *Service) Copy(ctx context.Context, u *auth.User, from, to string) error {
	return s.transfer(ctx, u, "copy", from, to)
}

func (s *Service) transfer(ctx context.Context, u *auth.User, action, from, to string) error {
	src, dst := vpath.Normalize(from), vpath.Normalize(to)
	err := func() error {
		if err := requireWrite(u); err != nil {
			return err
		}
		if src == dst {
			return fmt.Errorf("source and destination are both %s: %w", src, storage.ErrInvalidOperation)
		}
		fsys, err := s.mount(ctx, u)
		if err != nil {
			return err
		}
		if action == "move" {
			return fsys.Move(ctx, src, dst)
		}
		return fsys.Copy(ctx, src, dst)
	}()
	return s.record(u, action, err, src, dst)
}

// Trash moves p to the trash.
func (s *Service) Trash(ctx context.Context, u *auth.User, p string) (*trash.Record, error) {
	vp := vpath.Normalize(p)
	var rec *trash.Record
	err := requireWrite(u)
	if err == nil {
		rec, err = s.deps.Trash.Trash(ctx, u.Root, vp, u.Username)
	}
	return rec, s.record(u, "trash", err, vp)
}

// TrashList returns the user's trash, newest first.
func (s *Service) TrashList(ctx context.Context, u *auth.User) ([]trash.Record, error) {
	return s.deps.Trash.List(ctx, u.Root)
}

// RestoreTrash puts a trashed item back where it came from.
func (s *Service) RestoreTrash(ctx context.Context, u *auth.User, id string) (*trash.Record, error) {
	var rec *trash.Record
	err := requireWrite(u)
	if err == nil {
		rec, err = s.deps.Trash.Restore(ctx, u.Root, id)
	}
	paths := []string{id}
	if rec != nil {
		paths = []string{rec.OriginalPath}
	}
	return rec, s.record(u, "restore", err, paths...)
}

// PurgeTrash permanently deletes one trashed item.
func (s *Service) PurgeTrash(ctx context.Context, u *auth.User, id string) error {
	err := requireWrite(u)
	if err == nil {
		_, err = s.deps.Trash.Purge(ctx, u.Root, id)
	}
	return s.record(u, "purge", err, id)
}

// EmptyTrash permanently deletes everything in the user's trash.
func (s *Service) EmptyTrash(ctx context.Context, u *auth.User) (int, error) {
	var n int
	err := requireWrite(u)
	if err == nil {
		n, err = s.deps.Trash.Empty(ctx, u.Root)
	}
	return n, s.record(u, "empty_trash", err, vpath.TrashDir)
}

// UploadInit starts a chunked upload.
func (s *Service) UploadInit(ctx context.Context, u *auth.User, req upload.InitRequest) (*upload.Session, error) {
	dest := vpath.Join(vpath.Normalize(req.Dir), req.FileName)
	var sess *upload.Session
	err := requireWrite(u)
	if err == nil {
		sess, err = s.deps.Uploads.Init(ctx, u.Username, u.Root, req)
	}
	return sess, s.record(u, "upload_init", err, dest)
}

// MaxPartSize is the largest accepted upload part.
func (s *Service) MaxPartSize() int64 { return s.deps.Uploads.MaxPartSize() }

// UploadStatus reports the parts received so far.
func (s *Service) UploadStatus(ctx context.Context, u *auth.User, id string) (*upload.Status, error) {
	return s.deps.Uploads.Status(ctx, u.Username, id)
}

// UploadPart stores one part.
func (s *Service) UploadPart(ctx context.Context, u *auth.User, id string, part int, r io.Reader, size int64) error {
	if err := requireWrite(u); err != nil {
		return err
	}
	return s.deps.Uploads.PutPart(ctx, u.Username, id, part, r, size)
}

// UploadComplete assembles an upload.
func (s *Service) UploadComplete(ctx context.Context, u *auth.User, id string, totalParts int) (*upload.Session, error) {
	var sess *upload.Session
	err := requireWrite(u)
	if err == nil {
		sess, err = s.deps.Uploads.Complete(ctx, u.Username, id, totalParts)
	}
	path := id
	if sess != nil {
		path = sess.Dest
	}
	return sess, s.record(u, "upload_complete", err, path)
}

// UploadAbort discards an upload.
func (s *Service) UploadAbort(ctx context.Context, u *auth.User, id string) error {
	err := requireWrite(u)
	if err == nil {
		err = s.deps.Uploads.Abort(ctx, u.Username, id)
	}
	return s.record(u, "upload_abort", err, id)
}

// ShareCreate returns a public token for a file.
func (s *Service) ShareCreate(ctx context.Context, u *auth.User, p string, force bool) (*share.Record, error) {
	vp := vpath.Normalize(p)
	var rec *share.Record
	err := func() error {
		if err := requireWrite(u); err != nil {
			return err
		}
		info, err := s.Stat(ctx, u, vp)
		if err != nil {
			return err
		}
		if info.Type != storage.TypeFile {
			return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
		}
		rec, err = s.deps.Shares.Create(ctx, vp, u.Root, force)
		return err
	}()
	return rec, s.record(u, "share", err, vp)
}

// ShareLookup returns the current share of p, if any.
func (s *Service) ShareLookup(ctx context.Context, u *auth.User, p string) (*share.Record, error) {
	return s.deps.Shares.Lookup(ctx, p, u.Root)
}

// SharedFile is what an anonymous visitor learns about a share.
type SharedFile struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

func (s *Service) sharedFS(ctx context.Context, token string) (storage.FS, *share.Record, error) {
	rec, err := s.deps.Shares.Resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	fsys, err := s.deps.Backend.Mount(ctx, rec.Root)
	if err != nil {
		return nil, nil, err
	}
	return fsys, rec, nil
}

// ShareResolve describes the file behind token without authentication.
// A file that has since been moved or deleted is NotFound.
func (s *Service) ShareResolve(ctx context.Context, token string) (*SharedFile, error) {
	fsys, rec, err := s.sharedFS(ctx, token)
	if err != nil {
		return nil, err
	}
	info, err := fsys.Stat(ctx, rec.Path)
	if err != nil {
		return nil, err
	}
	if info.Type != storage.TypeFile {
		return nil, fmt.Errorf("share: %w", storage.ErrNotFound)
	}
	return &SharedFile{Name: vpath.Base(rec.Path), Size: info.Size, MTime: info.MTime}, nil
}

// ShareOpen streams the file behind token. Inline views go through the
// same preview guards as an authenticated read.
func (s *Service) ShareOpen(ctx context.Context, token string, inline bool) (io.ReadCloser, *SharedFile, error) {
	fsys, rec, err := s.sharedFS(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	var rc io.ReadCloser
	var info *storage.Info
	if inline {
		rc, info, err = s.openGuarded(ctx, fsys, rec.Path, 0)
	} else {
		rc, info, err = fsys.Open(ctx, rec.Path, 0)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotAFile) {
			return nil, nil, fmt.Errorf("share: %w", storage.ErrNotFound)
		}
		return nil, nil, err
	}

	metrics.RecordShareDownload()
	metrics.RecordContentDownload(info.Size)
	return rc, &SharedFile{Name: vpath.Base(rec.Path), Size: info.Size, MTime: info.MTime}, nil
}

// PrepareArchive validates a selection for archiving.
func (s *Service) PrepareArchive(ctx context.Context, u *auth.User, paths []string, format string) (*archive.Job, error) {
	fsys, err := s.mount(ctx, u)
	if err != nil {
		return nil, err
	}
	return s.deps.Archives.Prepare(ctx, fsys, paths, format)
}

// StageArchive materializes a prepared archive. The result must be closed.
func (s *Service) StageArchive(ctx context.Context, job *archive.Job) (*archive.Staged, error) {
	return s.deps.Archives.Stage(ctx, job)
}
