// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

// In-flight temp files are named tempPrefix + random digits + tempSuffix,
// the pattern os.CreateTemp produces. Listings and copies skip exactly
// that shape so user files sharing the prefix stay visible.
const (
	tempPrefix = ".basket-"
	tempSuffix = ".tmp"
)

func isTempName(name string) bool {
	rest, ok := strings.CutPrefix(name, tempPrefix)
	if !ok {
		return false
	}
	rest, ok = strings.CutSuffix(rest, tempSuffix)
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Config holds local filesystem backend settings.
type Config struct {
	// UploadDir holds per-upload scratch directories for chunked uploads.
	UploadDir string `json:"upload_dir"`
	// CreateDirs creates a user's root on first mount when missing.
	CreateDirs bool `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	uploadDir  string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "basket-uploads")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", cfg.UploadDir, err)
	}
	uploadDir, err := filepath.EvalSymlinks(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %s: %w", cfg.UploadDir, err)
	}

	return &LocalBackend{
		uploadDir:  uploadDir,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse local config: %w", err)
		}
	}
	return New(cfg)
}

// Mount returns a view confined to the directory root.
func (b *LocalBackend) Mount(_ context.Context, root string, opts ...storage.MountOption) (storage.FS, error) {
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("root path %s is not absolute", root)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && b.createDirs {
			if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", root, err)
	}

	return &localFS{
		root:      real,
		uploadDir: b.uploadDir,
		opts:      storage.ApplyMountOptions(opts),
	}, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

type localFS struct {
	root      string // canonical real path
	uploadDir string
	opts      storage.MountOptions
}

func (f *localFS) contained(real string) bool {
	return real == f.root || strings.HasPrefix(real, f.root+string(filepath.Separator))
}

// resolve maps p to its virtual path and canonical real path. Symlinks are
// evaluated before the containment check. With mustExist unset, a missing
// final component is accepted as long as its parent resolves inside the root.
func (f *localFS) resolve(p string, mustExist bool) (string, string, error) {
	vp, err := storage.CheckAccess(p, f.opts)
	if err != nil {
		return "", "", err
	}

	joined := filepath.Join(f.root, filepath.FromSlash(vpath.Rel(vp)))
	real, err := filepath.EvalSymlinks(joined)
	if err == nil {
		if !f.contained(real) {
			return "", "", fmt.Errorf("%s: %w", vp, storage.ErrPathEscape)
		}
		return vp, real, nil
	}
	if mustExist || !errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	}

	// A link that exists but does not resolve could point anywhere.
	if _, lerr := os.Lstat(joined); lerr == nil {
		return "", "", fmt.Errorf("%s: unresolvable link: %w", vp, storage.ErrPathEscape)
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(joined))
	if err != nil {
		return "", "", fmt.Errorf("parent of %s: %w", vp, storage.ErrNotFound)
	}
	if !f.contained(parent) {
		return "", "", fmt.Errorf("%s: %w", vp, storage.ErrPathEscape)
	}
	return vp, filepath.Join(parent, filepath.Base(joined)), nil
}

// isLink reports whether the final component of vp is a symbolic link.
func (f *localFS) isLink(vp string) bool {
	fi, err := os.Lstat(filepath.Join(f.root, filepath.FromSlash(vpath.Rel(vp))))
	return err == nil && fi.Mode()&fs.ModeSymlink != 0
}

func infoFrom(fi fs.FileInfo) *storage.Info {
	info := &storage.Info{Type: storage.TypeFile, MTime: fi.ModTime().UnixMilli()}
	if fi.IsDir() {
		info.Type = storage.TypeDir
	} else {
		info.Size = fi.Size()
	}
	return info
}

func requireDir(real, vp string) error {
	info, err := os.Stat(real)
	if err != nil {
		return fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", vp, storage.ErrNotADirectory)
	}
	return nil
}

// Resolve maps p to a verified location; the target must exist.
func (f *localFS) Resolve(_ context.Context, p string) (*storage.Location, error) {
	vp, real, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	}
	return &storage.Location{VirtualPath: vp, Key: real, Type: infoFrom(info).Type}, nil
}

// Stat describes the entry at p.
func (f *localFS) Stat(_ context.Context, p string) (*storage.Info, error) {
	vp, real, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	}
	return infoFrom(info), nil
}

// List returns the sorted entries of dir. Symlinks, temp files and the
// root's trash directory are left out.
func (f *localFS) List(_ context.Context, dir string) ([]storage.DirEntry, error) {
	vp, real, err := f.resolve(dir, true)
	if err != nil {
		return nil, err
	}
	if err := requireDir(real, vp); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(real)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w: %w", vp, storage.ErrInternal, err)
	}

	entries := make([]storage.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.Type()&fs.ModeSymlink != 0 || isTempName(name) {
			continue
		}
		if vpath.IsRoot(vp) && "/"+name == vpath.TrashDir {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			continue
		}
		info := infoFrom(fi)
		entries = append(entries, storage.DirEntry{
			Name:  name,
			Type:  info.Type,
			Size:  info.Size,
			MTime: info.MTime,
		})
	}

	storage.SortEntries(entries)
	return entries, nil
}

// Open opens a file for reading, enforcing maxBytes before any read.
func (f *localFS) Open(_ context.Context, p string, maxBytes int64) (io.ReadCloser, *storage.Info, error) {
	vp, real, err := f.resolve(p, true)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(real)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", vp, storage.ErrNotFound)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat %s: %w: %w", vp, storage.ErrInternal, err)
	}
	if fi.IsDir() {
		file.Close()
		return nil, nil, fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	if maxBytes > 0 && fi.Size() > maxBytes {
		file.Close()
		return nil, nil, fmt.Errorf("%s is %d bytes, limit %d: %w", vp, fi.Size(), maxBytes, storage.ErrTooLarge)
	}
	return file, infoFrom(fi), nil
}

// Write stores r at p via a temp file published atomically.
func (f *localFS) Write(_ context.Context, p string, r io.Reader, _ int64, overwrite bool) error {
	vp, real, err := f.resolve(p, false)
	if err != nil {
		return err
	}
	if vpath.IsRoot(vp) {
		return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	if err := requireDir(filepath.Dir(real), vpath.Parent(vp)); err != nil {
		return err
	}
	if fi, err := os.Lstat(real); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
		}
		if !overwrite {
			return fmt.Errorf("%s: %w", vp, storage.ErrAlreadyExists)
		}
	}

	return writeAtomic(real, r, overwrite)
}

// writeAtomic writes r to a temp file beside dst and publishes it. Without
// overwrite the publish is a hard link, which fails if dst appeared meanwhile.
func writeAtomic(dst string, r io.Reader, overwrite bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w: %w", dst, storage.ErrInternal, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w: %w", dst, storage.ErrInternal, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w: %w", dst, storage.ErrInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w: %w", dst, storage.ErrInternal, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w: %w", dst, storage.ErrInternal, err)
	}

	return publish(tmpName, dst, overwrite)
}

func publish(tmpName, dst string, overwrite bool) error {
	if overwrite {
		if err := os.Rename(tmpName, dst); err != nil {
			return fmt.Errorf("rename temp to %s: %w: %w", dst, storage.ErrInternal, err)
		}
		return nil
	}
	if err := os.Link(tmpName, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", dst, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("link temp to %s: %w: %w", dst, storage.ErrInternal, err)
	}
	return nil
}

// Mkdir creates a single directory.
func (f *localFS) Mkdir(_ context.Context, p string) error {
	vp, real, err := f.resolve(p, false)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(real); err == nil {
		return fmt.Errorf("%s: %w", vp, storage.ErrAlreadyExists)
	}
	if err := requireDir(filepath.Dir(real), vpath.Parent(vp)); err != nil {
		return err
	}
	if err := os.Mkdir(real, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", vp, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("mkdir %s: %w: %w", vp, storage.ErrInternal, err)
	}
	return nil
}

// transfer resolves and validates both ends of a move or copy.
func (f *localFS) transfer(from, to string) (string, string, error) {
	fromVP, fromReal, err := f.resolve(from, true)
	if err != nil {
		return "", "", err
	}
	// Moving a link would act on its target while callers record the
	// link's path, so links are refused like they are hidden from listings.
	if f.isLink(fromVP) {
		return "", "", fmt.Errorf("%s is a symbolic link: %w", fromVP, storage.ErrInvalidOperation)
	}
	toVP, toReal, err := f.resolve(to, false)
	if err != nil {
		return "", "", err
	}
	if err := storage.CheckTransfer(fromVP, toVP); err != nil {
		return "", "", err
	}
	// Symlinked parents can nest toReal under fromReal even when the
	// virtual paths do not.
	if toReal == fromReal || strings.HasPrefix(toReal, fromReal+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%s is inside %s: %w", toVP, fromVP, storage.ErrInvalidOperation)
	}
	if _, err := os.Lstat(toReal); err == nil {
		return "", "", fmt.Errorf("%s: %w", toVP, storage.ErrConflict)
	}
	if err := requireDir(filepath.Dir(toReal), vpath.Parent(toVP)); err != nil {
		return "", "", err
	}
	return fromReal, toReal, nil
}

// Move renames from to to. Renames across devices fall back to copy+remove,
// which is not atomic for directories.
func (f *localFS) Move(ctx context.Context, from, to string) error {
	fromReal, toReal, err := f.transfer(from, to)
	if err != nil {
		return err
	}
	if err := os.Rename(fromReal, toReal); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !isCrossDevice(linkErr.Err) {
			return fmt.Errorf("move %s -> %s: %w: %w", from, to, storage.ErrInternal, err)
		}
		if err := copyTree(ctx, fromReal, toReal); err != nil {
			return fmt.Errorf("move %s -> %s: %w: %w", from, to, storage.ErrInternal, err)
		}
		if err := os.RemoveAll(fromReal); err != nil {
			return fmt.Errorf("remove %s after copy: %w: %w", from, storage.ErrInternal, err)
		}
	}
	return nil
}

// Copy duplicates a file or a directory tree. A failure part-way through a
// tree leaves the partial destination in place.
func (f *localFS) Copy(ctx context.Context, from, to string) error {
	fromReal, toReal, err := f.transfer(from, to)
	if err != nil {
		return err
	}
	if err := copyTree(ctx, fromReal, toReal); err != nil {
		return fmt.Errorf("copy %s -> %s: %w: %w", from, to, storage.ErrInternal, err)
	}
	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		return nil
	case fi.IsDir():
		if err := os.Mkdir(dst, fi.Mode().Perm()|0o700); err != nil {
			return err
		}
		children, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, child := range children {
			if isTempName(child.Name()) {
				continue
			}
			if err := copyTree(ctx, filepath.Join(src, child.Name()), filepath.Join(dst, child.Name())); err != nil {
				return err
			}
		}
		return nil
	case fi.Mode().IsRegular():
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		return writeAtomic(dst, in, false)
	default:
		return nil
	}
}

// Remove deletes an entry inside the trash subtree.
func (f *localFS) Remove(_ context.Context, p string) error {
	vp, real, err := f.resolve(p, true)
	if err != nil {
		return err
	}
	if !vpath.IsTrash(vp) || vp == vpath.TrashDir {
		return fmt.Errorf("remove %s: only trash entries can be removed: %w", vp, storage.ErrInvalidOperation)
	}
	if err := os.RemoveAll(real); err != nil {
		return fmt.Errorf("remove %s: %w: %w", vp, storage.ErrInternal, err)
	}
	return nil
}

var errLimitReached = errors.New("limit reached")

// DiskUsage sums regular file sizes below p without following symlinks.
func (f *localFS) DiskUsage(ctx context.Context, p string, limit int64) (int64, error) {
	vp, real, err := f.resolve(p, true)
	if err != nil {
		return 0, err
	}

	var total int64
	err = filepath.WalkDir(real, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += fi.Size()
		if limit > 0 && total >= limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return total, fmt.Errorf("disk usage %s: %w: %w", vp, storage.ErrInternal, err)
	}
	return total, nil
}

// Stage needs no copying: the selection already lives on disk below the root.
func (f *localFS) Stage(_ context.Context, base string, paths []string, _ string) (*storage.Staging, error) {
	baseVP, baseReal, err := f.resolve(base, true)
	if err != nil {
		return nil, err
	}
	if err := requireDir(baseReal, baseVP); err != nil {
		return nil, err
	}

	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		vp, _, err := f.resolve(p, true)
		if err != nil {
			return nil, err
		}
		if vp == baseVP || !vpath.Within(vp, baseVP) {
			return nil, fmt.Errorf("%s is not inside %s: %w", vp, baseVP, storage.ErrInvalidOperation)
		}
		rels = append(rels, vpath.RelTo(baseVP, vp))
	}
	return &storage.Staging{
		Dir:     baseReal,
		Paths:   rels,
		Cleanup: func() error { return nil },
	}, nil
}
