package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// scratchDir returns the part directory for h. Refs come from persisted
// session state, so they are checked to be a bare directory name.
func (f *localFS) scratchDir(h storage.UploadHandle) (string, error) {
	if h.Ref == "" || h.Ref != filepath.Base(h.Ref) || strings.HasPrefix(h.Ref, ".") {
		return "", fmt.Errorf("upload ref %q: %w", h.Ref, storage.ErrNotFound)
	}
	dir := filepath.Join(f.uploadDir, h.Ref)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("upload %s: %w", h.Ref, storage.ErrNotFound)
	}
	return dir, nil
}

// CreateUpload allocates a scratch directory for the parts of dest.
func (f *localFS) CreateUpload(_ context.Context, dest string) (storage.UploadHandle, error) {
	vp, _, err := f.resolve(dest, false)
	if err != nil {
		return storage.UploadHandle{}, err
	}
	if vpath.IsRoot(vp) {
		return storage.UploadHandle{}, fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	dir, err := os.MkdirTemp(f.uploadDir, "upload-*")
	if err != nil {
		return storage.UploadHandle{}, fmt.Errorf("create upload dir: %w: %w", storage.ErrInternal, err)
	}
	return storage.UploadHandle{Key: vp, Ref: filepath.Base(dir)}, nil
}

// PutPart stores one part. Re-sending a part replaces it.
func (f *localFS) PutPart(_ context.Context, h storage.UploadHandle, part int, r io.Reader, size int64) error {
	if part < 1 || part > storage.MaxParts {
		return fmt.Errorf("part %d out of range: %w", part, storage.ErrInvalidOperation)
	}
	dir, err := f.scratchDir(h)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create part %d: %w: %w", part, storage.ErrInternal, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write part %d: %w: %w", part, storage.ErrInternal, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		return fmt.Errorf("part %d: got %d bytes, expected %d: %w", part, n, size, storage.ErrInvalidOperation)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync part %d: %w: %w", part, storage.ErrInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close part %d: %w: %w", part, storage.ErrInternal, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, storage.PartName(part))); err != nil {
		return fmt.Errorf("publish part %d: %w: %w", part, storage.ErrInternal, err)
	}
	return nil
}

// ListParts returns the stored part numbers in ascending order.
func (f *localFS) ListParts(_ context.Context, h storage.UploadHandle) ([]int, error) {
	dir, err := f.scratchDir(h)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w: %w", h.Ref, storage.ErrInternal, err)
	}

	parts := make([]int, 0, len(entries))
	for _, e := range entries {
		num, ok := strings.CutPrefix(e.Name(), "part-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n < 1 {
			continue
		}
		parts = append(parts, n)
	}
	sort.Ints(parts)
	return parts, nil
}

// CompleteUpload concatenates parts 1..totalParts into the destination and
// removes the scratch directory.
func (f *localFS) CompleteUpload(ctx context.Context, h storage.UploadHandle, totalParts int, overwrite bool) error {
	if totalParts < 1 || totalParts > storage.MaxParts {
		return fmt.Errorf("total parts %d out of range: %w", totalParts, storage.ErrInvalidOperation)
	}
	dir, err := f.scratchDir(h)
	if err != nil {
		return err
	}
	have, err := f.ListParts(ctx, h)
	if err != nil {
		return err
	}
	if missing := storage.MissingParts(have, totalParts); len(missing) > 0 {
		return fmt.Errorf("%d of %d parts missing: %w", len(missing), totalParts, storage.ErrIncomplete)
	}

	vp, real, err := f.resolve(h.Key, false)
	if err != nil {
		return err
	}
	if err := requireDir(filepath.Dir(real), vpath.Parent(vp)); err != nil {
		return err
	}
	if fi, err := os.Lstat(real); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
		}
		if !overwrite {
			return fmt.Errorf("%s: %w", vp, storage.ErrConflict)
		}
	}

	r := &partReader{dir: dir, total: totalParts}
	defer r.Close()
	if err := writeAtomic(real, r, overwrite); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("%s: %w", vp, storage.ErrConflict)
		}
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove upload %s: %w: %w", h.Ref, storage.ErrInternal, err)
	}
	return nil
}

// AbortUpload discards all stored parts. Unknown uploads are ignored.
func (f *localFS) AbortUpload(_ context.Context, h storage.UploadHandle) error {
	dir, err := f.scratchDir(h)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove upload %s: %w: %w", h.Ref, storage.ErrInternal, err)
	}
	return nil
}

// partReader reads parts 1..total back to back.
type partReader struct {
	dir   string
	total int
	next  int
	cur   *os.File
}

func (p *partReader) Read(b []byte) (int, error) {
	for {
		if p.cur == nil {
			if p.next >= p.total {
				return 0, io.EOF
			}
			p.next++
			file, err := os.Open(filepath.Join(p.dir, storage.PartName(p.next)))
			if err != nil {
				return 0, err
			}
			p.cur = file
		}
		n, err := p.cur.Read(b)
		if err == io.EOF {
			p.cur.Close()
			p.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *partReader) Close() error {
	if p.cur != nil {
		err := p.cur.Close()
		p.cur = nil
		return err
	}
	return nil
}
