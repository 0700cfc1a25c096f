// Package trash implements soft deletion. Trashed items are moved below
// /.trash inside the owner's root; a JSON sidecar per item under
// /.trash/.meta records where it came from.
package trash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

const (
	metaDir       = vpath.TrashDir + "/.meta"
	maxRecordSize = 64 * 1024
)

// Record describes one trashed item as it was when deleted.
type Record struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	OriginalPath string            `json:"originalPath"`
	TrashPath    string            `json:"trashPath"`
	Type         storage.EntryType `json:"type"`
	Size         int64             `json:"size"`
	DeletedAt    time.Time         `json:"deletedAt"`
	DeletedBy    string            `json:"deletedBy,omitempty"`
}

// Manager moves items in and out of the trash of any root on one backend.
type Manager struct {
	backend storage.Backend
	now     func() time.Time
}

// NewManager creates a trash manager over backend.
func NewManager(backend storage.Backend) *Manager {
	return &Manager{backend: backend, now: time.Now}
}

func (m *Manager) mount(ctx context.Context, root string) (storage.FS, error) {
	return m.backend.Mount(ctx, root, storage.WithTrashAccess())
}

func metaPath(id string) string {
	return metaDir + "/" + id + ".json"
}

// validID rejects ids that could address anything but a top-level trash entry.
func validID(id string) bool {
	return vpath.ValidName(id) == nil && !strings.HasPrefix(id, ".")
}

func ensureDirs(ctx context.Context, fsys storage.FS) error {
	for _, dir := range []string{vpath.TrashDir, metaDir} {
		if err := fsys.Mkdir(ctx, dir); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Trash moves p into the trash of root and records it.
func (m *Manager) Trash(ctx context.Context, root, p, username string) (*Record, error) {
	vp := vpath.Normalize(p)
	if vpath.IsRoot(vp) {
		return nil, storage.ErrRootDeletion
	}
	if vpath.IsTrash(vp) {
		return nil, fmt.Errorf("%s: %w", vp, storage.ErrPathEscape)
	}

	fsys, err := m.mount(ctx, root)
	if err != nil {
		return nil, err
	}
	info, err := fsys.Stat(ctx, vp)
	if err != nil {
		return nil, err
	}
	size := info.Size
	if info.Type == storage.TypeDir {
		if size, err = fsys.DiskUsage(ctx, vp, 0); err != nil {
			return nil, err
		}
	}
	if err := ensureDirs(ctx, fsys); err != nil {
		return nil, err
	}

	now := m.now()
	id := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), vpath.SanitizeName(vpath.Base(vp)), uuid.NewString())
	rec := &Record{
		ID:           id,
		Name:         vpath.Base(vp),
		OriginalPath: vp,
		TrashPath:    vpath.Join(vpath.TrashDir, id),
		Type:         info.Type,
		Size:         size,
		DeletedAt:    now.UTC(),
		DeletedBy:    username,
	}

	if err := fsys.Move(ctx, vp, rec.TrashPath); err != nil {
		return nil, err
	}
	if err := writeRecord(ctx, fsys, rec); err != nil {
		// Without its record the item would be unreachable; put it back.
		if undoErr := fsys.Move(ctx, rec.TrashPath, vp); undoErr != nil {
			logging.Error("failed to undo trash move",
				zap.String("path", vp), zap.String("trash_path", rec.TrashPath), zap.Error(undoErr))
		}
		return nil, err
	}

	metrics.RecordTrashOperation("trash")
	logging.Info("moved to trash", zap.String("path", vp), zap.String("id", id), zap.String("user", username))
	return rec, nil
}

func writeRecord(ctx context.Context, fsys storage.FS, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trash record: %w", err)
	}
	return fsys.Write(ctx, metaPath(rec.ID), bytes.NewReader(data), int64(len(data)), true)
}

func readRecord(ctx context.Context, fsys storage.FS, id string) (*Record, error) {
	if !validID(id) {
		return nil, fmt.Errorf("trash item %q: %w", id, storage.ErrNotFound)
	}
	rc, _, err := fsys.Open(ctx, metaPath(id), maxRecordSize)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("trash item %s: %w", id, storage.ErrNotFound)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read trash record %s: %w: %w", id, storage.ErrInternal, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode trash record %s: %w: %w", id, storage.ErrInternal, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("trash record %s names %s: %w", id, rec.ID, storage.ErrInternal)
	}
	return &rec, nil
}

// List returns the trash records of root, most recently deleted first.
func (m *Manager) List(ctx context.Context, root string) ([]Record, error) {
	fsys, err := m.mount(ctx, root)
	if err != nil {
		return nil, err
	}
	return list(ctx, fsys)
}

func list(ctx context.Context, fsys storage.FS) ([]Record, error) {
	entries, err := fsys.List(ctx, metaDir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []Record{}, nil
		}
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name, ".json")
		if e.Type != storage.TypeFile || !ok {
			continue
		}
		rec, err := readRecord(ctx, fsys, id)
		if err != nil {
			logging.Warn("skipping unreadable trash record", zap.String("id", id), zap.Error(err))
			continue
		}
		records = append(records, *rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].DeletedAt.Equal(records[j].DeletedAt) {
			return records[i].DeletedAt.After(records[j].DeletedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// Restore moves a trashed item back to where it was deleted from.
func (m *Manager) Restore(ctx context.Context, root, id string) (*Record, error) {
	fsys, err := m.mount(ctx, root)
	if err != nil {
		return nil, err
	}
	rec, err := readRecord(ctx, fsys, id)
	if err != nil {
		return nil, err
	}

	parent := vpath.Parent(rec.OriginalPath)
	info, err := fsys.Stat(ctx, parent)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%s no longer exists: %w", parent, storage.ErrInvalidTarget)
	case err != nil:
		return nil, err
	case info.Type != storage.TypeDir:
		return nil, fmt.Errorf("%s is not a directory: %w", parent, storage.ErrInvalidTarget)
	}

	if err := fsys.Move(ctx, rec.TrashPath, rec.OriginalPath); err != nil {
		return nil, err
	}
	if err := fsys.Remove(ctx, metaPath(id)); err != nil {
		return nil, fmt.Errorf("remove trash record %s: %w", id, err)
	}

	metrics.RecordTrashOperation("restore")
	logging.Info("restored from trash", zap.String("path", rec.OriginalPath), zap.String("id", id))
	return rec, nil
}

// Purge permanently deletes one trashed item.
func (m *Manager) Purge(ctx context.Context, root, id string) (*Record, error) {
	fsys, err := m.mount(ctx, root)
	if err != nil {
		return nil, err
	}
	rec, err := readRecord(ctx, fsys, id)
	if err != nil {
		return nil, err
	}
	if err := purge(ctx, fsys, rec); err != nil {
		return nil, err
	}
	logging.Info("purged from trash", zap.String("path", rec.OriginalPath), zap.String("id", id))
	return rec, nil
}

func purge(ctx context.Context, fsys storage.FS, rec *Record) error {
	if err := fsys.Remove(ctx, rec.TrashPath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := fsys.Remove(ctx, metaPath(rec.ID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	metrics.RecordTrashOperation("purge")
	return nil
}

// Empty purges every item in the trash of root, including items whose
// record was lost, and returns how many entries were removed.
func (m *Manager) Empty(ctx context.Context, root string) (int, error) {
	fsys, err := m.mount(ctx, root)
	if err != nil {
		return 0, err
	}
	records, err := list(ctx, fsys)
	if err != nil {
		return 0, err
	}

	purged := 0
	for i := range records {
		if err := purge(ctx, fsys, &records[i]); err != nil {
			return purged, err
		}
		purged++
	}

	entries, err := fsys.List(ctx, vpath.TrashDir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return purged, nil
		}
		return purged, err
	}
	for _, e := range entries {
		p := vpath.Join(vpath.TrashDir, e.Name)
		if p == metaDir {
			continue
		}
		if err := fsys.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return purged, err
		}
		purged++
	}

	logging.Info("trash emptied", zap.String("root", root), zap.Int("count", purged))
	return purged, nil
}

// Sweep purges items deleted more than retention ago.
func (m *Manager) Sweep(ctx context.Context, root string, retention time.Duration) (int, error) {
	fsys, err := m.mount(ctx, root)
	if err != nil {
		return 0, err
	}
	records, err := list(ctx, fsys)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-retention)
	purged := 0
	for i := range records {
		if records[i].DeletedAt.After(cutoff) {
			continue
		}
		if err := purge(ctx, fsys, &records[i]); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// StartRetention periodically sweeps the trash of every root returned by
// roots. It returns immediately; the loop stops when ctx is cancelled.
func (m *Manager) StartRetention(ctx context.Context, roots func() []string, retention, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, root := range roots() {
					n, err := m.Sweep(ctx, root, retention)
					if err != nil {
						logging.Error("trash auto-purge failed", zap.String("root", root), zap.Error(err))
						continue
					}
					if n > 0 {
						logging.Info("trash auto-purge completed", zap.String("root", root), zap.Int("purged", n))
					}
				}
			}
		}
	}()
}
