package share

import (
	"context"
	"fmt"

	"github.com/fruitsalade/basket/internal/jsonstore"
	"github.com/fruitsalade/basket/internal/storage"
)

// FileStore keeps share records in a JSON table keyed by token.
type FileStore struct {
	table *jsonstore.Table[Record]
}

// OpenFileStore loads the share table from dir.
func OpenFileStore(dir string) (*FileStore, error) {
	table, err := jsonstore.Open[Record](dir, "shares")
	if err != nil {
		return nil, fmt.Errorf("open share table: %w", err)
	}
	return &FileStore{table: table}, nil
}

func matching(rows map[string]Record, root, path string) []Record {
	var out []Record
	for _, rec := range rows {
		if rec.Root == root && rec.Path == path {
			out = append(out, rec)
		}
	}
	return out
}

// Save stores rec, or returns the existing record for its pair unless force.
func (s *FileStore) Save(_ context.Context, rec Record, force bool) (*Record, error) {
	var saved Record
	err := s.table.Update(func(rows map[string]Record) (bool, error) {
		existing := matching(rows, rec.Root, rec.Path)
		if !force {
			if cur := newest(existing); cur != nil {
				saved = *cur
				return false, nil
			}
		}
		for _, old := range existing {
			delete(rows, old.Token)
		}
		rows[rec.Token] = rec
		saved = rec
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("save share: %w: %w", storage.ErrInternal, err)
	}
	return &saved, nil
}

// Latest returns the newest record for (root, path).
func (s *FileStore) Latest(_ context.Context, root, path string) (*Record, error) {
	if rec := newest(matching(s.table.All(), root, path)); rec != nil {
		return rec, nil
	}
	return nil, fmt.Errorf("no share for %s: %w", path, storage.ErrNotFound)
}

// Get returns the record for token.
func (s *FileStore) Get(_ context.Context, token string) (*Record, error) {
	rec, ok := s.table.Get(token)
	if !ok {
		return nil, fmt.Errorf("share: %w", storage.ErrNotFound)
	}
	return &rec, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }
