// Package jsonstore provides small durable key/value tables persisted as
// JSON files. Every mutation is written to disk before it returns.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// Table is a keyed set of rows of type T stored in one JSON file.
type Table[T any] struct {
	mu   sync.RWMutex
	path string
	rows map[string]T
}

// persistedData is the JSON structure saved to disk.
type persistedData[T any] struct {
	Rows map[string]T `json:"rows"`
}

// Open loads the table stored at dir/name.json, creating dir if needed.
// A missing file yields an empty table.
func Open[T any](dir, name string) (*Table[T], error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	t := &Table[T]{
		path: filepath.Join(dir, name+".json"),
		rows: make(map[string]T),
	}
	if err := t.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", t.path, err)
	}
	return t, nil
}

// Path returns the backing file.
func (t *Table[T]) Path() string { return t.path }

func (t *Table[T]) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}

	var persisted persistedData[T]
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if persisted.Rows != nil {
		t.rows = persisted.Rows
	}
	return nil
}

// save writes rows to a synced temp file and renames it into place.
func (t *Table[T]) save(rows map[string]T) error {
	data, err := json.MarshalIndent(persistedData[T]{Rows: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	// Make the rename itself durable.
	if dir, err := os.Open(filepath.Dir(t.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Get returns the row stored under key.
func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	return row, ok
}

// All returns a snapshot of every row.
func (t *Table[T]) All() map[string]T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.rows)
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Update runs fn against a copy of the rows. When fn reports a change the
// copy is persisted and only then becomes visible; on any error the table
// is left untouched.
func (t *Table[T]) Update(fn func(rows map[string]T) (bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := maps.Clone(t.rows)
	changed, err := fn(next)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := t.save(next); err != nil {
		return fmt.Errorf("save %s: %w", t.path, err)
	}
	t.rows = next
	return nil
}

// Put stores row under key.
func (t *Table[T]) Put(key string, row T) error {
	return t.Update(func(rows map[string]T) (bool, error) {
		rows[key] = row
		return true, nil
	})
}

// Delete removes key and reports whether it was present.
func (t *Table[T]) Delete(key string) (bool, error) {
	var found bool
	err := t.Update(func(rows map[string]T) (bool, error) {
		_, found = rows[key]
		delete(rows, key)
		return found, nil
	})
	return found, err
}
