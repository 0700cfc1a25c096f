// Package storage defines the capability interface shared by the local
// filesystem and S3 backends, plus the types and helpers both use.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fruitsalade/basket/internal/vpath"
)

// EntryType classifies a filesystem entry.
type EntryType string

const (
	TypeFile EntryType = "file"
	TypeDir  EntryType = "dir"
	TypeNone EntryType = ""
)

// DirEntry is one row of a directory listing. MTime is milliseconds since epoch.
type DirEntry struct {
	Name  string    `json:"name"`
	Type  EntryType `json:"type"`
	Size  int64     `json:"size,omitempty"`
	MTime int64     `json:"mtime"`
}

// Info describes a single entry.
type Info struct {
	Type  EntryType `json:"type"`
	Size  int64     `json:"size"`
	MTime int64     `json:"mtime"`
}

// Location is a virtual path verified to lie inside a mount's root.
// Key is a canonical real path (local) or an object key (S3).
type Location struct {
	VirtualPath string
	Key         string
	Type        EntryType
}

// UploadHandle identifies backend-side multipart state. It is persisted
// with the upload session, so both fields must survive a restart.
type UploadHandle struct {
	Key string `json:"key"` // destination virtual path
	Ref string `json:"ref"` // local scratch directory or S3 upload id
}

// Staging is a real directory tree an external archiver can read.
type Staging struct {
	Dir     string   // working directory
	Paths   []string // selected entries, relative to Dir, slash separated
	Cleanup func() error
}

// Backend is a storage variant selected once at startup.
type Backend interface {
	// Mount returns a view confined to root: a filesystem path for local
	// backends, an object key prefix for S3.
	Mount(ctx context.Context, root string, opts ...MountOption) (FS, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// FS is a root-confined filesystem. Every method takes raw virtual paths and
// normalizes them itself; nothing passed in is trusted.
type FS interface {
	// Resolve maps p to a verified location. The target must exist.
	Resolve(ctx context.Context, p string) (*Location, error)

	Stat(ctx context.Context, p string) (*Info, error)
	List(ctx context.Context, dir string) ([]DirEntry, error)

	// Open returns the content of a file. If maxBytes > 0 and the file is
	// larger, ErrTooLarge is returned before any content is read.
	Open(ctx context.Context, p string, maxBytes int64) (io.ReadCloser, *Info, error)

	Write(ctx context.Context, p string, r io.Reader, size int64, overwrite bool) error
	Mkdir(ctx context.Context, p string) error
	Move(ctx context.Context, from, to string) error
	Copy(ctx context.Context, from, to string) error

	// Remove deletes p permanently. Only paths inside the trash subtree
	// may be removed; user-facing deletion goes through the trash.
	Remove(ctx context.Context, p string) error

	// DiskUsage sums file sizes below p, stopping once limit is reached
	// when limit > 0.
	DiskUsage(ctx context.Context, p string, limit int64) (int64, error)

	// Stage exposes paths, all inside the directory base, as a real
	// directory tree. Remote objects are materialized below scratch.
	// Cleanup must always be called.
	Stage(ctx context.Context, base string, paths []string, scratch string) (*Staging, error)

	CreateUpload(ctx context.Context, dest string) (UploadHandle, error)
	PutPart(ctx context.Context, h UploadHandle, part int, r io.Reader, size int64) error
	ListParts(ctx context.Context, h UploadHandle) ([]int, error)
	CompleteUpload(ctx context.Context, h UploadHandle, totalParts int, overwrite bool) error
	AbortUpload(ctx context.Context, h UploadHandle) error
}

// MaxParts is the largest accepted part count for one upload.
const MaxParts = 10000

// MountOptions holds the settings applied by MountOption values.
type MountOptions struct {
	TrashAccess bool
}

// MountOption customizes a Mount call.
type MountOption func(*MountOptions)

// WithTrashAccess lets the mount address the /.trash subtree.
// Only the trash subsystem uses it.
func WithTrashAccess() MountOption {
	return func(o *MountOptions) { o.TrashAccess = true }
}

// ApplyMountOptions folds opts into a MountOptions value.
func ApplyMountOptions(opts []MountOption) MountOptions {
	var o MountOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CheckAccess normalizes p and rejects the trash subtree for ordinary mounts.
func CheckAccess(p string, o MountOptions) (string, error) {
	vp := vpath.Normalize(p)
	if !o.TrashAccess && vpath.IsTrash(vp) {
		return "", fmt.Errorf("%s: %w", vp, ErrPathEscape)
	}
	return vp, nil
}

// CheckTransfer validates a move or copy between two normalized paths.
func CheckTransfer(from, to string) error {
	if vpath.IsRoot(from) {
		return fmt.Errorf("cannot move or copy the root: %w", ErrInvalidOperation)
	}
	if vpath.Within(to, from) {
		return fmt.Errorf("%s is inside %s: %w", to, from, ErrInvalidOperation)
	}
	return nil
}

// SortEntries orders directories before files, then names case-insensitively
// with raw byte order breaking ties.
func SortEntries(entries []DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Type != b.Type {
			return a.Type == TypeDir
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// PartName is the scratch file name for an upload part.
func PartName(part int) string {
	return fmt.Sprintf("part-%05d", part)
}

// MissingParts returns the part numbers in 1..total absent from have.
func MissingParts(have []int, total int) []int {
	seen := make(map[int]bool, len(have))
	for _, p := range have {
		seen[p] = true
	}
	var missing []int
	for i := 1; i <= total; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
