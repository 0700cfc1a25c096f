package trash

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/storage/local"
	s3storage "github.com/fruitsalade/basket/internal/storage/s3"
	"github.com/fruitsalade/basket/internal/storage/s3/s3test"
	"github.com/fruitsalade/basket/internal/vpath"
)

type fixture struct {
	mgr  *Manager
	root string
	fsys storage.FS
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := local.New(local.Config{UploadDir: t.TempDir()})
	require.NoError(t, err)

	f := &fixture{
		mgr:  NewManager(backend),
		root: t.TempDir(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr.now = func() time.Time { return f.now }

	f.fsys, err = backend.Mount(context.Background(), f.root)
	require.NoError(t, err)
	return f
}

func newS3Fixture(t *testing.T) *fixture {
	t.Helper()
	backend := s3storage.NewWithClient(s3test.NewFake(), s3storage.BackendConfig{Bucket: "basket"})

	f := &fixture{
		mgr:  NewManager(backend),
		root: "users/alice",
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr.now = func() time.Time { return f.now }

	var err error
	f.fsys, err = backend.Mount(context.Background(), f.root)
	require.NoError(t, err)
	return f
}

// eachBackend runs fn against a local and an S3 fixture.
func eachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, newF := range map[string]func(*testing.T) *fixture{"local": newFixture, "s3": newS3Fixture} {
		t.Run(name, func(t *testing.T) { fn(t, newF(t)) })
	}
}

func (f *fixture) write(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, f.fsys.Write(context.Background(), p, strings.NewReader(content), int64(len(content)), false))
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	rc, _, err := f.fsys.Open(context.Background(), p, 0)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestTrashAndRestore(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.fsys.Mkdir(ctx, "/docs"))
		f.write(t, "/docs/a.txt", "hello")

		rec, err := f.mgr.Trash(ctx, f.root, "/docs/a.txt", "alice")
		require.NoError(t, err)
		assert.Equal(t, "a.txt", rec.Name)
		assert.Equal(t, "/docs/a.txt", rec.OriginalPath)
		assert.Equal(t, storage.TypeFile, rec.Type)
		assert.Equal(t, int64(5), rec.Size)
		assert.Equal(t, "alice", rec.DeletedBy)
		assert.True(t, strings.HasPrefix(rec.ID, "1772366400000-a.txt-"))

		_, err = f.fsys.Stat(ctx, "/docs/a.txt")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		records, err := f.mgr.List(ctx, f.root)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, rec.ID, records[0].ID)

		restored, err := f.mgr.Restore(ctx, f.root, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "/docs/a.txt", restored.OriginalPath)
		assert.Equal(t, "hello", f.read(t, "/docs/a.txt"))

		records, err = f.mgr.List(ctx, f.root)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestTrashHiddenFromListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "/a.txt", "x")

	_, err := f.mgr.Trash(ctx, f.root, "/a.txt", "alice")
	require.NoError(t, err)

	entries, err := f.fsys.List(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, filepath.Join(f.root, ".trash", ".meta"))
}

func TestTrashDirectoryCapturesSize(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.fsys.Mkdir(ctx, "/photos"))
		require.NoError(t, f.fsys.Mkdir(ctx, "/photos/2024"))
		f.write(t, "/photos/a.jpg", "abc")
		f.write(t, "/photos/2024/b.jpg", "defg")

		rec, err := f.mgr.Trash(ctx, f.root, "/photos", "alice")
		require.NoError(t, err)
		assert.Equal(t, storage.TypeDir, rec.Type)
		assert.Equal(t, int64(7), rec.Size)

		_, err = f.mgr.Restore(ctx, f.root, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "defg", f.read(t, "/photos/2024/b.jpg"))
	})
}

func TestTrashRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.Trash(ctx, f.root, "/", "alice")
	assert.ErrorIs(t, err, storage.ErrRootDeletion)

	_, err = f.mgr.Trash(ctx, f.root, "/../..", "alice")
	assert.ErrorIs(t, err, storage.ErrRootDeletion)

	_, err = f.mgr.Trash(ctx, f.root, "/missing.txt", "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.mgr.Trash(ctx, f.root, "/.trash", "alice")
	assert.ErrorIs(t, err, storage.ErrPathEscape)
}

func TestRestoreConflict(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.write(t, "/a.txt", "old")

		rec, err := f.mgr.Trash(ctx, f.root, "/a.txt", "alice")
		require.NoError(t, err)
		f.write(t, "/a.txt", "new")

		_, err = f.mgr.Restore(ctx, f.root, rec.ID)
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.Equal(t, "new", f.read(t, "/a.txt"))

		records, err := f.mgr.List(ctx, f.root)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestRestoreParentGone(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.fsys.Mkdir(ctx, "/docs"))
		f.write(t, "/docs/a.txt", "x")

		rec, err := f.mgr.Trash(ctx, f.root, "/docs/a.txt", "alice")
		require.NoError(t, err)
		_, err = f.mgr.Trash(ctx, f.root, "/docs", "alice")
		require.NoError(t, err)

		_, err = f.mgr.Restore(ctx, f.root, rec.ID)
		assert.ErrorIs(t, err, storage.ErrInvalidTarget)

		f.write(t, "/docs", "now a file")
		_, err = f.mgr.Restore(ctx, f.root, rec.ID)
		assert.ErrorIs(t, err, storage.ErrInvalidTarget)
	})
}

func TestRestoreUnknownID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []string{"nope", "", "../../etc/passwd", ".meta", "a/b"} {
		_, err := f.mgr.Restore(ctx, f.root, id)
		assert.ErrorIs(t, err, storage.ErrNotFound, "id %q", id)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"/one", "/two", "/three"} {
		f.write(t, name, name)
		_, err := f.mgr.Trash(ctx, f.root, name, "alice")
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	records, err := f.mgr.List(ctx, f.root)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "/three", records[0].OriginalPath)
	assert.Equal(t, "/two", records[1].OriginalPath)
	assert.Equal(t, "/one", records[2].OriginalPath)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "/a.txt", "x")
	_, err := f.mgr.Trash(ctx, f.root, "/a.txt", "alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, ".trash", ".meta", "junk.json"), []byte("{"), 0o644))

	records, err := f.mgr.List(ctx, f.root)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPurgeAndEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"/a", "/b", "/c"} {
		f.write(t, name, "x")
	}

	rec, err := f.mgr.Trash(ctx, f.root, "/a", "alice")
	require.NoError(t, err)
	_, err = f.mgr.Trash(ctx, f.root, "/b", "alice")
	require.NoError(t, err)

	_, err = f.mgr.Purge(ctx, f.root, rec.ID)
	require.NoError(t, err)
	_, err = f.mgr.Purge(ctx, f.root, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(f.root, ".trash", rec.ID))

	// An item without a record still goes when the trash is emptied.
	require.NoError(t, os.WriteFile(filepath.Join(f.root, ".trash", "orphan"), []byte("x"), 0o644))

	n, err := f.mgr.Empty(ctx, f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(filepath.Join(f.root, ".trash"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".meta", entries[0].Name())

	_, err = f.fsys.Stat(ctx, "/c")
	assert.NoError(t, err)
}

func TestEmptyWithoutTrash(t *testing.T) {
	f := newFixture(t)
	n, err := f.mgr.Empty(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "/old", "x")
	f.write(t, "/new", "x")

	_, err := f.mgr.Trash(ctx, f.root, "/old", "alice")
	require.NoError(t, err)
	f.now = f.now.Add(20 * 24 * time.Hour)
	_, err = f.mgr.Trash(ctx, f.root, "/new", "alice")
	require.NoError(t, err)
	f.now = f.now.Add(11 * 24 * time.Hour)

	n, err := f.mgr.Sweep(ctx, f.root, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := f.mgr.List(ctx, f.root)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/new", records[0].OriginalPath)
}

func TestRootsAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "/a.txt", "x")
	rec, err := f.mgr.Trash(ctx, f.root, "/a.txt", "alice")
	require.NoError(t, err)

	other := t.TempDir()
	records, err := f.mgr.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = f.mgr.Restore(ctx, other, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTrashIDIsSafeSegment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	name := "/we ird?*名前.txt"
	f.write(t, name, "x")

	rec, err := f.mgr.Trash(ctx, f.root, name, "alice")
	require.NoError(t, err)
	assert.NoError(t, vpath.ValidName(rec.ID))
	assert.NotContains(t, rec.ID, " ")
	assert.Equal(t, "we ird?*名前.txt", rec.Name)
}

func TestTrashRefusesSymlink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.fsys.Mkdir(ctx, "/sub"))
	f.write(t, "/sub/real.txt", "real")
	require.NoError(t, os.Symlink(filepath.Join(f.root, "sub", "real.txt"), filepath.Join(f.root, "link")))

	_, err := f.mgr.Trash(ctx, f.root, "/link", "alice")
	assert.ErrorIs(t, err, storage.ErrInvalidOperation)
	assert.Equal(t, "real", f.read(t, "/sub/real.txt"))

	records, err := f.mgr.List(ctx, f.root)
	require.NoError(t, err)
	assert.Empty(t, records)
}
