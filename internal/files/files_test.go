package files

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/basket/internal/archive"
	"github.com/fruitsalade/basket/internal/audit"
	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/jsonstore"
	"github.com/fruitsalade/basket/internal/share"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/storage/local"
	"github.com/fruitsalade/basket/internal/trash"
	"github.com/fruitsalade/basket/internal/upload"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc    *Service
	root   string
	audit  *recorder
	writer *auth.User
	viewer *auth.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	backend, err := local.New(local.Config{UploadDir: t.TempDir()})
	require.NoError(t, err)

	dataDir := t.TempDir()
	sessions, err := jsonstore.Open[upload.Session](dataDir, "uploads")
	require.NoError(t, err)
	shares, err := share.OpenFileStore(dataDir)
	require.NoError(t, err)

	f := &fixture{root: t.TempDir(), audit: &recorder{}}
	f.writer = &auth.User{Username: "alice", Role: auth.RoleReadWrite, Root: f.root}
	f.viewer = &auth.User{Username: "victor", Role: auth.RoleReadOnly, Root: f.root}
	f.svc = New(Deps{
		Backend:  backend,
		Trash:    trash.NewManager(backend),
		Uploads:  upload.NewCoordinator(backend, sessions, upload.Config{}),
		Shares:   share.NewRegistry(shares),
		Archives: archive.NewBuilder(archive.Config{ScratchDir: t.TempDir()}),
		Audit:    f.audit,
	}, cfg)
	return f
}

func (f *fixture) put(t *testing.T, p, content string) {
	t.Helper()
	real := filepath.Join(f.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(real), 0o755))
	require.NoError(t, os.WriteFile(real, []byte(content), 0o644))
}

func (f *fixture) mkdir(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, filepath.FromSlash(p)), 0o755))
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestListPaging(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.mkdir(t, "/docs/sub")
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f.put(t, "/docs/"+name, name)
	}

	l, err := f.svc.List(ctx, f.viewer, "/docs", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "/docs", l.Path)
	assert.Equal(t, "/", l.Parent)
	assert.Equal(t, 4, l.Total)
	require.Len(t, l.Entries, 4)
	assert.Equal(t, "sub", l.Entries[0].Name)

	l, err = f.svc.List(ctx, f.viewer, "/docs", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, l.Total)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, "c.txt", l.Entries[0].Name)

	l, err = f.svc.List(ctx, f.viewer, "/docs", 9, 3)
	require.NoError(t, err)
	assert.Empty(t, l.Entries)

	l, err = f.svc.List(ctx, f.viewer, "/", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, l.Parent)

	_, err = f.svc.List(ctx, f.viewer, "/docs/a.txt", 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotADirectory)
	_, err = f.svc.List(ctx, f.viewer, "/nope", 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadGuards(t *testing.T) {
	f := newFixture(t, Config{PreviewMaxSize: 10})
	ctx := context.Background()
	f.put(t, "/note.txt", "hello")
	f.put(t, "/big.txt", "hello world!")
	f.put(t, "/tool.bin", "x")
	f.mkdir(t, "/dir.txt")

	rc, info, err := f.svc.Read(ctx, f.viewer, "/note.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", readAll(t, rc))
	assert.EqualValues(t, 5, info.Size)

	tests := []struct {
		path     string
		maxBytes int64
		want     error
	}{
		{"/big.txt", 0, storage.ErrTooLarge},
		{"/note.txt", 3, storage.ErrTooLarge},
		{"/tool.bin", 0, storage.ErrTypeNotAllowed},
		{"/dir.txt", 0, storage.ErrNotAFile},
		{"/missing.txt", 0, storage.ErrNotFound},
		{"/../../etc/passwd", 0, storage.ErrNotFound},
		{"/.trash/x.txt", 0, storage.ErrPathEscape},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, _, err := f.svc.Read(ctx, f.viewer, tt.path, tt.maxBytes)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Downloads ignore the preview guards.
	rc, _, err = f.svc.Download(ctx, f.viewer, "/tool.bin")
	require.NoError(t, err)
	assert.Equal(t, "x", readAll(t, rc))
}

func TestWrite(t *testing.T) {
	f := newFixture(t, Config{MaxEditSize: 8})
	ctx := context.Background()

	require.NoError(t, f.svc.Write(ctx, f.writer, "/a.txt", strings.NewReader("v1"), 2, false))
	ev := f.audit.last()
	assert.Equal(t, "write", ev.Action)
	assert.Equal(t, "ok", ev.Result)
	assert.Equal(t, []string{"/a.txt"}, ev.Paths)

	err := f.svc.Write(ctx, f.writer, "/a.txt", strings.NewReader("v2"), 2, false)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.NoError(t, f.svc.Write(ctx, f.writer, "/a.txt", strings.NewReader("v2"), -1, true))

	rc, _, err := f.svc.Read(ctx, f.writer, "/a.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "v2", readAll(t, rc))

	tests := []struct {
		name string
		user *auth.User
		path string
		body string
		size int64
		want error
	}{
		{"read-only", f.viewer, "/b.txt", "x", 1, storage.ErrReadOnly},
		{"declared too large", f.writer, "/b.txt", "x", 9, storage.ErrTooLarge},
		{"streamed too large", f.writer, "/b.txt", "123456789", -1, storage.ErrTooLarge},
		{"binary", f.writer, "/b.exe", "x", 1, storage.ErrTypeNotAllowed},
		{"no parent", f.writer, "/none/b.txt", "x", 1, storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Write(ctx, tt.user, tt.path, strings.NewReader(tt.body), tt.size, false)
			assert.ErrorIs(t, err, tt.want)
			ev := f.audit.last()
			assert.Equal(t, "error", ev.Result)
			assert.Equal(t, tt.user.Username, ev.Username)
		})
	}
}

func TestMkdir(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/file.txt", "x")

	p, err := f.svc.Mkdir(ctx, f.writer, "/", "photos")
	require.NoError(t, err)
	assert.Equal(t, "/photos", p)

	_, err = f.svc.Mkdir(ctx, f.writer, "/", "photos")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	_, err = f.svc.Mkdir(ctx, f.writer, "/file.txt", "x")
	assert.ErrorIs(t, err, storage.ErrNotADirectory)
	_, err = f.svc.Mkdir(ctx, f.writer, "/", "a/b")
	assert.ErrorIs(t, err, storage.ErrInvalidOperation)
	_, err = f.svc.Mkdir(ctx, f.writer, "/missing", "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.Mkdir(ctx, f.viewer, "/", "other")
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestMoveCopy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/a.txt", "a")

	assert.ErrorIs(t, f.svc.Move(ctx, f.writer, "/a.txt", "/a.txt/"), storage.ErrInvalidOperation)
	assert.ErrorIs(t, f.svc.Copy(ctx, f.viewer, "/a.txt", "/b.txt"), storage.ErrReadOnly)

	require.NoError(t, f.svc.Copy(ctx, f.writer, "/a.txt", "/b.txt"))
	require.NoError(t, f.svc.Move(ctx, f.writer, "/b.txt", "/c.txt"))
	ev := f.audit.last()
	assert.Equal(t, "move", ev.Action)
	assert.Equal(t, []string{"/b.txt", "/c.txt"}, ev.Paths)

	_, err := f.svc.Stat(ctx, f.writer, "/b.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	info, err := f.svc.Stat(ctx, f.writer, "/c.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.TypeFile, info.Type)
}

func TestTrashLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/old.txt", "bye")

	_, err := f.svc.Trash(ctx, f.viewer, "/old.txt")
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	rec, err := f.svc.Trash(ctx, f.writer, "/old.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.DeletedBy)

	recs, err := f.svc.TrashList(ctx, f.viewer)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = f.svc.RestoreTrash(ctx, f.viewer, rec.ID)
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	_, err = f.svc.RestoreTrash(ctx, f.writer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/old.txt"}, f.audit.last().Paths)

	_, err = f.svc.Trash(ctx, f.writer, "/old.txt")
	require.NoError(t, err)
	n, err := f.svc.EmptyTrash(ctx, f.writer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "empty_trash", f.audit.last().Action)
}

func TestUploadRequiresWrite(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := upload.InitRequest{Dir: "/", FileName: "x.bin", Size: 3, TotalParts: 1}

	_, err := f.svc.UploadInit(ctx, f.viewer, req)
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	sess, err := f.svc.UploadInit(ctx, f.writer, req)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.UploadPart(ctx, f.viewer, sess.ID, 1, strings.NewReader("abc"), 3), storage.ErrReadOnly)
	require.NoError(t, f.svc.UploadPart(ctx, f.writer, sess.ID, 1, strings.NewReader("abc"), 3))

	st, err := f.svc.UploadStatus(ctx, f.writer, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, st.Parts)

	done, err := f.svc.UploadComplete(ctx, f.writer, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "/x.bin", done.Dest)
	assert.Equal(t, "upload_complete", f.audit.last().Action)
	assert.Equal(t, []string{"/x.bin"}, f.audit.last().Paths)
}

func TestShares(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/report.txt", "quarterly")
	f.put(t, "/setup.exe", "MZ")
	f.mkdir(t, "/dir")

	_, err := f.svc.ShareCreate(ctx, f.writer, "/dir", false)
	assert.ErrorIs(t, err, storage.ErrNotAFile)
	_, err = f.svc.ShareCreate(ctx, f.writer, "/ghost.txt", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.ShareCreate(ctx, f.viewer, "/report.txt", false)
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	rec, err := f.svc.ShareCreate(ctx, f.writer, "/report.txt", false)
	require.NoError(t, err)
	again, err := f.svc.ShareCreate(ctx, f.writer, "report.txt", false)
	require.NoError(t, err)
	assert.Equal(t, rec.Token, again.Token)

	found, err := f.svc.ShareLookup(ctx, f.viewer, "/report.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.Token, found.Token)

	sf, err := f.svc.ShareResolve(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, &SharedFile{Name: "report.txt", Size: 9, MTime: sf.MTime}, sf)

	rc, _, err := f.svc.ShareOpen(ctx, rec.Token, true)
	require.NoError(t, err)
	assert.Equal(t, "quarterly", readAll(t, rc))

	exe, err := f.svc.ShareCreate(ctx, f.writer, "/setup.exe", false)
	require.NoError(t, err)
	_, _, err = f.svc.ShareOpen(ctx, exe.Token, true)
	assert.ErrorIs(t, err, storage.ErrTypeNotAllowed)
	rc, _, err = f.svc.ShareOpen(ctx, exe.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "MZ", readAll(t, rc))

	// Once the file is gone the token no longer serves anything.
	_, err = f.svc.Trash(ctx, f.writer, "/report.txt")
	require.NoError(t, err)
	_, err = f.svc.ShareResolve(ctx, rec.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = f.svc.ShareOpen(ctx, rec.Token, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.ShareResolve(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShareReplacedByDirectory(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/x.txt", "x")

	rec, err := f.svc.ShareCreate(ctx, f.writer, "/x.txt", false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.root, "x.txt")))
	f.mkdir(t, "/x.txt")

	_, err = f.svc.ShareResolve(ctx, rec.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = f.svc.ShareOpen(ctx, rec.Token, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArchive(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "/docs/a.txt", "aaa")
	f.put(t, "/docs/b.txt", "bb")

	job, err := f.svc.PrepareArchive(ctx, f.viewer, []string{"/docs/a.txt", "/docs/b.txt"}, "zip")
	require.NoError(t, err)
	assert.Equal(t, "docs.zip", job.FileName())

	staged, err := f.svc.StageArchive(ctx, job)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, staged.Write(ctx, &buf))
	require.NoError(t, staged.Close())
	assert.NotZero(t, buf.Len())

	_, err = f.svc.PrepareArchive(ctx, f.viewer, []string{"/docs"}, "rar")
	assert.ErrorIs(t, err, storage.ErrInvalidFormat)
	_, err = f.svc.PrepareArchive(ctx, f.viewer, []string{"/ghost"}, "zip")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
