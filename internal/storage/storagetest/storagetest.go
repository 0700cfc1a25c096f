// Package storagetest is a conformance suite every storage.Backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/basket/internal/storage"
)

// Env is one backend under test plus a way to allocate isolated roots on it.
type Env struct {
	Backend storage.Backend
	// NewRoot returns a fresh, empty root reference named after name.
	NewRoot func(t *testing.T, name string) string
}

// Run executes every conformance check. setup is called once per check.
func Run(t *testing.T, setup func(t *testing.T) Env) {
	checks := []struct {
		name string
		fn   func(t *testing.T, env Env)
	}{
		{"DocsScenario", testDocsScenario},
		{"ListOrder", testListOrder},
		{"TrashHidden", testTrashHidden},
		{"Traversal", testTraversal},
		{"RootIsolation", testRootIsolation},
		{"WriteOverwrite", testWriteOverwrite},
		{"WriteParentChecks", testWriteParentChecks},
		{"Mkdir", testMkdir},
		{"OpenGuards", testOpenGuards},
		{"MoveFile", testMoveFile},
		{"MoveDirectory", testMoveDirectory},
		{"MoveIntoSelf", testMoveIntoSelf},
		{"MoveConflict", testMoveConflict},
		{"CopyDirectory", testCopyDirectory},
		{"RemoveOnlyTrash", testRemoveOnlyTrash},
		{"DiskUsage", testDiskUsage},
		{"Stage", testStage},
		{"UploadOutOfOrder", testUploadOutOfOrder},
		{"UploadReverseDuplicate", testUploadReverseDuplicate},
		{"UploadConcurrentParts", testUploadConcurrentParts},
		{"UploadIncomplete", testUploadIncomplete},
		{"UploadConflict", testUploadConflict},
		{"UploadAbort", testUploadAbort},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, setup(t))
		})
	}
}

func mount(t *testing.T, env Env, opts ...storage.MountOption) storage.FS {
	t.Helper()
	fsys, err := env.Backend.Mount(context.Background(), env.NewRoot(t, "alice"), opts...)
	require.NoError(t, err)
	return fsys
}

func write(t *testing.T, fsys storage.FS, p, content string) {
	t.Helper()
	require.NoError(t, fsys.Write(context.Background(), p, strings.NewReader(content), int64(len(content)), false))
}

func read(t *testing.T, fsys storage.FS, p string) string {
	t.Helper()
	rc, _, err := fsys.Open(context.Background(), p, 0)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func names(t *testing.T, fsys storage.FS, dir string) []string {
	t.Helper()
	entries, err := fsys.List(context.Background(), dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func testDocsScenario(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/docs"))
	write(t, fsys, "/docs/a.txt", "hello")

	entries, err := fsys.List(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, storage.TypeFile, entries[0].Type)
	assert.Equal(t, int64(5), entries[0].Size)

	info, err := fsys.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.TypeFile, info.Type)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "hello", read(t, fsys, "/docs/a.txt"))

	info, err = fsys.Stat(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, storage.TypeDir, info.Type)

	loc, err := fsys.Resolve(ctx, "docs/./a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", loc.VirtualPath)

	_, err = fsys.Stat(ctx, "/docs/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = fsys.List(ctx, "/docs/a.txt")
	assert.ErrorIs(t, err, storage.ErrNotADirectory)
}

func testListOrder(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "/b.txt", "b")
	write(t, fsys, "/A.txt", "a")
	write(t, fsys, "/a.txt", "a")
	require.NoError(t, fsys.Mkdir(ctx, "/Zdir"))
	require.NoError(t, fsys.Mkdir(ctx, "/adir"))

	assert.Equal(t, []string{"adir", "Zdir", "A.txt", "a.txt", "b.txt"}, names(t, fsys, "/"))
}

func testTrashHidden(t *testing.T, env Env) {
	ctx := context.Background()
	root := env.NewRoot(t, "alice")
	trashFS, err := env.Backend.Mount(ctx, root, storage.WithTrashAccess())
	require.NoError(t, err)
	fsys, err := env.Backend.Mount(ctx, root)
	require.NoError(t, err)

	require.NoError(t, trashFS.Mkdir(ctx, "/.trash"))
	write(t, trashFS, "/.trash/item", "x")
	write(t, fsys, "/visible", "v")

	assert.Equal(t, []string{"visible"}, names(t, fsys, "/"))
	assert.Equal(t, []string{"visible"}, names(t, trashFS, "/"))
	assert.Equal(t, []string{"item"}, names(t, trashFS, "/.trash"))

	for _, p := range []string{"/.trash", "/.trash/item", ".trash/../.trash/item", `\.trash\item`} {
		_, err := fsys.Stat(ctx, p)
		assert.ErrorIs(t, err, storage.ErrPathEscape, p)
	}
	err = fsys.Write(ctx, "/.trash/new", strings.NewReader("x"), 1, false)
	assert.ErrorIs(t, err, storage.ErrPathEscape)
	err = fsys.Move(ctx, "/visible", "/.trash/visible")
	assert.ErrorIs(t, err, storage.ErrPathEscape)
}

func testTraversal(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "../../escape.txt", "inside")
	assert.Equal(t, []string{"escape.txt"}, names(t, fsys, "/"))
	assert.Equal(t, "inside", read(t, fsys, "/escape.txt"))

	for _, p := range []string{"..", "/../..", "a/../../..", `..\..\`} {
		loc, err := fsys.Resolve(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, "/", loc.VirtualPath, p)
	}
}

func testRootIsolation(t *testing.T, env Env) {
	ctx := context.Background()
	alice, err := env.Backend.Mount(ctx, env.NewRoot(t, "alice"))
	require.NoError(t, err)
	bob, err := env.Backend.Mount(ctx, env.NewRoot(t, "bob"))
	require.NoError(t, err)

	write(t, alice, "/secret.txt", "alice")
	assert.Empty(t, names(t, bob, "/"))
	_, err = bob.Stat(ctx, "/../alice/secret.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testWriteOverwrite(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "/f.txt", "one")
	err := fsys.Write(ctx, "/f.txt", strings.NewReader("two"), 3, false)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.Equal(t, "one", read(t, fsys, "/f.txt"))

	require.NoError(t, fsys.Write(ctx, "/f.txt", strings.NewReader("three"), 5, true))
	assert.Equal(t, "three", read(t, fsys, "/f.txt"))

	// Unknown size
	require.NoError(t, fsys.Write(ctx, "/g.txt", strings.NewReader("streamed"), -1, false))
	assert.Equal(t, "streamed", read(t, fsys, "/g.txt"))

	content := randomBytes(t, 64*1024)
	require.NoError(t, fsys.Write(ctx, "/bin.dat", bytes.NewReader(content), int64(len(content)), false))
	assert.Equal(t, string(content), read(t, fsys, "/bin.dat"))
}

func testWriteParentChecks(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	err := fsys.Write(ctx, "/nope/f.txt", strings.NewReader("x"), 1, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	write(t, fsys, "/file", "x")
	err = fsys.Write(ctx, "/file/f.txt", strings.NewReader("x"), 1, false)
	assert.Error(t, err)

	require.NoError(t, fsys.Mkdir(ctx, "/dir"))
	err = fsys.Write(ctx, "/dir", strings.NewReader("x"), 1, true)
	assert.ErrorIs(t, err, storage.ErrNotAFile)
	err = fsys.Write(ctx, "/", strings.NewReader("x"), 1, true)
	assert.ErrorIs(t, err, storage.ErrNotAFile)
}

func testMkdir(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/d"))
	assert.ErrorIs(t, fsys.Mkdir(ctx, "/d"), storage.ErrAlreadyExists)

	write(t, fsys, "/f", "x")
	assert.ErrorIs(t, fsys.Mkdir(ctx, "/f"), storage.ErrAlreadyExists)

	assert.ErrorIs(t, fsys.Mkdir(ctx, "/missing/d"), storage.ErrNotFound)

	require.NoError(t, fsys.Mkdir(ctx, "/d/empty"))
	entries, err := fsys.List(ctx, "/d")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.TypeDir, entries[0].Type)
	assert.Empty(t, names(t, fsys, "/d/empty"))
}

func testOpenGuards(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "/big.txt", "0123456789")
	require.NoError(t, fsys.Mkdir(ctx, "/dir"))

	_, _, err := fsys.Open(ctx, "/big.txt", 5)
	assert.ErrorIs(t, err, storage.ErrTooLarge)

	rc, info, err := fsys.Open(ctx, "/big.txt", 10)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(10), info.Size)

	_, _, err = fsys.Open(ctx, "/dir", 0)
	assert.ErrorIs(t, err, storage.ErrNotAFile)
	_, _, err = fsys.Open(ctx, "/missing", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMoveFile(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "/a.txt", "hello")
	require.NoError(t, fsys.Mkdir(ctx, "/dst"))
	require.NoError(t, fsys.Move(ctx, "/a.txt", "/dst/b.txt"))

	_, err := fsys.Stat(ctx, "/a.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, "hello", read(t, fsys, "/dst/b.txt"))

	assert.ErrorIs(t, fsys.Move(ctx, "/missing", "/x"), storage.ErrNotFound)
	assert.ErrorIs(t, fsys.Move(ctx, "/", "/x"), storage.ErrInvalidOperation)
	assert.ErrorIs(t, fsys.Move(ctx, "/dst/b.txt", "/dst/b.txt"), storage.ErrInvalidOperation)
}

func testMoveDirectory(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/src"))
	require.NoError(t, fsys.Mkdir(ctx, "/src/sub"))
	require.NoError(t, fsys.Mkdir(ctx, "/src/empty"))
	write(t, fsys, "/src/one.txt", "1")
	write(t, fsys, "/src/sub/two.txt", "2")

	require.NoError(t, fsys.Move(ctx, "/src", "/dst"))

	_, err := fsys.Stat(ctx, "/src")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"empty", "sub", "one.txt"}, names(t, fsys, "/dst"))
	assert.Equal(t, "2", read(t, fsys, "/dst/sub/two.txt"))
}

func testMoveIntoSelf(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/a"))
	write(t, fsys, "/a/f.txt", "x")

	assert.ErrorIs(t, fsys.Move(ctx, "/a", "/a/b"), storage.ErrInvalidOperation)
	assert.ErrorIs(t, fsys.Copy(ctx, "/a", "/a/b/c"), storage.ErrInvalidOperation)

	assert.Equal(t, []string{"a"}, names(t, fsys, "/"))
	assert.Equal(t, []string{"f.txt"}, names(t, fsys, "/a"))
}

func testMoveConflict(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	write(t, fsys, "/a", "a")
	write(t, fsys, "/b", "b")
	assert.ErrorIs(t, fsys.Move(ctx, "/a", "/b"), storage.ErrConflict)
	assert.ErrorIs(t, fsys.Copy(ctx, "/a", "/b"), storage.ErrConflict)
	assert.Equal(t, "a", read(t, fsys, "/a"))
	assert.Equal(t, "b", read(t, fsys, "/b"))

	assert.ErrorIs(t, fsys.Move(ctx, "/a", "/missing/a"), storage.ErrNotFound)
}

func testCopyDirectory(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/src"))
	require.NoError(t, fsys.Mkdir(ctx, "/src/sub"))
	write(t, fsys, "/src/one.txt", "1")
	write(t, fsys, "/src/sub/two.txt", "2")

	require.NoError(t, fsys.Copy(ctx, "/src", "/copy"))
	require.NoError(t, fsys.Copy(ctx, "/src/one.txt", "/one-copy.txt"))

	assert.Equal(t, []string{"sub", "one.txt"}, names(t, fsys, "/src"))
	assert.Equal(t, []string{"sub", "one.txt"}, names(t, fsys, "/copy"))
	assert.Equal(t, "2", read(t, fsys, "/copy/sub/two.txt"))
	assert.Equal(t, "1", read(t, fsys, "/one-copy.txt"))

	// Copies are independent of their source.
	require.NoError(t, fsys.Write(ctx, "/copy/one.txt", strings.NewReader("changed"), 7, true))
	assert.Equal(t, "1", read(t, fsys, "/src/one.txt"))
}

func testRemoveOnlyTrash(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env, storage.WithTrashAccess())

	write(t, fsys, "/keep.txt", "x")
	assert.ErrorIs(t, fsys.Remove(ctx, "/keep.txt"), storage.ErrInvalidOperation)

	require.NoError(t, fsys.Mkdir(ctx, "/.trash"))
	require.NoError(t, fsys.Mkdir(ctx, "/.trash/dir"))
	write(t, fsys, "/.trash/dir/a", "a")
	write(t, fsys, "/.trash/b", "b")
	assert.ErrorIs(t, fsys.Remove(ctx, "/.trash"), storage.ErrInvalidOperation)

	require.NoError(t, fsys.Remove(ctx, "/.trash/dir"))
	require.NoError(t, fsys.Remove(ctx, "/.trash/b"))
	assert.Empty(t, names(t, fsys, "/.trash"))
	assert.ErrorIs(t, fsys.Remove(ctx, "/.trash/b"), storage.ErrNotFound)
}

func testDiskUsage(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/d"))
	require.NoError(t, fsys.Mkdir(ctx, "/d/sub"))
	write(t, fsys, "/d/a", "12345")
	write(t, fsys, "/d/sub/b", "1234567890")

	total, err := fsys.DiskUsage(ctx, "/d", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)

	total, err = fsys.DiskUsage(ctx, "/d/a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	total, err = fsys.DiskUsage(ctx, "/d", 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(3))
}

func testStage(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	require.NoError(t, fsys.Mkdir(ctx, "/docs"))
	require.NoError(t, fsys.Mkdir(ctx, "/docs/sub"))
	require.NoError(t, fsys.Mkdir(ctx, "/docs/sub/empty"))
	write(t, fsys, "/docs/a.txt", "hello")
	write(t, fsys, "/docs/sub/b.txt", "world")

	scratch := t.TempDir()
	staged, err := fsys.Stage(ctx, "/docs", []string{"/docs/a.txt", "/docs/sub"}, scratch)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "sub"}, staged.Paths)
	data, err := os.ReadFile(filepath.Join(staged.Dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	data, err = os.ReadFile(filepath.Join(staged.Dir, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	info, err := os.Stat(filepath.Join(staged.Dir, "sub", "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, staged.Cleanup())
	// Cleanup never touches the stored data.
	assert.Equal(t, "hello", read(t, fsys, "/docs/a.txt"))

	_, err = fsys.Stage(ctx, "/docs", []string{"/docs/a.txt", "/docs/missing"}, scratch)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	leftovers, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// splitParts cuts data into parts of partSize bytes, the last one shorter.
func splitParts(data []byte, partSize int) [][]byte {
	var parts [][]byte
	for len(data) > 0 {
		n := min(partSize, len(data))
		parts = append(parts, data[:n])
		data = data[n:]
	}
	return parts
}

func putPart(t *testing.T, fsys storage.FS, h storage.UploadHandle, n int, data []byte) {
	t.Helper()
	require.NoError(t, fsys.PutPart(context.Background(), h, n, bytes.NewReader(data), int64(len(data))))
}

func testUploadOutOfOrder(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)
	require.NoError(t, fsys.Mkdir(ctx, "/up"))

	const mb = 1024 * 1024
	content := randomBytes(t, 12*mb)
	parts := splitParts(content, 5*mb)
	require.Len(t, parts, 3)

	h, err := fsys.CreateUpload(ctx, "/up/big.bin")
	require.NoError(t, err)

	putPart(t, fsys, h, 2, parts[1])
	putPart(t, fsys, h, 1, parts[0])

	have, err := fsys.ListParts(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, have)

	putPart(t, fsys, h, 3, parts[2])
	require.NoError(t, fsys.CompleteUpload(ctx, h, 3, false))

	info, err := fsys.Stat(ctx, "/up/big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(12*mb), info.Size)
	assert.True(t, read(t, fsys, "/up/big.bin") == string(content), "assembled content differs")
}

func testUploadReverseDuplicate(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	content := randomBytes(t, 10*1000+7)
	parts := splitParts(content, 1000)

	h, err := fsys.CreateUpload(ctx, "/dup.bin")
	require.NoError(t, err)

	for i := len(parts); i >= 1; i-- {
		putPart(t, fsys, h, i, parts[i-1])
	}
	// Garbage first, then the real part again.
	putPart(t, fsys, h, 4, []byte("garbage"))
	putPart(t, fsys, h, 4, parts[3])
	putPart(t, fsys, h, 1, parts[0])

	require.NoError(t, fsys.CompleteUpload(ctx, h, len(parts), false))
	assert.True(t, read(t, fsys, "/dup.bin") == string(content), "assembled content differs")
}

func testUploadConcurrentParts(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	content := randomBytes(t, 64*1024)
	parts := splitParts(content, 4*1024)

	h, err := fsys.CreateUpload(ctx, "/conc.bin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(parts)*2)
	for i := range parts {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- fsys.PutPart(ctx, h, i+1, bytes.NewReader(parts[i]), int64(len(parts[i])))
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	have, err := fsys.ListParts(ctx, h)
	require.NoError(t, err)
	assert.Len(t, have, len(parts))
	assert.True(t, sort.IntsAreSorted(have))

	require.NoError(t, fsys.CompleteUpload(ctx, h, len(parts), false))
	assert.True(t, read(t, fsys, "/conc.bin") == string(content), "assembled content differs")
}

func testUploadIncomplete(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	h, err := fsys.CreateUpload(ctx, "/partial.bin")
	require.NoError(t, err)
	putPart(t, fsys, h, 1, []byte("one"))
	putPart(t, fsys, h, 3, []byte("three"))

	err = fsys.CompleteUpload(ctx, h, 3, false)
	assert.ErrorIs(t, err, storage.ErrIncomplete)
	_, err = fsys.Stat(ctx, "/partial.bin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Still resumable after the failed completion.
	putPart(t, fsys, h, 2, []byte("two"))
	require.NoError(t, fsys.CompleteUpload(ctx, h, 3, false))
	assert.Equal(t, "onetwothree", read(t, fsys, "/partial.bin"))

	err = fsys.PutPart(ctx, h, 0, strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func testUploadConflict(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	h, err := fsys.CreateUpload(ctx, "/taken.txt")
	require.NoError(t, err)
	putPart(t, fsys, h, 1, []byte("new"))

	// Someone else claims the name while the upload is in flight.
	write(t, fsys, "/taken.txt", "old")
	err = fsys.CompleteUpload(ctx, h, 1, false)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, "old", read(t, fsys, "/taken.txt"))

	require.NoError(t, fsys.CompleteUpload(ctx, h, 1, true))
	assert.Equal(t, "new", read(t, fsys, "/taken.txt"))
}

func testUploadAbort(t *testing.T, env Env) {
	ctx := context.Background()
	fsys := mount(t, env)

	h, err := fsys.CreateUpload(ctx, "/aborted.bin")
	require.NoError(t, err)
	putPart(t, fsys, h, 1, []byte("x"))

	require.NoError(t, fsys.AbortUpload(ctx, h))
	_, err = fsys.ListParts(ctx, h)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, fsys.PutPart(ctx, h, 2, strings.NewReader("y"), 1), storage.ErrNotFound)

	// A second abort is harmless.
	require.NoError(t, fsys.AbortUpload(ctx, h))
	_, err = fsys.Stat(ctx, "/aborted.bin")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
