package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/basket/internal/archive"
	"github.com/fruitsalade/basket/internal/audit"
	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/files"
	"github.com/fruitsalade/basket/internal/jsonstore"
	"github.com/fruitsalade/basket/internal/share"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/storage/local"
	s3storage "github.com/fruitsalade/basket/internal/storage/s3"
	"github.com/fruitsalade/basket/internal/storage/s3/s3test"
	"github.com/fruitsalade/basket/internal/trash"
	"github.com/fruitsalade/basket/internal/upload"
)

type testServer struct {
	*httptest.Server
	root   string
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend, err := local.New(local.Config{UploadDir: t.TempDir()})
	require.NoError(t, err)
	return newTestServerWith(t, backend, t.TempDir(), t.TempDir())
}

// newS3TestServer serves a fake bucket. The archive scratch dir does not
// exist yet, as on a fresh deployment.
func newS3TestServer(t *testing.T) (*testServer, *s3test.Fake) {
	t.Helper()
	fake := s3test.NewFake()
	backend := s3storage.NewWithClient(fake, s3storage.BackendConfig{Bucket: "basket"})
	return newTestServerWith(t, backend, "users/alice", filepath.Join(t.TempDir(), "scratch")), fake
}

func newTestServerWith(t *testing.T, backend storage.Backend, root, scratch string) *testServer {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	users, err := auth.ParseDirectory([]byte(fmt.Sprintf(`users:
  - {username: alice, password: %q, role: read-write, root: %q}
  - {username: victor, password: %q, role: read-only, root: %q}
`, hash, root, hash, root)))
	require.NoError(t, err)

	dataDir := t.TempDir()
	sessions, err := jsonstore.Open[upload.Session](dataDir, "uploads")
	require.NoError(t, err)
	shareStore, err := share.OpenFileStore(dataDir)
	require.NoError(t, err)

	svc := files.New(files.Deps{
		Backend:  backend,
		Trash:    trash.NewManager(backend),
		Uploads:  upload.NewCoordinator(backend, sessions, upload.Config{MaxPartSize: 1024}),
		Shares:   share.NewRegistry(shareStore),
		Archives: archive.NewBuilder(archive.Config{ScratchDir: scratch}),
		Audit:    audit.Discard{},
	}, files.Config{MaxEditSize: 64})

	ts := &testServer{
		Server: httptest.NewServer(NewServer(auth.New(users, "test-secret", time.Hour), svc).Handler()),
		root:   root,
		tokens: map[string]string{},
	}
	t.Cleanup(ts.Close)

	for _, name := range []string{"alice", "victor"} {
		resp, err := http.Post(ts.URL+"/api/v1/auth/token", "application/json",
			strings.NewReader(fmt.Sprintf(`{"username":%q,"password":"pw"}`, name)))
		require.NoError(t, err)
		var body struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		require.NotEmpty(t, body.Token)
		ts.tokens[name] = body.Token
	}
	return ts
}

// do sends a request as user ("" for anonymous) and returns the status and body.
func (ts *testServer) do(t *testing.T, user, method, path string, body io.Reader) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) doJSON(t *testing.T, user, method, path string, in, out interface{}) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	code, data := ts.do(t, user, method, path, body)
	if out != nil && code < 300 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return code
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, "", http.MethodGet, "/api/v1/list/", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, string(body), `"code":401`)
}

func TestFileLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, "alice", http.MethodPut, "/api/v1/content/notes/a.txt", strings.NewReader("hi"))
	assert.Equal(t, http.StatusNotFound, code, "parent must exist")

	assert.Equal(t, http.StatusCreated, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/mkdir",
		map[string]string{"parent": "/", "name": "notes"}, nil))
	assert.Equal(t, http.StatusConflict, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/mkdir",
		map[string]string{"parent": "/", "name": "notes"}, nil))

	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/content/notes/a.txt", strings.NewReader("hi"))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/content/notes/a.txt", strings.NewReader("again"))
	assert.Equal(t, http.StatusConflict, code)
	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/content/notes/a.txt?overwrite=true", strings.NewReader("hello"))
	assert.Equal(t, http.StatusOK, code)

	var listing files.Listing
	require.Equal(t, http.StatusOK, ts.doJSON(t, "victor", http.MethodGet, "/api/v1/list/notes", nil, &listing))
	assert.Equal(t, "/", listing.Parent)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, storage.DirEntry{Name: "a.txt", Type: storage.TypeFile, Size: 5, MTime: listing.Entries[0].MTime}, listing.Entries[0])

	code, body := ts.do(t, "victor", http.MethodGet, "/api/v1/content/notes/a.txt", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", string(body))

	code, _ = ts.do(t, "victor", http.MethodGet, "/api/v1/content/notes/a.txt?max=2", nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	assert.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/move",
		map[string]string{"from": "/notes/a.txt", "to": "/notes/b.txt"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/move",
		map[string]string{"from": "/notes", "to": "/notes/inner"}, nil))
	assert.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/copy",
		map[string]string{"from": "/notes/b.txt", "to": "/c.txt"}, nil))

	var info storage.Info
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodGet, "/api/v1/stat/c.txt", nil, &info))
	assert.EqualValues(t, 5, info.Size)

	// Trash, list, restore.
	var rec trash.Record
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodDelete, "/api/v1/files/notes", nil, &rec))
	assert.Equal(t, "/notes", rec.OriginalPath)

	code, _ = ts.do(t, "alice", http.MethodGet, "/api/v1/stat/notes", nil)
	assert.Equal(t, http.StatusNotFound, code)

	var trashList struct {
		Items []trash.Record `json:"items"`
		Count int            `json:"count"`
	}
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodGet, "/api/v1/trash", nil, &trashList))
	assert.Equal(t, 1, trashList.Count)

	assert.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/trash/"+rec.ID+"/restore", nil, nil))
	code, body = ts.do(t, "alice", http.MethodGet, "/api/v1/download/notes/b.txt", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", string(body))

	code, _ = ts.do(t, "alice", http.MethodDelete, "/api/v1/files/", nil)
	assert.Equal(t, http.StatusBadRequest, code, "root cannot be trashed")
	code, _ = ts.do(t, "alice", http.MethodDelete, "/api/v1/trash/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, code, "already restored")
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "tool.bin"), []byte("x"), 0o644))

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   string
		want   int
	}{
		{"read-only write", "victor", http.MethodPut, "/api/v1/content/x.txt", "x", http.StatusForbidden},
		{"too large", "alice", http.MethodPut, "/api/v1/content/x.txt", strings.Repeat("x", 65), http.StatusRequestEntityTooLarge},
		{"type not allowed", "alice", http.MethodPut, "/api/v1/content/x.exe", "x", http.StatusUnsupportedMediaType},
		{"preview binary", "alice", http.MethodGet, "/api/v1/content/tool.bin", "", http.StatusUnsupportedMediaType},
		{"trash subtree", "alice", http.MethodGet, "/api/v1/list/.trash", "", http.StatusForbidden},
		{"missing", "alice", http.MethodGet, "/api/v1/stat/ghost", "", http.StatusNotFound},
		{"traversal", "alice", http.MethodGet, "/api/v1/stat/..%2F..%2Fetc%2Fpasswd", "", http.StatusNotFound},
		{"list a file", "alice", http.MethodGet, "/api/v1/list/tool.bin", "", http.StatusBadRequest},
		{"bad page", "alice", http.MethodGet, "/api/v1/list/?page=x", "", http.StatusBadRequest},
		{"bad json", "alice", http.MethodPost, "/api/v1/mkdir", "{", http.StatusBadRequest},
		{"bad part", "alice", http.MethodPut, "/api/v1/uploads/u/parts/x", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := ts.do(t, tt.user, tt.method, tt.path, strings.NewReader(tt.body))
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestChunkedUpload(t *testing.T) {
	ts := newTestServer(t)

	var init initUploadResponse
	require.Equal(t, http.StatusCreated, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/uploads",
		upload.InitRequest{Dir: "/", FileName: "big.dat", Size: 2000, TotalParts: 2}, &init))
	assert.Equal(t, "/big.dat", init.Path)
	assert.EqualValues(t, 1024, init.MaxPartSize)

	part1 := bytes.Repeat([]byte("a"), 1000)
	part2 := bytes.Repeat([]byte("b"), 1000)

	code, _ := ts.do(t, "alice", http.MethodPut, "/api/v1/uploads/"+init.UploadID+"/parts/2", bytes.NewReader(part2))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/uploads/"+init.UploadID+"/parts/9", bytes.NewReader(part2))
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/uploads/"+init.UploadID+"/parts/1", bytes.NewReader(make([]byte, 1025)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	assert.Equal(t, http.StatusConflict, ts.doJSON(t, "alice", http.MethodPost,
		"/api/v1/uploads/"+init.UploadID+"/complete", map[string]int{"totalParts": 2}, nil))

	var st upload.Status
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodGet, "/api/v1/uploads/"+init.UploadID, nil, &st))
	assert.True(t, st.Found)
	assert.Equal(t, []int{2}, st.Parts)

	code, _ = ts.do(t, "alice", http.MethodPut, "/api/v1/uploads/"+init.UploadID+"/parts/1", bytes.NewReader(part1))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost,
		"/api/v1/uploads/"+init.UploadID+"/complete", map[string]int{"totalParts": 2}, nil))

	code, body := ts.do(t, "alice", http.MethodGet, "/api/v1/download/big.dat", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, append(part1, part2...), body)

	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodGet, "/api/v1/uploads/"+init.UploadID, nil, &st))
	assert.False(t, st.Found)
}

func TestShareLinks(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "report.txt"), []byte("numbers"), 0o644))

	var first, second, forced shareResponse
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/shares",
		map[string]interface{}{"path": "/report.txt"}, &first))
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/shares",
		map[string]interface{}{"path": "/report.txt"}, &second))
	assert.Equal(t, first.Token, second.Token)
	require.Equal(t, http.StatusOK, ts.doJSON(t, "alice", http.MethodPost, "/api/v1/shares",
		map[string]interface{}{"path": "/report.txt", "force": true}, &forced))
	assert.NotEqual(t, first.Token, forced.Token)
	assert.Len(t, forced.Token, 64)

	var found shareResponse
	require.Equal(t, http.StatusOK, ts.doJSON(t, "victor", http.MethodGet, "/api/v1/shares?path=/report.txt", nil, &found))
	assert.Equal(t, forced.Token, found.Token)

	code, _ := ts.do(t, "", http.MethodGet, "/api/v1/share/"+first.Token, nil)
	assert.Equal(t, http.StatusNotFound, code, "replaced token")

	var info files.SharedFile
	require.Equal(t, http.StatusOK, ts.doJSON(t, "", http.MethodGet, "/api/v1/share/"+forced.Token+"/info", nil, &info))
	assert.Equal(t, "report.txt", info.Name)
	assert.EqualValues(t, 7, info.Size)

	resp, err := http.Get(ts.URL + "/api/v1/share/" + forced.Token)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "numbers", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	resp, err = http.Get(ts.URL + "/api/v1/share/" + forced.Token + "/inline")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "inline")
	assert.Equal(t, "sandbox", resp.Header.Get("Content-Security-Policy"))

	code, _ = ts.do(t, "", http.MethodGet, "/api/v1/share/not-a-token/info", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestArchiveDownload(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ts.root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "docs", "a.txt"), []byte("aaa"), 0o644))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/archive",
		strings.NewReader(`{"paths":["/docs"],"format":"zip"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.tokens["alice"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "docs.zip")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "docs/a.txt")

	code, _ := ts.do(t, "alice", http.MethodPost, "/api/v1/archive", strings.NewReader(`{"paths":["/docs"],"format":"rar"}`))
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, "alice", http.MethodPost, "/api/v1/archive", strings.NewReader(`{"paths":["/ghost"],"format":"zip"}`))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestS3WriteAndArchive(t *testing.T) {
	ts, fake := newS3TestServer(t)

	code := ts.doJSON(t, "alice", http.MethodPost, "/api/v1/mkdir", map[string]string{"parent": "/", "name": "docs"}, nil)
	require.Equal(t, http.StatusCreated, code)
	code, body := ts.do(t, "alice", http.MethodPut, "/api/v1/content/docs/a.txt", strings.NewReader("aaa"))
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, fake.Keys(), "users/alice/docs/a.txt")

	code, data := ts.do(t, "alice", http.MethodPost, "/api/v1/archive", strings.NewReader(`{"paths":["/docs"],"format":"zip"}`))
	require.Equal(t, http.StatusOK, code, string(data))
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "docs/a.txt")

	// A storage failure while staging is reported before any archive bytes.
	fake.FailGets = 100
	code, body = ts.do(t, "alice", http.MethodPost, "/api/v1/archive", strings.NewReader(`{"paths":["/docs"],"format":"zip"}`))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(body), `"code":500`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{storage.ErrPathEscape, http.StatusForbidden},
		{storage.ErrReadOnly, http.StatusForbidden},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrNotADirectory, http.StatusBadRequest},
		{storage.ErrNotAFile, http.StatusBadRequest},
		{storage.ErrInvalidOperation, http.StatusBadRequest},
		{storage.ErrInvalidTarget, http.StatusBadRequest},
		{storage.ErrInvalidFormat, http.StatusBadRequest},
		{storage.ErrRootDeletion, http.StatusBadRequest},
		{storage.ErrAlreadyExists, http.StatusConflict},
		{storage.ErrConflict, http.StatusConflict},
		{storage.ErrIncomplete, http.StatusConflict},
		{storage.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{storage.ErrTypeNotAllowed, http.StatusUnsupportedMediaType},
		{storage.ErrInternal, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("disk: %w: %w", storage.ErrInternal, os.ErrPermission), http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
