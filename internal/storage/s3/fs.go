package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/retry"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

// deleteBatch is the DeleteObjects request limit.
const deleteBatch = 1000

type s3FS struct {
	b    *S3Backend
	base string // key prefix of the mount root, "" or ending in "/"
	opts storage.MountOptions
}

// key is the object key for a normalized non-root virtual path. It is built
// from the clean path, so it cannot leave base.
func (f *s3FS) key(vp string) string {
	return f.base + vpath.Rel(vp)
}

// dirPrefix is the listing prefix for the directory vp.
func (f *s3FS) dirPrefix(vp string) string {
	if vpath.IsRoot(vp) {
		return f.base
	}
	return f.key(vp) + "/"
}

// classify reports what lives at vp: an object, a prefix, or nothing.
func (f *s3FS) classify(ctx context.Context, vp string) (*storage.Info, error) {
	if vpath.IsRoot(vp) {
		return &storage.Info{Type: storage.TypeDir}, nil
	}

	k := f.key(vp)
	start := time.Now()
	out, err := f.b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.b.bucket),
		Key:    aws.String(k),
	})
	observe("head_object", start, err)
	if err == nil {
		return &storage.Info{
			Type:  storage.TypeFile,
			Size:  aws.ToInt64(out.ContentLength),
			MTime: millis(out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return nil, internalErr("head", k, err)
	}

	start = time.Now()
	list, err := f.b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(f.b.bucket),
		Prefix:  aws.String(k + "/"),
		MaxKeys: aws.Int32(1),
	})
	observe("list_objects", start, err)
	if err != nil {
		return nil, internalErr("list", k+"/", err)
	}
	if len(list.Contents) > 0 {
		return &storage.Info{Type: storage.TypeDir}, nil
	}
	return &storage.Info{Type: storage.TypeNone}, nil
}

// existing normalizes p and classifies it, failing when nothing is there.
func (f *s3FS) existing(ctx context.Context, p string) (string, *storage.Info, error) {
	vp, err := storage.CheckAccess(p, f.opts)
	if err != nil {
		return "", nil, err
	}
	info, err := f.classify(ctx, vp)
	if err != nil {
		return "", nil, err
	}
	if info.Type == storage.TypeNone {
		return "", nil, fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	}
	return vp, info, nil
}

// requireDir checks that vp is an existing directory.
func (f *s3FS) requireDir(ctx context.Context, vp string) error {
	info, err := f.classify(ctx, vp)
	if err != nil {
		return err
	}
	switch info.Type {
	case storage.TypeNone:
		return fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
	case storage.TypeFile:
		return fmt.Errorf("%s: %w", vp, storage.ErrNotADirectory)
	}
	return nil
}

// Resolve maps p to its object key; the target must exist.
func (f *s3FS) Resolve(ctx context.Context, p string) (*storage.Location, error) {
	vp, info, err := f.existing(ctx, p)
	if err != nil {
		return nil, err
	}
	k := f.key(vp)
	if info.Type == storage.TypeDir {
		k = f.dirPrefix(vp)
	}
	return &storage.Location{VirtualPath: vp, Key: k, Type: info.Type}, nil
}

// Stat describes the entry at p.
func (f *s3FS) Stat(ctx context.Context, p string) (*storage.Info, error) {
	_, info, err := f.existing(ctx, p)
	return info, err
}

// List returns the sorted entries directly below dir.
func (f *s3FS) List(ctx context.Context, dir string) ([]storage.DirEntry, error) {
	vp, info, err := f.existing(ctx, dir)
	if err != nil {
		return nil, err
	}
	if info.Type != storage.TypeDir {
		return nil, fmt.Errorf("%s: %w", vp, storage.ErrNotADirectory)
	}

	prefix := f.dirPrefix(vp)
	hidden := func(name string) bool {
		return name == "" || (vpath.IsRoot(vp) && "/"+name == vpath.TrashDir)
	}

	var entries []storage.DirEntry
	paginator := s3.NewListObjectsV2Paginator(f.b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(f.b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_objects", start, err)
		if err != nil {
			return nil, internalErr("list", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if hidden(name) {
				continue
			}
			entries = append(entries, storage.DirEntry{Name: name, Type: storage.TypeDir})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// The directory's own marker lists as an empty name.
			if hidden(name) {
				continue
			}
			entries = append(entries, storage.DirEntry{
				Name:  name,
				Type:  storage.TypeFile,
				Size:  aws.ToInt64(obj.Size),
				MTime: millis(obj.LastModified),
			})
		}
	}

	storage.SortEntries(entries)
	return entries, nil
}

// Open streams an object, enforcing maxBytes before the body is fetched.
func (f *s3FS) Open(ctx context.Context, p string, maxBytes int64) (io.ReadCloser, *storage.Info, error) {
	vp, info, err := f.existing(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if info.Type != storage.TypeFile {
		return nil, nil, fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, nil, fmt.Errorf("%s is %d bytes, limit %d: %w", vp, info.Size, maxBytes, storage.ErrTooLarge)
	}

	k := f.key(vp)
	start := time.Now()
	out, err := f.b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.b.bucket),
		Key:    aws.String(k),
	})
	observe("get_object", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%s: %w", vp, storage.ErrNotFound)
		}
		return nil, nil, internalErr("get", k, err)
	}
	return out.Body, info, nil
}

// checkTarget validates a new object destination: its parent must be a
// directory and nothing may be there unless overwriting a file.
func (f *s3FS) checkTarget(ctx context.Context, vp string, overwrite bool, exists error) error {
	if vpath.IsRoot(vp) {
		return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	if err := f.requireDir(ctx, vpath.Parent(vp)); err != nil {
		return err
	}
	info, err := f.classify(ctx, vp)
	if err != nil {
		return err
	}
	switch {
	case info.Type == storage.TypeDir:
		return fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	case info.Type == storage.TypeFile && !overwrite:
		return fmt.Errorf("%s: %w", vp, exists)
	}
	return nil
}

// Write stores r at p with a single PUT. Without overwrite the PUT is
// conditional, so a racing writer cannot be clobbered.
func (f *s3FS) Write(ctx context.Context, p string, r io.Reader, size int64, overwrite bool) error {
	vp, err := storage.CheckAccess(p, f.opts)
	if err != nil {
		return err
	}
	if err := f.checkTarget(ctx, vp, overwrite, storage.ErrAlreadyExists); err != nil {
		return err
	}

	body, n, cleanup, err := seekable(r, size)
	if err != nil {
		return internalErr("spool", vp, err)
	}
	defer cleanup()

	k := f.key(vp)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(f.b.bucket),
		Key:           aws.String(k),
		Body:          body,
		ContentLength: aws.Int64(n),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	start := time.Now()
	_, err = f.b.client.PutObject(ctx, input)
	observe("put_object", start, err)
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", vp, storage.ErrAlreadyExists)
		}
		return internalErr("put", k, err)
	}

	logging.Debug("S3 put object", zap.String("key", k), zap.Int64("size", n))
	return nil
}

func (f *s3FS) putMarker(ctx context.Context, k string) error {
	start := time.Now()
	_, err := f.b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(f.b.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	observe("put_object", start, err)
	if err != nil {
		return internalErr("put marker", k, err)
	}
	return nil
}

// Mkdir creates a directory marker.
func (f *s3FS) Mkdir(ctx context.Context, p string) error {
	vp, err := storage.CheckAccess(p, f.opts)
	if err != nil {
		return err
	}
	info, err := f.classify(ctx, vp)
	if err != nil {
		return err
	}
	if info.Type != storage.TypeNone {
		return fmt.Errorf("%s: %w", vp, storage.ErrAlreadyExists)
	}
	if err := f.requireDir(ctx, vpath.Parent(vp)); err != nil {
		return err
	}
	return f.putMarker(ctx, f.dirPrefix(vp))
}

type transferPlan struct {
	fromVP, toVP string
	info         *storage.Info
}

func (f *s3FS) transfer(ctx context.Context, from, to string) (*transferPlan, error) {
	fromVP, info, err := f.existing(ctx, from)
	if err != nil {
		return nil, err
	}
	toVP, err := storage.CheckAccess(to, f.opts)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckTransfer(fromVP, toVP); err != nil {
		return nil, err
	}
	target, err := f.classify(ctx, toVP)
	if err != nil {
		return nil, err
	}
	if target.Type != storage.TypeNone {
		return nil, fmt.Errorf("%s: %w", toVP, storage.ErrConflict)
	}
	if err := f.requireDir(ctx, vpath.Parent(toVP)); err != nil {
		return nil, err
	}
	return &transferPlan{fromVP: fromVP, toVP: toVP, info: info}, nil
}

func (f *s3FS) copyObject(ctx context.Context, src, dst string) error {
	start := time.Now()
	_, err := f.b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(f.b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(url.PathEscape(f.b.bucket + "/" + src)),
	})
	observe("copy_object", start, err)
	if err != nil {
		return internalErr("copy "+src+" ->", dst, err)
	}
	logging.Debug("S3 copy object", zap.String("src", src), zap.String("dst", dst))
	return nil
}

// copyAll duplicates the object or prefix tree described by plan and
// returns the source keys it copied. Directory copies stop at the first
// failure, leaving a partial destination.
func (f *s3FS) copyAll(ctx context.Context, plan *transferPlan) ([]string, error) {
	if plan.info.Type == storage.TypeFile {
		src := f.key(plan.fromVP)
		if err := f.copyObject(ctx, src, f.key(plan.toVP)); err != nil {
			return nil, err
		}
		return []string{src}, nil
	}

	fromPrefix, toPrefix := f.dirPrefix(plan.fromVP), f.dirPrefix(plan.toVP)
	objects, err := f.listAll(ctx, fromPrefix)
	if err != nil {
		return nil, err
	}
	if err := f.putMarker(ctx, toPrefix); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		src := aws.ToString(obj.Key)
		keys = append(keys, src)
		if src == fromPrefix {
			continue
		}
		if err := f.copyObject(ctx, src, toPrefix+strings.TrimPrefix(src, fromPrefix)); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Move copies then deletes the source. Only single objects move atomically.
func (f *s3FS) Move(ctx context.Context, from, to string) error {
	plan, err := f.transfer(ctx, from, to)
	if err != nil {
		return err
	}
	keys, err := f.copyAll(ctx, plan)
	if err != nil {
		return err
	}
	return f.deleteKeys(ctx, keys)
}

// Copy duplicates a file or prefix tree.
func (f *s3FS) Copy(ctx context.Context, from, to string) error {
	plan, err := f.transfer(ctx, from, to)
	if err != nil {
		return err
	}
	_, err = f.copyAll(ctx, plan)
	return err
}

// Remove deletes an object or prefix tree inside the trash subtree.
func (f *s3FS) Remove(ctx context.Context, p string) error {
	vp, info, err := f.existing(ctx, p)
	if err != nil {
		return err
	}
	if !vpath.IsTrash(vp) || vp == vpath.TrashDir {
		return fmt.Errorf("remove %s: only trash entries can be removed: %w", vp, storage.ErrInvalidOperation)
	}
	if info.Type == storage.TypeFile {
		return f.deleteKeys(ctx, []string{f.key(vp)})
	}
	objects, err := f.listAll(ctx, f.dirPrefix(vp))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return f.deleteKeys(ctx, keys)
}

// DiskUsage sums object sizes under p, stopping once limit is reached.
func (f *s3FS) DiskUsage(ctx context.Context, p string, limit int64) (int64, error) {
	vp, info, err := f.existing(ctx, p)
	if err != nil {
		return 0, err
	}
	if info.Type == storage.TypeFile {
		return info.Size, nil
	}

	prefix := f.dirPrefix(vp)
	var total int64
	paginator := s3.NewListObjectsV2Paginator(f.b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_objects", start, err)
		if err != nil {
			return total, internalErr("list", prefix, err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
			if limit > 0 && total >= limit {
				return total, nil
			}
		}
	}
	return total, nil
}

func (f *s3FS) listAll(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(f.b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_objects", start, err)
		if err != nil {
			return nil, internalErr("list", prefix, err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (f *s3FS) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		batch := keys[:n]
		keys = keys[n:]

		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		start := time.Now()
		out, err := f.b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(f.b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		observe("delete_objects", start, err)
		if err != nil {
			return internalErr("delete", batch[0], err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s: %w", aws.ToString(first.Key), aws.ToString(first.Message), storage.ErrInternal)
		}
	}
	return nil
}

type download struct {
	key  string
	dest string
}

// Stage downloads the selection into a fresh directory below scratch.
// Objects whose keys would land outside that directory are skipped.
func (f *s3FS) Stage(ctx context.Context, base string, paths []string, scratch string) (*storage.Staging, error) {
	baseVP, err := storage.CheckAccess(base, f.opts)
	if err != nil {
		return nil, err
	}
	if err := f.requireDir(ctx, baseVP); err != nil {
		return nil, err
	}

	if scratch != "" {
		if err := os.MkdirAll(scratch, 0o750); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w: %w", storage.ErrInternal, err)
		}
	}
	dir, err := os.MkdirTemp(scratch, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w: %w", storage.ErrInternal, err)
	}
	staging := &storage.Staging{
		Dir:     dir,
		Cleanup: func() error { return os.RemoveAll(dir) },
	}
	fail := func(err error) (*storage.Staging, error) {
		if cerr := staging.Cleanup(); cerr != nil {
			logging.Warn("staging cleanup failed", zap.String("dir", dir), zap.Error(cerr))
		}
		return nil, err
	}

	var jobs []download
	for _, p := range paths {
		vp, info, err := f.existing(ctx, p)
		if err != nil {
			return fail(err)
		}
		if vp == baseVP || !vpath.Within(vp, baseVP) {
			return fail(fmt.Errorf("%s is not inside %s: %w", vp, baseVP, storage.ErrInvalidOperation))
		}
		rel := vpath.RelTo(baseVP, vp)
		staging.Paths = append(staging.Paths, rel)
		local := filepath.Join(dir, filepath.FromSlash(rel))

		if info.Type == storage.TypeFile {
			jobs = append(jobs, download{key: f.key(vp), dest: local})
			continue
		}
		if err := os.MkdirAll(local, 0o755); err != nil {
			return fail(fmt.Errorf("stage %s: %w: %w", vp, storage.ErrInternal, err))
		}
		prefix := f.dirPrefix(vp)
		objects, err := f.listAll(ctx, prefix)
		if err != nil {
			return fail(err)
		}
		for _, obj := range objects {
			k := aws.ToString(obj.Key)
			sub := strings.TrimPrefix(k, prefix)
			if sub == "" {
				continue
			}
			isMarker := strings.HasSuffix(sub, "/")
			sub = strings.TrimSuffix(sub, "/")
			if !filepath.IsLocal(filepath.FromSlash(sub)) {
				logging.Warn("skipping unsafe object key", zap.String("key", k))
				continue
			}
			target := filepath.Join(local, filepath.FromSlash(sub))
			if isMarker {
				if err := os.MkdirAll(target, 0o755); err != nil {
					return fail(fmt.Errorf("stage %s: %w: %w", k, storage.ErrInternal, err))
				}
				continue
			}
			jobs = append(jobs, download{key: k, dest: target})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.b.stageWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			return retry.Do(gctx, f.b.retry, "stage "+job.key, func() error {
				return f.fetch(gctx, job)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fail(fmt.Errorf("stage objects: %w: %w", storage.ErrInternal, err))
	}
	return staging, nil
}

// fetch downloads one object. Transient failures are marked retryable.
func (f *s3FS) fetch(ctx context.Context, job download) error {
	if err := os.MkdirAll(filepath.Dir(job.dest), 0o755); err != nil {
		return err
	}

	start := time.Now()
	out, err := f.b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.b.bucket),
		Key:    aws.String(job.key),
	})
	observe("get_object", start, err)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", job.key, storage.ErrNotFound)
		}
		return retry.Retryable(err)
	}
	defer out.Body.Close()

	file, err := os.Create(job.dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		file.Close()
		return retry.Retryable(err)
	}
	return file.Close()
}
