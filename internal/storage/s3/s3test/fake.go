// Package s3test provides an in-memory S3 bucket for tests.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type fakeUpload struct {
	key   string
	parts map[int32]fakeObject
}

// Fake is an in-memory S3 bucket covering the API the storage backend uses.
type Fake struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	uploads map[string]*fakeUpload
	nextID  int

	// PageSize caps list results per page.
	PageSize int
	// FailGets makes the next N GetObject calls fail with a transient error.
	FailGets int
}

// NewFake returns an empty bucket.
func NewFake() *Fake {
	return &Fake{
		objects:  make(map[string]fakeObject),
		uploads:  make(map[string]*fakeUpload),
		PageSize: 1000,
	}
}

var errTransient = errors.New("connection reset by peer")

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func newObject(data []byte) fakeObject {
	return fakeObject{
		data:     data,
		etag:     fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data))),
		modified: time.Now(),
	}
}

func (f *Fake) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *Fake) CreateBucket(_ context.Context, _ *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (f *Fake) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *Fake) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGets > 0 {
		f.FailGets--
		return nil, errTransient
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *Fake) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, preconditionFailed()
		}
	}
	obj := newObject(data)
	f.objects[key] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *Fake) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	source, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	_, srcKey, ok := strings.Cut(source, "/")
	if !ok {
		return nil, fmt.Errorf("bad copy source %q", source)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	copied := newObject(bytes.Clone(obj.data))
	f.objects[aws.ToString(in.Key)] = copied
	return &s3.CopyObjectOutput{}, nil
}

func (f *Fake) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *Fake) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(in.Delete.Objects) > 1000 {
		return nil, &smithy.GenericAPIError{Code: "MalformedXML"}
	}
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *Fake) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	limit := f.PageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	after := aws.ToString(in.ContinuationToken)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{Prefix: in.Prefix}
	seen := make(map[string]bool)
	count := 0
	var last string
	for _, k := range keys {
		item := k
		isPrefix := false
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				item = k[:len(prefix)+i+len(delimiter)]
				isPrefix = true
			}
		}
		if item <= after || seen[item] {
			continue
		}
		if count == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		seen[item] = true
		count++
		last = item
		if isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(item)})
			continue
		}
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
			ETag:         aws.String(obj.etag),
		})
	}
	out.KeyCount = aws.Int32(int32(count))
	return out, nil
}

func (f *Fake) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(in.Key), parts: make(map[int32]fakeObject)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *Fake) upload(id, key string) (*fakeUpload, error) {
	up, ok := f.uploads[id]
	if !ok || up.key != key {
		return nil, &types.NoSuchUpload{}
	}
	return up, nil
}

func (f *Fake) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	up, err := f.upload(aws.ToString(in.UploadId), aws.ToString(in.Key))
	if err != nil {
		return nil, err
	}
	obj := newObject(data)
	up.parts[aws.ToInt32(in.PartNumber)] = obj
	return &s3.UploadPartOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *Fake) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, err := f.upload(aws.ToString(in.UploadId), aws.ToString(in.Key))
	if err != nil {
		return nil, err
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for num, obj := range up.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(num),
			ETag:       aws.String(obj.etag),
			Size:       aws.Int64(int64(len(obj.data))),
		})
	}
	// Map iteration leaves parts unordered; the backend must sort them.
	return out, nil
}

func (f *Fake) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	up, err := f.upload(aws.ToString(in.UploadId), key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	prev := int32(0)
	for _, cp := range in.MultipartUpload.Parts {
		num := aws.ToInt32(cp.PartNumber)
		if num <= prev {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "parts must be ascending"}
		}
		prev = num
		part, ok := up.parts[num]
		if !ok || part.etag != aws.ToString(cp.ETag) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: "unknown part or etag"}
		}
		buf.Write(part.data)
	}

	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, preconditionFailed()
		}
	}
	f.objects[key] = newObject(buf.Bytes())
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{Key: in.Key}, nil
}

func (f *Fake) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.upload(aws.ToString(in.UploadId), aws.ToString(in.Key)); err != nil {
		return nil, err
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// Keys returns every stored object key in order.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores content at key directly.
func (f *Fake) Put(key, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = newObject([]byte(content))
}
