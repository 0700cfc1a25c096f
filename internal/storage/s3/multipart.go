package s3

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

// uploadKey returns the destination key recorded in h.
func (f *s3FS) uploadKey(h storage.UploadHandle) (string, string, error) {
	vp, err := storage.CheckAccess(h.Key, f.opts)
	if err != nil {
		return "", "", err
	}
	if vpath.IsRoot(vp) {
		return "", "", fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}
	if h.Ref == "" {
		return "", "", fmt.Errorf("upload without id: %w", storage.ErrNotFound)
	}
	return vp, f.key(vp), nil
}

// CreateUpload starts a multipart upload for dest.
func (f *s3FS) CreateUpload(ctx context.Context, dest string) (storage.UploadHandle, error) {
	vp, err := storage.CheckAccess(dest, f.opts)
	if err != nil {
		return storage.UploadHandle{}, err
	}
	if vpath.IsRoot(vp) {
		return storage.UploadHandle{}, fmt.Errorf("%s: %w", vp, storage.ErrNotAFile)
	}

	k := f.key(vp)
	start := time.Now()
	out, err := f.b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(f.b.bucket),
		Key:    aws.String(k),
	})
	observe("create_multipart_upload", start, err)
	if err != nil {
		return storage.UploadHandle{}, internalErr("create multipart upload", k, err)
	}
	return storage.UploadHandle{Key: vp, Ref: aws.ToString(out.UploadId)}, nil
}

// PutPart uploads one part. S3 keeps only the latest body per part number.
func (f *s3FS) PutPart(ctx context.Context, h storage.UploadHandle, part int, r io.Reader, size int64) error {
	if part < 1 || part > storage.MaxParts {
		return fmt.Errorf("part %d out of range: %w", part, storage.ErrInvalidOperation)
	}
	_, k, err := f.uploadKey(h)
	if err != nil {
		return err
	}

	body, n, cleanup, err := seekable(r, size)
	if err != nil {
		return internalErr("spool part of", k, err)
	}
	defer cleanup()

	start := time.Now()
	_, err = f.b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(f.b.bucket),
		Key:           aws.String(k),
		UploadId:      aws.String(h.Ref),
		PartNumber:    aws.Int32(int32(part)),
		Body:          body,
		ContentLength: aws.Int64(n),
	})
	observe("upload_part", start, err)
	if err != nil {
		if isNoSuchUpload(err) {
			return fmt.Errorf("upload %s: %w", h.Ref, storage.ErrNotFound)
		}
		return internalErr(fmt.Sprintf("upload part %d of", part), k, err)
	}
	return nil
}

func (f *s3FS) listParts(ctx context.Context, h storage.UploadHandle) ([]types.Part, error) {
	_, k, err := f.uploadKey(h)
	if err != nil {
		return nil, err
	}

	var parts []types.Part
	paginator := s3.NewListPartsPaginator(f.b.client, &s3.ListPartsInput{
		Bucket:   aws.String(f.b.bucket),
		Key:      aws.String(k),
		UploadId: aws.String(h.Ref),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_parts", start, err)
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, fmt.Errorf("upload %s: %w", h.Ref, storage.ErrNotFound)
			}
			return nil, internalErr("list parts of", k, err)
		}
		parts = append(parts, page.Parts...)
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

// ListParts returns the part numbers S3 holds for h, ascending.
func (f *s3FS) ListParts(ctx context.Context, h storage.UploadHandle) ([]int, error) {
	parts, err := f.listParts(ctx, h)
	if err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		nums = append(nums, int(aws.ToInt32(p.PartNumber)))
	}
	return nums, nil
}

// CompleteUpload asks S3 to assemble parts 1..totalParts in ascending order.
func (f *s3FS) CompleteUpload(ctx context.Context, h storage.UploadHandle, totalParts int, overwrite bool) error {
	if totalParts < 1 || totalParts > storage.MaxParts {
		return fmt.Errorf("total parts %d out of range: %w", totalParts, storage.ErrInvalidOperation)
	}
	vp, k, err := f.uploadKey(h)
	if err != nil {
		return err
	}
	parts, err := f.listParts(ctx, h)
	if err != nil {
		return err
	}

	have := make([]int, 0, len(parts))
	completed := make([]types.CompletedPart, 0, totalParts)
	for _, p := range parts {
		num := int(aws.ToInt32(p.PartNumber))
		have = append(have, num)
		if num <= totalParts {
			completed = append(completed, types.CompletedPart{
				ETag:       p.ETag,
				PartNumber: p.PartNumber,
			})
		}
	}
	if missing := storage.MissingParts(have, totalParts); len(missing) > 0 {
		return fmt.Errorf("%d of %d parts missing: %w", len(missing), totalParts, storage.ErrIncomplete)
	}

	if err := f.checkTarget(ctx, vp, overwrite, storage.ErrConflict); err != nil {
		return err
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(f.b.bucket),
		Key:             aws.String(k),
		UploadId:        aws.String(h.Ref),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	start := time.Now()
	_, err = f.b.client.CompleteMultipartUpload(ctx, input)
	observe("complete_multipart_upload", start, err)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			return fmt.Errorf("%s: %w", vp, storage.ErrConflict)
		case isNoSuchUpload(err):
			return fmt.Errorf("upload %s: %w", h.Ref, storage.ErrNotFound)
		}
		return internalErr("complete multipart upload", k, err)
	}

	logging.Debug("S3 multipart upload completed", zap.String("key", k), zap.Int("parts", totalParts))
	return nil
}

// AbortUpload discards the multipart upload. Unknown uploads are ignored.
func (f *s3FS) AbortUpload(ctx context.Context, h storage.UploadHandle) error {
	_, k, err := f.uploadKey(h)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = f.b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(f.b.bucket),
		Key:      aws.String(k),
		UploadId: aws.String(h.Ref),
	})
	observe("abort_multipart_upload", start, err)
	if err != nil && !isNoSuchUpload(err) {
		return internalErr("abort multipart upload", k, err)
	}
	return nil
}
