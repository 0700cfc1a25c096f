// Package archive builds zip and tar.gz archives of a selection of paths.
// Large selections are stored uncompressed to bound CPU cost.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

// Format is an archive container format.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// Mode selects the compression applied inside the container.
type Mode string

const (
	ModeCompress Mode = "compress"
	ModeStore    Mode = "store"
)

// DefaultStoreCutoff is the selection size at which archives switch to store mode.
const DefaultStoreCutoff = 512 * 1024 * 1024

var errUnknownFormat = storage.ErrInvalidFormat

// ParseFormat maps a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar.gz", "tgz", "targz":
		return FormatTarGz, nil
	}
	return "", fmt.Errorf("archive format %q: %w", s, storage.ErrInvalidFormat)
}

// Extension returns the file name suffix for f.
func (f Format) Extension() string {
	if f == FormatTarGz {
		return ".tar.gz"
	}
	return ".zip"
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatTarGz {
		return "application/gzip"
	}
	return "application/zip"
}

// Config holds builder settings. Zero values select the defaults.
type Config struct {
	// StoreCutoff switches to store mode once the selection reaches this
	// many bytes. Negative disables store mode.
	StoreCutoff int64
	ScratchDir  string
	Archiver    Archiver
}

// Builder validates selections and streams them through an Archiver.
type Builder struct {
	archiver Archiver
	cutoff   int64
	scratch  string
}

// NewBuilder creates a builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.StoreCutoff == 0 {
		cfg.StoreCutoff = DefaultStoreCutoff
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Archiver == nil {
		cfg.Archiver = Default{}
	}
	return &Builder{archiver: cfg.Archiver, cutoff: cfg.StoreCutoff, scratch: cfg.ScratchDir}
}

// Job is a validated selection ready to be written.
type Job struct {
	fsys   storage.FS
	Base   string
	Paths  []string
	Format Format
	Mode   Mode
	Size   int64
}

// FileName suggests a download name for the archive.
func (j *Job) FileName() string {
	name := "archive"
	switch {
	case len(j.Paths) == 1:
		name = vpath.Base(j.Paths[0])
	case !vpath.IsRoot(j.Base):
		name = vpath.Base(j.Base)
	}
	return name + j.Format.Extension()
}

// Prepare validates every path before anything is written: a single
// missing or escaping path fails the whole request.
func (b *Builder) Prepare(ctx context.Context, fsys storage.FS, paths []string, format string) (*Job, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths selected: %w", storage.ErrInvalidOperation)
	}

	selected := make([]string, 0, len(paths))
	infos := make(map[string]*storage.Info, len(paths))
	for _, raw := range paths {
		p := vpath.Normalize(raw)
		if vpath.IsRoot(p) {
			return nil, fmt.Errorf("cannot archive the root: %w", storage.ErrInvalidOperation)
		}
		if _, dup := infos[p]; dup {
			continue
		}
		info, err := fsys.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		infos[p] = info
		selected = append(selected, p)
	}
	selected = dropNested(selected)

	var size int64
	for _, p := range selected {
		if b.cutoff > 0 && size >= b.cutoff {
			break
		}
		info := infos[p]
		if info.Type == storage.TypeFile {
			size += info.Size
			continue
		}
		var limit int64
		if b.cutoff > 0 {
			limit = b.cutoff - size
		}
		n, err := fsys.DiskUsage(ctx, p, limit)
		if err != nil {
			return nil, err
		}
		size += n
	}

	mode := ModeCompress
	if b.cutoff > 0 && size >= b.cutoff {
		mode = ModeStore
	}
	return &Job{
		fsys:   fsys,
		Base:   vpath.CommonParent(selected),
		Paths:  selected,
		Format: f,
		Mode:   mode,
		Size:   size,
	}, nil
}

// dropNested removes paths that lie inside another selected path so no
// entry is archived twice.
func dropNested(paths []string) []string {
	out := paths[:0:0]
	for _, p := range paths {
		nested := false
		for _, q := range paths {
			if q != p && vpath.Within(p, q) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, p)
		}
	}
	return out
}

// Staged is a job whose content has been materialized and is ready to be
// streamed. Close must always be called.
type Staged struct {
	b       *Builder
	job     *Job
	staging *storage.Staging
	start   time.Time
}

// Stage materializes the job. Every storage failure surfaces here, before
// the caller has written anything to its client.
func (b *Builder) Stage(ctx context.Context, job *Job) (*Staged, error) {
	start := time.Now()
	staging, err := job.fsys.Stage(ctx, job.Base, job.Paths, b.scratch)
	if err != nil {
		metrics.RecordArchive(string(job.Format), string(job.Mode), time.Since(start), false)
		return nil, err
	}
	return &Staged{b: b, job: job, staging: staging, start: start}, nil
}

// Job returns the selection being archived.
func (s *Staged) Job() *Job { return s.job }

// Write streams the archive to w.
func (s *Staged) Write(ctx context.Context, w io.Writer) (err error) {
	job := s.job
	defer func() {
		metrics.RecordArchive(string(job.Format), string(job.Mode), time.Since(s.start), err == nil)
	}()

	if err := s.b.archiver.Archive(ctx, w, s.staging.Dir, s.staging.Paths, job.Format, job.Mode); err != nil {
		if errors.Is(err, storage.ErrInvalidFormat) {
			return err
		}
		return fmt.Errorf("build archive: %w: %w", storage.ErrInternal, err)
	}

	logging.Info("archive built",
		zap.String("format", string(job.Format)),
		zap.String("mode", string(job.Mode)),
		zap.Int("paths", len(job.Paths)),
		zap.Int64("selected_bytes", job.Size),
		zap.Duration("duration", time.Since(s.start)))
	return nil
}

// Close removes the staging area.
func (s *Staged) Close() error {
	if err := s.staging.Cleanup(); err != nil {
		logging.Warn("failed to remove archive staging area", zap.String("dir", s.staging.Dir), zap.Error(err))
		return err
	}
	return nil
}

// Write stages the job and streams the archive to w. The staging area is
// removed whether or not archiving succeeds.
func (b *Builder) Write(ctx context.Context, job *Job, w io.Writer) error {
	staged, err := b.Stage(ctx, job)
	if err != nil {
		return err
	}
	defer staged.Close()
	return staged.Write(ctx, w)
}

// Build prepares and writes in one step.
func (b *Builder) Build(ctx context.Context, fsys storage.FS, paths []string, format string, w io.Writer) (*Job, error) {
	job, err := b.Prepare(ctx, fsys, paths, format)
	if err != nil {
		return nil, err
	}
	return job, b.Write(ctx, job, w)
}
