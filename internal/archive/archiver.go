package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Archiver writes the entries at paths, relative to dir, to w.
type Archiver interface {
	Archive(ctx context.Context, w io.Writer, dir string, paths []string, format Format, mode Mode) error
}

// Default is the built-in zip and tar.gz archiver. Symlinks and other
// non-regular files are left out.
type Default struct{}

// Archive implements Archiver.
func (Default) Archive(ctx context.Context, w io.Writer, dir string, paths []string, format Format, mode Mode) error {
	switch format {
	case FormatZip:
		return writeZip(ctx, w, dir, paths, mode)
	case FormatTarGz:
		return writeTarGz(ctx, w, dir, paths, mode)
	}
	return fmt.Errorf("archive format %q: %w", format, errUnknownFormat)
}

// entryFunc receives each entry to add: its slash-separated archive name,
// its on-disk path and its info.
type entryFunc func(name, full string, info fs.FileInfo) error

// walk visits every selected path depth-first, directories before their
// contents.
func walk(ctx context.Context, dir string, paths []string, fn entryFunc) error {
	for _, rel := range paths {
		root := filepath.Join(dir, filepath.FromSlash(rel))
		err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			name, err := filepath.Rel(dir, full)
			if err != nil {
				return err
			}
			return fn(filepath.ToSlash(name), full, info)
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", rel, err)
		}
	}
	return nil
}

func copyFile(w io.Writer, full string) error {
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func writeZip(ctx context.Context, w io.Writer, dir string, paths []string, mode Mode) error {
	method := zip.Deflate
	if mode == ModeStore {
		method = zip.Store
	}

	zw := zip.NewWriter(w)
	err := walk(ctx, dir, paths, func(name, full string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
			hdr.Method = zip.Store
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = method
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyFile(fw, full)
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeTarGz(ctx context.Context, w io.Writer, dir string, paths []string, mode Mode) error {
	level := gzip.DefaultCompression
	if mode == ModeStore {
		level = gzip.NoCompression
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	err = walk(ctx, dir, paths, func(name, full string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		// Local account names mean nothing to the recipient.
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, full)
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
