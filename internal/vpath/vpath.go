// Package vpath normalizes user-supplied virtual paths.
//
// A virtual path is always slash-rooted, never contains "." or ".."
// segments and has no trailing slash except for the root itself.
package vpath

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Root is the virtual root.
const Root = "/"

// TrashDir is the reserved subtree holding soft-deleted items.
const TrashDir = "/.trash"

// MaxNameLength is the longest accepted single path segment, in bytes.
const MaxNameLength = 255

// Normalize converts raw into a canonical virtual path. It never fails:
// ".." segments that would climb above the root are absorbed.
func Normalize(raw string) string {
	p := strings.ReplaceAll(raw, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		return Root
	}
	return p
}

// IsRoot reports whether p is the virtual root.
func IsRoot(p string) bool {
	return p == Root
}

// IsTrash reports whether p is the trash directory or lies below it.
func IsTrash(p string) bool {
	return Within(p, TrashDir)
}

// Within reports whether child equals parent or is nested under it.
// Both arguments must already be normalized.
func Within(child, parent string) bool {
	if parent == Root {
		return true
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}

// Rel strips the leading slash, so the root becomes "".
func Rel(p string) string {
	return strings.TrimPrefix(p, "/")
}

// Join appends name to dir and normalizes the result.
func Join(dir, name string) string {
	return Normalize(dir + "/" + name)
}

// Parent returns the parent directory of p. The parent of the root is the root.
func Parent(p string) string {
	if p == Root {
		return Root
	}
	return Normalize(path.Dir(p))
}

// Base returns the last segment of p, or "" for the root.
func Base(p string) string {
	if p == Root {
		return ""
	}
	return path.Base(p)
}

// Ext returns the lower-cased extension of p without the dot.
func Ext(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(Base(p)), "."))
}

// ValidName checks that name can be used as a single path segment.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	case len(name) > MaxNameLength:
		return fmt.Errorf("name exceeds %d bytes", MaxNameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("name %q contains a separator or NUL byte", name)
	case !utf8.ValidString(name):
		return fmt.Errorf("name is not valid UTF-8")
	}
	return nil
}

// SanitizeName reduces name to a short token safe for use inside generated
// file names: anything outside [A-Za-z0-9._-] becomes '_'.
func SanitizeName(name string) string {
	const max = 64
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= max {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "item"
	}
	return b.String()
}

// RelTo returns p relative to the directory base, without a leading slash.
// p must be inside base.
func RelTo(base, p string) string {
	if IsRoot(base) {
		return Rel(p)
	}
	return strings.TrimPrefix(p, base+"/")
}

// CommonParent returns the deepest directory containing every path's parent.
func CommonParent(paths []string) string {
	if len(paths) == 0 {
		return Root
	}
	common := Parent(paths[0])
	for _, p := range paths[1:] {
		for !IsRoot(common) && (!Within(p, common) || p == common) {
			common = Parent(common)
		}
	}
	return common
}
