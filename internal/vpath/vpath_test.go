package vpath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"docs", "/docs"},
		{"/docs/", "/docs"},
		{"//docs///a.txt", "/docs/a.txt"},
		{"/docs/./a.txt", "/docs/a.txt"},
		{"/docs/../a.txt", "/a.txt"},
		{"../../etc/passwd", "/etc/passwd"},
		{"/../../..", "/"},
		{`\docs\sub\file.txt`, "/docs/sub/file.txt"},
		{`..\..\windows`, "/windows"},
		{"/a/b/../../../../c", "/c"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
		})
	}
}

func TestNormalizeNeverEscapes(t *testing.T) {
	inputs := []string{"..", "../..", "/..", "a/../../b", strings.Repeat("../", 50) + "x"}
	for _, in := range inputs {
		got := Normalize(in)
		assert.True(t, strings.HasPrefix(got, "/"), "input %q gave %q", in, got)
		assert.NotContains(t, got, "..")
	}
}

func TestIsTrash(t *testing.T) {
	assert.True(t, IsTrash("/.trash"))
	assert.True(t, IsTrash("/.trash/123-a-b"))
	assert.False(t, IsTrash("/.trashcan"))
	assert.False(t, IsTrash("/docs/.trash"))
	assert.False(t, IsTrash("/"))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/a", "/"))
	assert.True(t, Within("/a", "/a"))
	assert.True(t, Within("/a/b", "/a"))
	assert.False(t, Within("/ab", "/a"))
	assert.False(t, Within("/", "/a"))
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "/", Parent("/"))
	assert.Equal(t, "/", Parent("/docs"))
	assert.Equal(t, "/docs", Parent("/docs/a.txt"))
	assert.Equal(t, "", Base("/"))
	assert.Equal(t, "a.txt", Base("/docs/a.txt"))
	assert.Equal(t, "txt", Ext("/docs/A.TXT"))
	assert.Equal(t, "", Ext("/docs/Makefile"))
}

func TestValidName(t *testing.T) {
	assert.NoError(t, ValidName("report.pdf"))
	assert.NoError(t, ValidName(".hidden"))
	assert.Error(t, ValidName(""))
	assert.Error(t, ValidName("."))
	assert.Error(t, ValidName(".."))
	assert.Error(t, ValidName("a/b"))
	assert.Error(t, ValidName(`a\b`))
	assert.Error(t, ValidName("a\x00b"))
	assert.Error(t, ValidName(strings.Repeat("x", MaxNameLength+1)))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_file_.txt", SanitizeName("my file!.txt"))
	assert.Equal(t, "item", SanitizeName(""))
	assert.Len(t, SanitizeName(strings.Repeat("a", 200)), 64)
}

func TestRelTo(t *testing.T) {
	assert.Equal(t, "docs/a.txt", RelTo("/", "/docs/a.txt"))
	assert.Equal(t, "a.txt", RelTo("/docs", "/docs/a.txt"))
	assert.Equal(t, "sub/b", RelTo("/docs", "/docs/sub/b"))
}

func TestCommonParent(t *testing.T) {
	assert.Equal(t, "/", CommonParent(nil))
	assert.Equal(t, "/docs", CommonParent([]string{"/docs/a.txt"}))
	assert.Equal(t, "/docs", CommonParent([]string{"/docs/a.txt", "/docs/b"}))
	assert.Equal(t, "/docs", CommonParent([]string{"/docs/a.txt", "/docs/sub/c"}))
	assert.Equal(t, "/", CommonParent([]string{"/docs/a.txt", "/pics/b.png"}))
	assert.Equal(t, "/", CommonParent([]string{"/docs", "/docs/a.txt"}))
}
