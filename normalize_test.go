package ftpfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

func TestEscape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path     string
		pureFtpd bool
		want     string
	}{
		{path: "", want: ""},
		{path: "/a/b.txt", want: "/a/b.txt"},
		{path: "/a/*.txt", want: `/a/\*.txt`},
		{path: "/a/[1].txt", want: "/a/[1].txt"},
		{path: "/a/[1]*.txt", pureFtpd: true, want: `/a/\[1\]\*.txt`},
		{path: "", pureFtpd: true, want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Escape(tt.path, tt.pureFtpd), tt.path)
	}
}

func TestPermissionsToMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		perms string
		want  uint32
	}{
		{perms: "-rw-r--r--", want: 0o644},
		{perms: "drwxr-xr-x", want: 0o755},
		{perms: "-rw-------", want: 0o600},
		{perms: "rwx------", want: 0o700},
		{perms: "-rwxrwxrwx+", want: 0o777},
		{perms: "----------", want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PermissionsToMode(tt.perms), tt.perms)
	}
}

func TestComposePath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a.txt", ComposePath("", "a.txt"))
	assert.Equal(t, "dir/a.txt", ComposePath("dir", "a.txt"))
	assert.Equal(t, "dir/a.txt", ComposePath("dir/", "a.txt"))
}

func TestPrefixer(t *testing.T) {
	t.Parallel()

	p := NewPrefixer("/home/user/", false)
	assert.Equal(t, "/home/user", p.Root())
	assert.Equal(t, "/home/user/a/b.txt", p.Prefix("a/b.txt"))
	assert.Equal(t, "/home/user/a/b.txt", p.Prefix("/a/b.txt"))
	assert.Equal(t, "a/b.txt", p.Strip("/home/user/a/b.txt"))

	root := NewPrefixer("/", false)
	assert.Equal(t, "", root.Root())
	assert.Equal(t, "/x", root.Prefix("x"))
	assert.Equal(t, "x", root.Strip("/x"))
}

func TestPrefixer_NormalizesToNFC(t *testing.T) {
	t.Parallel()
	decomposed := norm.NFD.String("é.txt")
	require.NotEqual(t, "é.txt", decomposed)

	assert.Equal(t, "/r/é.txt", NewPrefixer("/r", true).Prefix(decomposed))
	assert.Equal(t, "/r/"+decomposed, NewPrefixer("/r", false).Prefix(decomposed))
}

func TestVisibilityConverter(t *testing.T) {
	t.Parallel()
	v := NewVisibilityConverter()

	mode, err := v.ForFile(VisibilityPublic)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o644), mode)

	mode, err = v.ForFile(VisibilityPrivate)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), mode)

	mode, err = v.ForDirectory(VisibilityPublic)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o755), mode)

	mode, err = v.ForDirectory(VisibilityPrivate)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o700), mode)

	_, err = v.ForFile("secret")
	assert.ErrorIs(t, err, errUnsupportedVisibility)

	assert.Equal(t, VisibilityPrivate, v.InverseForFile(0o600))
	assert.Equal(t, VisibilityPublic, v.InverseForFile(0o644))
	assert.Equal(t, VisibilityPublic, v.InverseForFile(0o640), "unknown modes fall back to the default")
	assert.Equal(t, VisibilityPrivate, v.InverseForDirectory(0o700))

	v.Default = VisibilityPrivate
	assert.Equal(t, VisibilityPrivate, v.InverseForDirectory(0o750))
}
