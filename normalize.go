package ftpfs

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Visibility values understood by SetVisibility.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

var (
	pureFtpdEscaper = strings.NewReplacer("*", `\*`, "[", `\[`, "]", `\]`)
	globEscaper     = strings.NewReplacer("*", `\*`)
)

// Escape backslash-escapes the glob characters a server would otherwise
// expand in a path argument. Pure-FTPd also expands brackets.
func Escape(path string, pureFtpd bool) string {
	if path == "" {
		return ""
	}
	if pureFtpd {
		return pureFtpdEscaper.Replace(path)
	}
	return globEscaper.Replace(path)
}

// PermissionsToMode converts a listing permission string such as
// "-rw-r--r--" to its numeric mode, 0o644 in that case. The leading type
// character is ignored when present.
func PermissionsToMode(perms string) uint32 {
	if len(perms) >= 10 {
		perms = perms[1:]
	}
	var mode uint32
	for i := 0; i < 9 && i < len(perms); i += 3 {
		var digit uint32
		for _, ch := range perms[i:min(i+3, len(perms))] {
			switch ch {
			case 'r':
				digit += 4
			case 'w':
				digit += 2
			case 'x':
				digit++
			}
		}
		mode = mode<<3 | digit
	}
	return mode
}

// ComposePath joins a listing base and an entry name with exactly one slash.
func ComposePath(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + name
}

// Prefixer maps caller paths onto the server directory resolved at connect
// time.
type Prefixer struct {
	root      string
	normalize bool
}

// NewPrefixer returns a Prefixer rooted at root. With normalize set, non-ASCII
// paths are converted to NFC before they are sent.
func NewPrefixer(root string, normalize bool) *Prefixer {
	root = strings.TrimRight(root, "/")
	return &Prefixer{root: root, normalize: normalize}
}

// Root returns the resolved root without a trailing slash.
func (p *Prefixer) Root() string { return p.root }

// Prefix returns the server path of a caller path.
func (p *Prefixer) Prefix(path string) string {
	if p.normalize {
		path = norm.NFC.String(path)
	}
	return p.root + "/" + strings.TrimLeft(path, "/")
}

// Strip turns a server path back into a caller path.
func (p *Prefixer) Strip(location string) string {
	if p.root != "" {
		location = strings.TrimPrefix(location, p.root)
	}
	return strings.Trim(location, "/")
}

// VisibilityConverter translates between symbolic visibility and Unix modes.
type VisibilityConverter struct {
	FilePublic       uint32
	FilePrivate      uint32
	DirectoryPublic  uint32
	DirectoryPrivate uint32

	// Default is reported when a mode matches neither value.
	Default string
}

// NewVisibilityConverter returns the portable Unix mapping.
func NewVisibilityConverter() *VisibilityConverter {
	return &VisibilityConverter{
		FilePublic:       0o644,
		FilePrivate:      0o600,
		DirectoryPublic:  0o755,
		DirectoryPrivate: 0o700,
		Default:          VisibilityPublic,
	}
}

// ForFile returns the file mode for a visibility.
func (v *VisibilityConverter) ForFile(visibility string) (uint32, error) {
	return pick(visibility, v.FilePublic, v.FilePrivate)
}

// ForDirectory returns the directory mode for a visibility.
func (v *VisibilityConverter) ForDirectory(visibility string) (uint32, error) {
	return pick(visibility, v.DirectoryPublic, v.DirectoryPrivate)
}

func pick(visibility string, public, private uint32) (uint32, error) {
	switch visibility {
	case VisibilityPublic:
		return public, nil
	case VisibilityPrivate:
		return private, nil
	}
	return 0, fmt.Errorf("%w: %q", errUnsupportedVisibility, visibility)
}

// InverseForFile maps a file mode back to a visibility.
func (v *VisibilityConverter) InverseForFile(mode uint32) string {
	return v.inverse(mode, v.FilePublic, v.FilePrivate)
}

// InverseForDirectory maps a directory mode back to a visibility.
func (v *VisibilityConverter) InverseForDirectory(mode uint32) string {
	return v.inverse(mode, v.DirectoryPublic, v.DirectoryPrivate)
}

func (v *VisibilityConverter) inverse(mode, public, private uint32) string {
	switch mode {
	case public:
		return VisibilityPublic
	case private:
		return VisibilityPrivate
	}
	return v.Default
}
