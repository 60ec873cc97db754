package ftpfs

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLimit is how much of a file is read to guess its type from content.
const sniffLimit = 3072

// mimeTypeByExtension returns the media type registered for the extension of
// p without parameters, or "".
func mimeTypeByExtension(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mediaType
}

// mimeTypeByContent guesses the media type of head. Results that carry no
// information beyond "some bytes" or "some text" count as unknown.
func mimeTypeByContent(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	m := mimetype.Detect(head)
	if m.Is("application/octet-stream") || m.Is("text/plain") {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return ""
	}
	return mediaType
}

// headWriter keeps the first limit bytes written to it and discards the rest.
type headWriter struct {
	buf   []byte
	limit int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
