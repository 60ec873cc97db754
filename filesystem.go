package ftpfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Filesystem exposes file operations over FTP. It is safe for concurrent use;
// each call takes a session from a pool bounded by Config.Concurrency.
type Filesystem struct {
	cfg Config
	env
	pool *pool
}

// WriteOptions tune Write, WriteStream, Copy and CreateDirectory.
type WriteOptions struct {
	// Visibility is applied to the written file when set.
	Visibility string

	// DirectoryVisibility is applied to directories created on the way.
	DirectoryVisibility string
}

// New validates cfg and returns a Filesystem. No connection is made until the
// first operation.
//
// Example:
//
//	cfg := ftpfs.DefaultConfig()
//	cfg.Host = "ftp.example.com"
//	cfg.Username, cfg.Password = "user", "secret"
//	fsys, err := ftpfs.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fsys.Close()
func New(cfg Config, opts ...Option) (*Filesystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Filesystem{
		cfg: cfg,
		env: env{
			logger:     zap.NewNop(),
			now:        time.Now,
			visibility: NewVisibilityConverter(),
		},
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	f.pool = newPool(cfg.Concurrency, func() *Session {
		return newSession(f.cfg, f.env)
	})
	return f, nil
}

// Close disconnects every session.
func (f *Filesystem) Close() error {
	return f.pool.close()
}

// WithSession runs fn with exclusive use of a connected session.
func (f *Filesystem) WithSession(ctx context.Context, fn func(*Session) error) error {
	s, err := f.pool.get(ctx)
	if err != nil {
		return err
	}
	defer f.pool.put(s)
	return fn(s)
}

// Write stores contents at p, creating missing parent directories.
func (f *Filesystem) Write(ctx context.Context, p string, contents []byte, opts WriteOptions) error {
	return f.WriteStream(ctx, p, bytes.NewReader(contents), opts)
}

// WriteStream stores everything read from r at p.
func (f *Filesystem) WriteStream(ctx context.Context, p string, r io.Reader, opts WriteOptions) error {
	return f.withSession(ctx, ErrUnableToWrite, p, func(s *Session) error {
		return f.writeStream(ctx, s, p, r, opts)
	})
}

func (f *Filesystem) writeStream(ctx context.Context, s *Session, p string, r io.Reader, opts WriteOptions) error {
	if err := f.ensureParentDirectoryExists(ctx, s, p, opts.DirectoryVisibility); err != nil {
		return &OperationError{Kind: ErrUnableToWrite, Path: p, Reason: "creating parent directory failed", Err: err}
	}
	if _, err := s.transport.Execute(ctx, Options{OptUpload: r, OptRemotePath: s.location(p)}); err != nil {
		return &OperationError{Kind: ErrUnableToWrite, Path: p, Reason: s.transport.LastError().Message, Err: err}
	}
	if opts.Visibility != "" {
		if err := f.setVisibility(ctx, s, p, opts.Visibility); err != nil {
			return &OperationError{Kind: ErrUnableToWrite, Path: p, Reason: "setting visibility failed", Err: err}
		}
	}
	return nil
}

// Read returns the contents of p.
func (f *Filesystem) Read(ctx context.Context, p string) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.ReadStream(ctx, p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadStream copies the contents of p into w.
func (f *Filesystem) ReadStream(ctx context.Context, p string, w io.Writer) error {
	return f.withSession(ctx, ErrUnableToRead, p, func(s *Session) error {
		return f.readStream(ctx, s, p, w)
	})
}

func (f *Filesystem) readStream(ctx context.Context, s *Session, p string, w io.Writer) error {
	if _, err := s.transport.Execute(ctx, Options{OptDownload: w, OptRemotePath: s.location(p)}); err != nil {
		return &OperationError{Kind: ErrUnableToRead, Path: p, Reason: s.transport.LastError().Message, Err: err}
	}
	return nil
}

// Move renames source to destination with RNFR and RNTO on one connection.
func (f *Filesystem) Move(ctx context.Context, source, destination string) error {
	return f.withSession(ctx, ErrUnableToMove, source, func(s *Session) error {
		fail := func(reason string, err error) error {
			return &OperationError{Kind: ErrUnableToMove, Path: source, Destination: destination, Reason: reason, Err: err}
		}
		if err := f.ensureParentDirectoryExists(ctx, s, destination, ""); err != nil {
			return fail("creating parent directory failed", err)
		}
		reply, err := s.SendCommandSequence(ctx, []string{
			"RNFR " + s.location(source),
			"RNTO " + s.location(destination),
		})
		if err != nil {
			return fail("", err)
		}
		if reply.Code != 250 {
			return fail(reply.last(), nil)
		}
		return nil
	})
}

// Copy reads source and writes it to destination on the same session.
func (f *Filesystem) Copy(ctx context.Context, source, destination string, opts WriteOptions) error {
	return f.withSession(ctx, ErrUnableToCopy, source, func(s *Session) error {
		var buf bytes.Buffer
		if err := f.readStream(ctx, s, source, &buf); err != nil {
			return &OperationError{Kind: ErrUnableToCopy, Path: source, Destination: destination, Err: err}
		}
		if err := f.writeStream(ctx, s, destination, &buf, opts); err != nil {
			return &OperationError{Kind: ErrUnableToCopy, Path: source, Destination: destination, Err: err}
		}
		return nil
	})
}

// Delete removes the file p.
func (f *Filesystem) Delete(ctx context.Context, p string) error {
	return f.withSession(ctx, ErrUnableToDelete, p, func(s *Session) error {
		reply, err := s.SendCommand(ctx, "DELE "+s.location(p))
		if err != nil {
			return &OperationError{Kind: ErrUnableToDelete, Path: p, Err: err}
		}
		if reply.Code != 250 {
			return &OperationError{Kind: ErrUnableToDelete, Path: p, Reason: respondedWith(reply)}
		}
		return nil
	})
}

// CreateDirectory creates p with MKD. Missing parents are created first.
func (f *Filesystem) CreateDirectory(ctx context.Context, p string, opts WriteOptions) error {
	return f.withSession(ctx, ErrUnableToCreateDirectory, p, func(s *Session) error {
		if err := f.ensureParentDirectoryExists(ctx, s, p, opts.DirectoryVisibility); err != nil {
			return err
		}
		reply, err := s.SendCommand(ctx, "MKD "+s.location(p))
		if err != nil {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: p, Err: err}
		}
		if reply.Code != 257 {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: p, Reason: respondedWith(reply)}
		}
		if opts.DirectoryVisibility != "" {
			if err := f.chmodDirectory(ctx, s, p, opts.DirectoryVisibility); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteDirectory removes the empty directory p with RMD.
func (f *Filesystem) DeleteDirectory(ctx context.Context, p string) error {
	return f.withSession(ctx, ErrUnableToDeleteDirectory, p, func(s *Session) error {
		reply, err := s.SendCommand(ctx, "RMD "+s.location(p))
		if err != nil {
			return &OperationError{Kind: ErrUnableToDeleteDirectory, Path: p, Err: err}
		}
		if reply.Code != 250 {
			return &OperationError{Kind: ErrUnableToDeleteDirectory, Path: p, Reason: respondedWith(reply)}
		}
		return nil
	})
}

// SetVisibility changes the mode of file p to the one mapped from visibility.
func (f *Filesystem) SetVisibility(ctx context.Context, p, visibility string) error {
	return f.withSession(ctx, ErrUnableToSetVisibility, p, func(s *Session) error {
		return f.setVisibility(ctx, s, p, visibility)
	})
}

func (f *Filesystem) setVisibility(ctx context.Context, s *Session, p, visibility string) error {
	mode, err := f.visibility.ForFile(visibility)
	if err != nil {
		return &OperationError{Kind: ErrUnableToSetVisibility, Path: p, Reason: err.Error(), Err: err}
	}
	reply, err := f.chmod(ctx, s, p, mode)
	if err != nil {
		return &OperationError{Kind: ErrUnableToSetVisibility, Path: p, Err: err}
	}
	if reply.Code != 200 {
		return &OperationError{Kind: ErrUnableToSetVisibility, Path: p, Reason: respondedWith(reply)}
	}
	return nil
}

func (f *Filesystem) chmodDirectory(ctx context.Context, s *Session, p, visibility string) error {
	mode, err := f.visibility.ForDirectory(visibility)
	if err != nil {
		return &OperationError{Kind: ErrUnableToCreateDirectory, Path: p, Reason: err.Error(), Err: err}
	}
	reply, err := f.chmod(ctx, s, p, mode)
	if err != nil || reply.Code != 200 {
		return &OperationError{Kind: ErrUnableToCreateDirectory, Path: p, Reason: "unable to chmod the directory", Err: err}
	}
	return nil
}

func (f *Filesystem) chmod(ctx context.Context, s *Session, p string, mode uint32) (*Reply, error) {
	loc, err := s.escapedLocation(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.SendCommand(ctx, fmt.Sprintf("SITE CHMOD %o %s", mode, loc))
}

// ensureParentDirectoryExists creates the directory containing p, one
// segment at a time.
func (f *Filesystem) ensureParentDirectoryExists(ctx context.Context, s *Session, p, visibility string) error {
	dir := path.Dir(strings.Trim(p, "/"))
	if dir == "." || dir == "" {
		return nil
	}

	var current string
	for _, part := range strings.Split(dir, "/") {
		current = ComposePath(current, part)
		loc, err := s.escapedLocation(ctx, current)
		if err != nil {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: current, Err: err}
		}

		reply, err := s.SendCommand(ctx, "CWD "+loc)
		if err != nil {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: current, Err: err}
		}
		if reply.Code == 250 {
			continue
		}

		reply, err = s.SendCommand(ctx, "MKD "+loc)
		if err != nil {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: current, Err: err}
		}
		if reply.Code != 257 {
			return &OperationError{Kind: ErrUnableToCreateDirectory, Path: current, Reason: reply.Message}
		}
		if visibility != "" {
			if err := f.chmodDirectory(ctx, s, current, visibility); err != nil {
				return err
			}
		}
	}
	return nil
}

// FileExists reports whether p is a file whose size the server will report.
// Any failure, including a network error, reads as absent.
func (f *Filesystem) FileExists(ctx context.Context, p string) bool {
	_, err := f.FileSize(ctx, p)
	return err == nil
}

// FileSize returns an entry for p with Size set, using SIZE.
func (f *Filesystem) FileSize(ctx context.Context, p string) (Entry, error) {
	var entry Entry
	err := f.withSession(ctx, ErrUnableToRetrieveMetadata, p, func(s *Session) error {
		reply, err := f.metadataCommand(ctx, s, "SIZE", p, "file size")
		if err != nil {
			return err
		}
		size, perr := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
		if perr != nil {
			return metadataError(p, "file size", perr)
		}
		entry = Entry{Path: p, Type: TypeFile, Size: size}
		return nil
	})
	return entry, err
}

// LastModified returns an entry for p with LastModified set, using MDTM.
func (f *Filesystem) LastModified(ctx context.Context, p string) (Entry, error) {
	var entry Entry
	err := f.withSession(ctx, ErrUnableToRetrieveMetadata, p, func(s *Session) error {
		reply, err := f.metadataCommand(ctx, s, "MDTM", p, "last modified")
		if err != nil {
			return err
		}
		t, perr := parseMDTM(reply.Message)
		if perr != nil {
			return metadataError(p, "last modified", perr)
		}
		entry = Entry{Path: p, Type: TypeFile, Size: -1, LastModified: t}
		return nil
	})
	return entry, err
}

// metadataCommand sends "<cmd> <escaped location>" and requires 213.
func (f *Filesystem) metadataCommand(ctx context.Context, s *Session, cmd, p, what string) (*Reply, error) {
	loc, err := s.escapedLocation(ctx, p)
	if err != nil {
		return nil, metadataError(p, what, err)
	}
	reply, err := s.SendCommand(ctx, cmd+" "+loc)
	if err != nil {
		return nil, metadataError(p, what, err)
	}
	if reply.Code != 213 {
		return nil, &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: what + ": " + reply.last()}
	}
	return reply, nil
}

// parseMDTM parses "YYYYMMDDHHMMSS" with optional fractional seconds, in UTC.
func parseMDTM(msg string) (time.Time, error) {
	stamp := strings.TrimSpace(msg)
	if i := strings.IndexByte(stamp, ' '); i >= 0 {
		stamp = stamp[:i]
	}
	layout := "20060102150405"
	if strings.Contains(stamp, ".") {
		layout = "20060102150405.999999999"
	}
	t, err := time.ParseInLocation(layout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM timestamp %q: %w", stamp, err)
	}
	return t, nil
}

// MimeType returns an entry for p with MimeType set. The extension decides
// when it is known; otherwise the first bytes of the file are inspected.
func (f *Filesystem) MimeType(ctx context.Context, p string) (Entry, error) {
	if t := mimeTypeByExtension(p); t != "" {
		return Entry{Path: p, Type: TypeFile, Size: -1, MimeType: t}, nil
	}
	var entry Entry
	err := f.withSession(ctx, ErrUnableToRetrieveMetadata, p, func(s *Session) error {
		head := &headWriter{limit: sniffLimit}
		if err := f.readStream(ctx, s, p, head); err != nil {
			return metadataError(p, "mime type", err)
		}
		t := mimeTypeByContent(head.buf)
		if t == "" {
			return &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: "mime type: unknown extension"}
		}
		entry = Entry{Path: p, Type: TypeFile, Size: -1, MimeType: t}
		return nil
	})
	return entry, err
}

var statusPrefixRegex = regexp.MustCompile(`^[0-9]{3}[- ]`)

// Visibility returns an entry for file p with Visibility set. It reads the
// listing line embedded in a STAT reply.
func (f *Filesystem) Visibility(ctx context.Context, p string) (Entry, error) {
	var entry Entry
	err := f.withSession(ctx, ErrUnableToRetrieveMetadata, p, func(s *Session) error {
		loc, err := s.escapedLocation(ctx, p)
		if err != nil {
			return metadataError(p, "visibility", err)
		}
		reply, err := s.SendCommand(ctx, "STAT "+loc)
		if err != nil {
			return metadataError(p, "visibility", err)
		}
		if len(reply.Lines) < 2 {
			return &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: "visibility: " + reply.last()}
		}
		line := statusPrefixRegex.ReplaceAllString(reply.Lines[len(reply.Lines)-2], "")
		if strings.Contains(line, "ftpd:") {
			return &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: "visibility: " + line}
		}
		parsed, err := parseSingle(s.ListingParser(), line, path.Dir(p))
		if err != nil {
			return metadataError(p, "visibility", err)
		}
		if parsed.IsDir() {
			return &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: "visibility: path is a directory"}
		}
		entry = Entry{Path: p, Type: TypeFile, Size: -1, Visibility: parsed.Visibility, Mode: parsed.Mode}
		return nil
	})
	return entry, err
}

// Metadata returns the listing entry of p using LIST -A. The empty path is
// the root directory.
func (f *Filesystem) Metadata(ctx context.Context, p string) (Entry, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return Entry{Type: TypeDirectory, Size: -1}, nil
	}
	var entry Entry
	err := f.withSession(ctx, ErrUnableToRetrieveMetadata, p, func(s *Session) error {
		loc, err := s.escapedLocation(ctx, p)
		if err != nil {
			return metadataError(p, "metadata", err)
		}
		raw, err := s.transport.Execute(ctx, Options{OptCustomRequest: "LIST -A " + loc})
		if err != nil {
			return metadataError(p, "metadata", err)
		}
		s.settleDialect(string(raw))
		parsed, err := parseSingle(s.ListingParser(), string(raw), path.Dir(p))
		if err != nil {
			return metadataError(p, "metadata", err)
		}
		parsed.Path = p
		entry = parsed
		return nil
	})
	return entry, err
}

func parseSingle(parser *ListingParser, raw, base string) (Entry, error) {
	if base == "." {
		base = ""
	}
	for entry, err := range parser.Parse(raw, base) {
		return entry, err
	}
	return Entry{}, fmt.Errorf("no listing entry in %q", raw)
}

// ListContents lists p, descending into subdirectories when deep is set.
// Entries are produced lazily; iterating again issues new listing requests.
// A listing that cannot be fetched ends the sequence early without an error;
// a malformed listing line is yielded as a *ListingError.
func (f *Filesystem) ListContents(ctx context.Context, p string, deep bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		base := strings.Trim(p, "/")
		if deep && !f.cfg.RecurseManually {
			parser, raw, ok := f.fetchListing(ctx, "LIST -alnR", base)
			if !ok {
				return
			}
			for entry, err := range parser.Parse(raw, base) {
				if !yield(entry, err) || err != nil {
					return
				}
			}
			return
		}
		f.listDirectory(ctx, base, deep, yield)
	}
}

// listDirectory yields one directory and, when deep, its subdirectories
// depth first. It returns false once the consumer stops.
func (f *Filesystem) listDirectory(ctx context.Context, base string, deep bool, yield func(Entry, error) bool) bool {
	parser, raw, ok := f.fetchListing(ctx, "LIST -aln", base)
	if !ok {
		return true
	}
	for entry, err := range parser.Parse(raw, base) {
		if !yield(entry, err) || err != nil {
			return false
		}
		if deep && entry.IsDir() {
			if !f.listDirectory(ctx, entry.Path, deep, yield) {
				return false
			}
		}
	}
	return true
}

// fetchListing runs one listing command and returns its raw text with a
// parser detached from the session, so no session is held while the caller
// consumes entries.
func (f *Filesystem) fetchListing(ctx context.Context, cmd, base string) (*ListingParser, string, bool) {
	var (
		parser *ListingParser
		raw    string
	)
	err := f.WithSession(ctx, func(s *Session) error {
		loc, err := s.escapedLocation(ctx, base)
		if err != nil {
			return err
		}
		body, err := s.transport.Execute(ctx, Options{OptCustomRequest: cmd + " " + loc})
		if err != nil {
			return err
		}
		raw = string(body)
		dialect := s.settleDialect(raw)
		parser = s.listingParser(&dialect)
		return nil
	})
	if err != nil {
		f.logger.Warn("ftp listing failed", zap.String("path", base), zap.Error(err))
		return nil, "", false
	}
	return parser, raw, true
}

// withSession runs fn on a pooled session. A failure to obtain a connected
// session is reported as an OperationError of kind.
func (f *Filesystem) withSession(ctx context.Context, kind error, p string, fn func(*Session) error) error {
	s, err := f.pool.get(ctx)
	if err != nil {
		return &OperationError{Kind: kind, Path: p, Reason: err.Error(), Err: err}
	}
	defer f.pool.put(s)
	return fn(s)
}

func metadataError(p, what string, err error) error {
	return &OperationError{Kind: ErrUnableToRetrieveMetadata, Path: p, Reason: what, Err: err}
}

func respondedWith(reply *Reply) string {
	return "Server responded with code " + strconv.Itoa(reply.Code)
}
