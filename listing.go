package ftpfs

import (
	"bufio"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// EntryType distinguishes files from directories.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
)

func (t EntryType) String() string {
	if t == TypeDirectory {
		return "dir"
	}
	return "file"
}

// Entry is one file system object. Zero values mean "not known": a negative
// Size, an empty Visibility or MimeType, a zero LastModified.
type Entry struct {
	Path         string
	Type         EntryType
	Size         int64
	Mode         uint32
	Visibility   string
	LastModified time.Time
	MimeType     string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Type == TypeDirectory }

// Dialect is the listing grammar of a server.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectUnix
	DialectWindows
)

func (d Dialect) String() string {
	switch d {
	case DialectUnix:
		return "unix"
	case DialectWindows:
		return "windows"
	}
	return "unknown"
}

var (
	skipLineRegex   = regexp.MustCompile(`.* \.(\.)?$|^total`)
	headerLineRegex = regexp.MustCompile(`^.*:$`)
	windowsRegex    = regexp.MustCompile(`^[0-9]{2,4}-[0-9]{2}-[0-9]{2}`)
)

// detectDialect sniffs the grammar from one listing line.
func detectDialect(line string) Dialect {
	if windowsRegex.MatchString(line) {
		return DialectWindows
	}
	return DialectUnix
}

// LineParser turns one listing line into an Entry. The entry path is the
// name composed with base.
type LineParser interface {
	ParseLine(line, base string) (Entry, error)
}

// UnixParser parses "ls -l" style lines:
//
//	-rw-r--r-- 1 owner group 1234 Jan 5 10:30 file.txt
type UnixParser struct {
	// Timestamps enables deriving LastModified from the date columns.
	Timestamps bool
	Location   *time.Location
	Now        func() time.Time
	Visibility *VisibilityConverter
}

func (p *UnixParser) ParseLine(line, base string) (Entry, error) {
	fields := splitFields(line, 9)
	if len(fields) != 9 {
		return Entry{}, &ListingError{Line: line}
	}
	perms, size, month, day, timeOrYear, name := fields[0], fields[4], fields[5], fields[6], fields[7], fields[8]

	entry := Entry{
		Path: ComposePath(base, name),
		Mode: PermissionsToMode(perms),
		Size: -1,
	}
	vis := p.Visibility
	if vis == nil {
		vis = NewVisibilityConverter()
	}
	if strings.HasPrefix(perms, "d") {
		entry.Type = TypeDirectory
		entry.Visibility = vis.InverseForDirectory(entry.Mode)
	} else {
		entry.Size, _ = strconv.ParseInt(size, 10, 64)
		entry.Visibility = vis.InverseForFile(entry.Mode)
	}
	if p.Timestamps {
		entry.LastModified = unixTimestamp(month, day, timeOrYear, p.now(), p.loc())
	}
	return entry, nil
}

func (p *UnixParser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *UnixParser) loc() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

// unixTimestamp resolves the year-or-time column. A numeric column is a year
// at midnight; anything else is HH:MM in the current year. The result is zero
// when the columns do not form a date.
func unixTimestamp(month, day, timeOrYear string, now time.Time, loc *time.Location) time.Time {
	year := strconv.Itoa(now.In(loc).Year())
	hm := "00:00"
	if _, err := strconv.Atoi(timeOrYear); err == nil {
		year = timeOrYear
	} else {
		hm = timeOrYear
	}
	t, err := time.ParseInLocation("2006-Jan-2-15:04:05", year+"-"+month+"-"+day+"-"+hm+":00", loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DOSParser parses Windows IIS style lines:
//
//	01-05-24  10:30AM       <DIR>          sub
//	2024-01-05  10:30         1234 file.txt
type DOSParser struct {
	Location *time.Location
}

func (p *DOSParser) ParseLine(line, base string) (Entry, error) {
	fields := splitFields(line, 4)
	if len(fields) != 4 {
		return Entry{}, &ListingError{Line: line}
	}
	date, clock, size, name := fields[0], fields[1], fields[2], fields[3]

	entry := Entry{Path: ComposePath(base, name), Size: -1}
	if size == "<DIR>" {
		entry.Type = TypeDirectory
		return entry, nil
	}
	entry.Size, _ = strconv.ParseInt(size, 10, 64)
	entry.LastModified = dosTimestamp(date, clock, p.loc())
	return entry, nil
}

func (p *DOSParser) loc() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

func dosTimestamp(date, clock string, loc *time.Location) time.Time {
	layout := "2006-01-0215:04"
	if len(date) == 8 {
		layout = "01-02-0603:04PM"
	}
	if t, err := time.ParseInLocation(layout, date+strings.ToUpper(clock), loc); err == nil {
		return t
	}
	if t, err := dateparse.ParseIn(date+" "+clock, loc); err == nil {
		return t
	}
	return time.Time{}
}

// splitFields splits line on whitespace into at most n fields. Only the first
// n-1 runs of whitespace separate fields, so the last field keeps its inner
// spacing ("test  2.txt").
func splitFields(line string, n int) []string {
	fields := make([]string, 0, n)
	rest := strings.TrimSpace(line)
	for rest != "" && len(fields) < n-1 {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			break
		}
		fields = append(fields, rest[:i])
		rest = strings.TrimLeft(rest[i:], " \t")
	}
	if rest != "" {
		fields = append(fields, rest)
	}
	return fields
}

// ListingParser converts raw LIST output into entries. The dialect is shared
// with the session: it is sniffed from the first entry line ever parsed and
// kept afterwards.
type ListingParser struct {
	Dialect *Dialect
	Unix    LineParser
	Windows LineParser

	// Root is the resolved server root, stripped from absolute headers.
	Root string
}

// Parse yields the entries of raw relative to base. Parsing stops at the
// first malformed line, which is yielded as a *ListingError. Iterating twice
// parses raw again and yields the same sequence.
func (p *ListingParser) Parse(raw, base string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		current := strings.Trim(base, "/")
		sc := bufio.NewScanner(strings.NewReader(raw))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || skipLineRegex.MatchString(line) {
				continue
			}
			if headerLineRegex.MatchString(line) {
				current = rebase(p.Root, base, line)
				continue
			}
			entry, err := p.lineParser(line).ParseLine(line, current)
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}

func (p *ListingParser) lineParser(line string) LineParser {
	if *p.Dialect == DialectUnknown {
		*p.Dialect = detectDialect(line)
	}
	if *p.Dialect == DialectWindows {
		if p.Windows == nil {
			return &DOSParser{}
		}
		return p.Windows
	}
	if p.Unix == nil {
		return &UnixParser{}
	}
	return p.Unix
}

// rebase computes the base for entries following a recursive listing header
// such as "./sub/dir:". Absolute headers are made relative to root; relative
// headers that do not already name the listed path are joined to it.
func rebase(root, base, header string) string {
	base = strings.Trim(base, "/")
	dir := strings.TrimSuffix(header, ":")
	if dir == "." {
		return base
	}
	if strings.HasPrefix(dir, "/") {
		if root != "" && (dir == root || strings.HasPrefix(dir, root+"/")) {
			dir = dir[len(root):]
		}
		return strings.Trim(dir, "/")
	}
	dir = strings.Trim(strings.TrimPrefix(dir, "./"), "/")
	switch {
	case dir == "":
		return base
	case base == "", dir == base, strings.HasPrefix(dir, base+"/"):
		return dir
	}
	return ComposePath(base, dir)
}
