// Package ftptest provides an in-process FTP server backed by memory, for
// tests of code that speaks FTP.
//
// It implements passive data connections (EPSV and PASV) and the commands an
// FTP client needs to store, fetch, list and manage files. Listing output can
// mimic a Unix server or a Windows IIS server, and any reply can be replaced
// through Options.Override.
package ftptest

import (
	"bufio"
	"fmt"
	"net"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// Options tune the behaviour of a Server.
type Options struct {
	// User and Password are the accepted credentials. An empty User accepts
	// any login.
	User     string
	Password string

	// Home is the directory a session starts in. It is created if missing.
	// Defaults to "/".
	Home string

	// Windows switches listings to the IIS "MM-DD-YY HH:MMAM" format.
	Windows bool

	// PureFtpd makes HELP identify the server as Pure-FTPd.
	PureFtpd bool

	// RefuseUTF8 rejects OPTS UTF8 ON.
	RefuseUTF8 bool

	// DisableEPSV answers EPSV with 502.
	DisableEPSV bool

	// AbsoluteHeaders makes recursive listings name subdirectories with
	// absolute paths ("/home/user/dir/sub:") instead of "./sub:".
	AbsoluteHeaders bool

	// Override is consulted before every command. A non-empty return is sent
	// verbatim as the reply (lines separated by "\r\n") and the command is
	// otherwise ignored.
	Override func(cmd string) string

	// Now is the clock used for modification times. Defaults to time.Now.
	Now func() time.Time
}

// Server is an in-memory FTP server listening on the loopback interface.
type Server struct {
	opts Options
	ln   net.Listener
	wg   sync.WaitGroup

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	modes    map[string]uint32
	mtimes   map[string]time.Time
	commands []string
	conns    map[net.Conn]struct{}
	closed   bool
}

// Start listens on 127.0.0.1 with a random port and serves until Close.
func Start(opts Options) (*Server, error) {
	if opts.Home == "" {
		opts.Home = "/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s := &Server{
		opts:   opts,
		ln:     ln,
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
		modes:  make(map[string]uint32),
		mtimes: make(map[string]time.Time),
		conns:  make(map[net.Conn]struct{}),
	}
	s.MkdirAll(opts.Home)

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns "host:port".
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting, drops every session and waits for them to end.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).run()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Commands returns every command line received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Connections returns the number of open control connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

// WriteFile stores data at the absolute path p, creating parent directories.
func (s *Server) WriteFile(p string, data []byte) {
	p = path.Clean("/" + p)
	s.MkdirAll(path.Dir(p))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = slices.Clone(data)
	s.mtimes[p] = s.opts.Now()
	if _, ok := s.modes[p]; !ok {
		s.modes[p] = 0o644
	}
}

// ReadFile returns the contents of the file at p.
func (s *Server) ReadFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path.Clean("/"+p)]
	return slices.Clone(data), ok
}

// MkdirAll creates the directory p and its parents.
func (s *Server) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p = path.Clean("/" + p); p != "/"; p = path.Dir(p) {
		if !s.dirs[p] {
			s.dirs[p] = true
			s.modes[p] = 0o755
			s.mtimes[p] = s.opts.Now()
		}
	}
}

// IsDir reports whether p is a directory.
func (s *Server) IsDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean("/"+p)]
}

// Exists reports whether p is a file or a directory.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(path.Clean("/" + p))
}

// Mode returns the permission bits of p.
func (s *Server) Mode(p string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[path.Clean("/"+p)]
}

// SetMode changes the permission bits of p.
func (s *Server) SetMode(p string, mode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[path.Clean("/"+p)] = mode
}

// SetModTime changes the modification time of p.
func (s *Server) SetModTime(p string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtimes[path.Clean("/"+p)] = t
}

func (s *Server) existsLocked(p string) bool {
	_, isFile := s.files[p]
	return isFile || s.dirs[p]
}

// children returns the sorted direct children of dir. The caller holds mu.
func (s *Server) childrenLocked(dir string) []string {
	var out []string
	for p := range s.files {
		if path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	for p := range s.dirs {
		if p != "/" && path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// renameLocked moves a file or a directory tree from src to dst.
func (s *Server) renameLocked(src, dst string) {
	move := func(p string) string {
		if p == src {
			return dst
		}
		return dst + strings.TrimPrefix(p, src)
	}
	under := func(p string) bool {
		return p == src || strings.HasPrefix(p, src+"/")
	}
	for p, data := range s.files {
		if under(p) {
			delete(s.files, p)
			s.files[move(p)] = data
		}
	}
	for p := range s.dirs {
		if under(p) {
			delete(s.dirs, p)
			s.dirs[move(p)] = true
		}
	}
	for p, m := range s.modes {
		if under(p) {
			delete(s.modes, p)
			s.modes[move(p)] = m
		}
	}
	for p, t := range s.mtimes {
		if under(p) {
			delete(s.mtimes, p)
			s.mtimes[move(p)] = t
		}
	}
}

// reply writes lines to w, terminated with CRLF.
func reply(w *bufio.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\r\n", args...)
	w.Flush()
}
