package ftptest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

const dataTimeout = 5 * time.Second

var unescaper = strings.NewReplacer(`\*`, `*`, `\[`, `[`, `\]`, `]`)

// session is one control connection.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	user       string
	loggedIn   bool
	cwd        string
	renameFrom string

	pasv       net.Listener
	activeAddr string
}

// commandHandlers maps FTP commands to their handlers. USER, PASS and QUIT
// are handled in run.
var commandHandlers = map[string]func(*session, string){
	"NOOP": (*session).handleNOOP,
	"TYPE": (*session).handleTYPE,
	"OPTS": (*session).handleOPTS,
	"HELP": (*session).handleHELP,
	"PWD":  (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"STAT": (*session).handleSTAT,
	"SITE": (*session).handleSITE,
	"EPSV": (*session).handleEPSV,
	"PASV": (*session).handlePASV,
	"PORT": (*session).handlePORT,
	"EPRT": (*session).handleEPRT,
	"LIST": (*session).handleLIST,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cwd:    path.Clean("/" + s.opts.Home),
	}
}

func (ss *session) run() {
	defer ss.conn.Close()
	defer ss.closePassive()

	ss.reply("220 ftptest ready")
	for {
		line, err := ss.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		ss.server.record(line)

		if o := ss.server.opts.Override; o != nil {
			if r := o(line); r != "" {
				ss.reply("%s", r)
				continue
			}
		}

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		switch verb {
		case "QUIT":
			ss.reply("221 Goodbye.")
			return
		case "USER":
			ss.user = arg
			ss.reply("331 Please specify the password.")
			continue
		case "PASS":
			opts := ss.server.opts
			if opts.User != "" && (ss.user != opts.User || arg != opts.Password) {
				ss.reply("530 Login incorrect.")
				continue
			}
			ss.loggedIn = true
			ss.reply("230 Login successful.")
			continue
		}

		if !ss.loggedIn {
			ss.reply("530 Please login with USER and PASS.")
			continue
		}
		handler, ok := commandHandlers[verb]
		if !ok {
			ss.reply("502 Command not implemented.")
			continue
		}
		handler(ss, arg)
	}
}

func (ss *session) reply(format string, args ...any) {
	reply(ss.writer, format, args...)
}

// resolve turns a command argument into a clean absolute path.
func (ss *session) resolve(arg string) string {
	arg = unescaper.Replace(arg)
	if arg == "" {
		return ss.cwd
	}
	if !strings.HasPrefix(arg, "/") {
		arg = ss.cwd + "/" + arg
	}
	return path.Clean(arg)
}

func (ss *session) handleNOOP(string) { ss.reply("200 NOOP ok.") }

func (ss *session) handleTYPE(arg string) {
	ss.reply("200 Switching to %s mode.", strings.ToUpper(arg))
}

func (ss *session) handleOPTS(arg string) {
	if strings.EqualFold(arg, "UTF8 ON") {
		if ss.server.opts.RefuseUTF8 {
			ss.reply("504 UTF-8 is not supported.")
			return
		}
		ss.reply("200 Always in UTF8 mode.")
		return
	}
	ss.reply("501 Option not understood.")
}

func (ss *session) handleHELP(string) {
	if ss.server.opts.PureFtpd {
		ss.reply("214-The following SITE commands are recognized\r\n ALIAS\r\n CHMOD\r\n IDLE\r\n UTIME\r\n214 Pure-FTPd - http://pureftpd.org/")
		return
	}
	ss.reply("214-The following commands are recognized.\r\n CWD DELE LIST MKD PWD RETR STOR\r\n214 Help OK.")
}

func (ss *session) handlePWD(string) {
	ss.reply(`257 "%s" is the current directory`, strings.ReplaceAll(ss.cwd, `"`, `""`))
}

func (ss *session) handleCWD(arg string) {
	p := ss.resolve(arg)
	if !ss.server.IsDir(p) {
		ss.reply("550 Failed to change directory.")
		return
	}
	ss.cwd = p
	ss.reply("250 Directory successfully changed.")
}

func (ss *session) handleMKD(arg string) {
	p := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsLocked(p) || !s.dirs[path.Dir(p)] {
		ss.reply("550 Create directory operation failed.")
		return
	}
	s.dirs[p] = true
	s.modes[p] = 0o755
	s.mtimes[p] = s.opts.Now()
	ss.reply(`257 "%s" created`, strings.ReplaceAll(p, `"`, `""`))
}

func (ss *session) handleRMD(arg string) {
	p := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == "/" || !s.dirs[p] || len(s.childrenLocked(p)) > 0 {
		ss.reply("550 Remove directory operation failed.")
		return
	}
	delete(s.dirs, p)
	delete(s.modes, p)
	delete(s.mtimes, p)
	ss.reply("250 Remove directory operation successful.")
}

func (ss *session) handleDELE(arg string) {
	p := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		ss.reply("550 Delete operation failed.")
		return
	}
	delete(s.files, p)
	delete(s.modes, p)
	delete(s.mtimes, p)
	ss.reply("250 Delete operation successful.")
}

func (ss *session) handleRNFR(arg string) {
	p := ss.resolve(arg)
	if !ss.server.Exists(p) || p == "/" {
		ss.renameFrom = ""
		ss.reply("550 RNFR command failed.")
		return
	}
	ss.renameFrom = p
	ss.reply("350 Ready for RNTO.")
}

func (ss *session) handleRNTO(arg string) {
	src := ss.renameFrom
	ss.renameFrom = ""
	if src == "" {
		ss.reply("503 RNFR required first.")
		return
	}
	dst := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirs[path.Dir(dst)] || strings.HasPrefix(dst, src+"/") {
		ss.reply("553 Rename failed.")
		return
	}
	s.renameLocked(src, dst)
	ss.reply("250 Rename successful.")
}

func (ss *session) handleSIZE(arg string) {
	data, ok := ss.server.ReadFile(ss.resolve(arg))
	if !ok {
		ss.reply("550 Could not get file size.")
		return
	}
	ss.reply("213 %d", len(data))
}

func (ss *session) handleMDTM(arg string) {
	p := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	_, ok := s.files[p]
	t := s.mtimes[p]
	s.mu.Unlock()
	if !ok {
		ss.reply("550 Could not get file modification time.")
		return
	}
	ss.reply("213 %s", t.UTC().Format("20060102150405"))
}

func (ss *session) handleSTAT(arg string) {
	p := ss.resolve(arg)
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(p) {
		ss.reply("550 No such file or directory.")
		return
	}
	lines := []string{ss.entryLineLocked(p, path.Base(p), true)}
	if s.dirs[p] {
		lines = lines[:0]
		for _, c := range s.childrenLocked(p) {
			lines = append(lines, ss.entryLineLocked(c, path.Base(c), true))
		}
	}
	ss.reply("213-Status follows:\r\n%s\r\n213 End of status", strings.Join(lines, "\r\n"))
}

func (ss *session) handleSITE(arg string) {
	parts := strings.SplitN(arg, " ", 3)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "CHMOD") {
		ss.reply("500 Unknown SITE command.")
		return
	}
	mode, err := strconv.ParseUint(parts[1], 8, 32)
	if err != nil {
		ss.reply("501 Invalid mode.")
		return
	}
	p := ss.resolve(parts[2])
	s := ss.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(p) {
		ss.reply("550 SITE CHMOD command failed.")
		return
	}
	s.modes[p] = uint32(mode)
	ss.reply("200 SITE CHMOD command ok.")
}

func (ss *session) listenPassive() (*net.TCPAddr, error) {
	ss.closePassive()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ss.pasv = ln
	return ln.Addr().(*net.TCPAddr), nil
}

func (ss *session) closePassive() {
	if ss.pasv != nil {
		ss.pasv.Close()
		ss.pasv = nil
	}
}

func (ss *session) handleEPSV(string) {
	if ss.server.opts.DisableEPSV {
		ss.reply("502 EPSV not implemented.")
		return
	}
	addr, err := ss.listenPassive()
	if err != nil {
		ss.reply("425 Cannot open passive connection.")
		return
	}
	ss.reply("229 Entering Extended Passive Mode (|||%d|)", addr.Port)
}

func (ss *session) handlePASV(string) {
	addr, err := ss.listenPassive()
	if err != nil {
		ss.reply("425 Cannot open passive connection.")
		return
	}
	ip := addr.IP.To4()
	ss.reply("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], addr.Port/256, addr.Port%256)
}

func (ss *session) handlePORT(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		ss.reply("501 Illegal PORT command.")
		return
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		ss.reply("501 Illegal PORT command.")
		return
	}
	ss.closePassive()
	ss.activeAddr = net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
	ss.reply("200 PORT command successful.")
}

func (ss *session) handleEPRT(arg string) {
	if len(arg) < 2 {
		ss.reply("501 Illegal EPRT command.")
		return
	}
	parts := strings.Split(arg[1:len(arg)-1], arg[:1])
	if len(parts) != 3 {
		ss.reply("501 Illegal EPRT command.")
		return
	}
	ss.closePassive()
	ss.activeAddr = net.JoinHostPort(parts[1], parts[2])
	ss.reply("200 EPRT command successful.")
}

// dataConn returns the connection prepared by the last EPSV, PASV, PORT or
// EPRT command. Each preparation serves one transfer.
func (ss *session) dataConn() (net.Conn, error) {
	if addr := ss.activeAddr; addr != "" {
		ss.activeAddr = ""
		return net.DialTimeout("tcp", addr, dataTimeout)
	}
	ln := ss.pasv
	if ln == nil {
		return nil, errors.New("no data connection prepared")
	}
	defer ss.closePassive()
	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(dataTimeout))
	return ln.Accept()
}

// transfer runs fn over the data connection, framed by 150 and 226.
func (ss *session) transfer(fn func(net.Conn) error) {
	conn, err := ss.dataConn()
	if err != nil {
		ss.reply("425 Can't open data connection.")
		return
	}
	ss.reply("150 Opening data connection.")
	err = fn(conn)
	conn.Close()
	if err != nil {
		ss.reply("426 Connection closed; transfer aborted.")
		return
	}
	ss.reply("226 Transfer complete.")
}

// abortData discards a prepared data connection after a refused command.
func (ss *session) abortData() {
	ss.closePassive()
	ss.activeAddr = ""
}

func (ss *session) handleRETR(arg string) {
	data, ok := ss.server.ReadFile(ss.resolve(arg))
	if !ok {
		ss.abortData()
		ss.reply("550 Failed to open file.")
		return
	}
	ss.transfer(func(c net.Conn) error {
		_, err := c.Write(data)
		return err
	})
}

func (ss *session) handleSTOR(arg string) {
	p := ss.resolve(arg)
	if !ss.server.IsDir(path.Dir(p)) || ss.server.IsDir(p) {
		ss.abortData()
		ss.reply("553 Could not create file.")
		return
	}
	ss.transfer(func(c net.Conn) error {
		data, err := io.ReadAll(c)
		if err != nil {
			return err
		}
		ss.server.WriteFile(p, data)
		return nil
	})
}

func (ss *session) handleLIST(arg string) {
	var flags string
	if strings.HasPrefix(arg, "-") {
		flags, arg, _ = strings.Cut(arg, " ")
	}
	p := ss.resolve(arg)
	s := ss.server

	s.mu.Lock()
	exists := s.existsLocked(p)
	var body strings.Builder
	if exists {
		ss.listingLocked(&body, p, flags)
	}
	s.mu.Unlock()

	if !exists {
		ss.abortData()
		ss.reply("450 No such file or directory.")
		return
	}
	ss.transfer(func(c net.Conn) error {
		_, err := io.WriteString(c, body.String())
		return err
	})
}

func (ss *session) listingLocked(w *strings.Builder, p, flags string) {
	s := ss.server
	numeric := strings.Contains(flags, "n")
	if !s.dirs[p] {
		fmt.Fprintf(w, "%s\r\n", ss.entryLineLocked(p, path.Base(p), numeric))
		return
	}
	ss.dirBlockLocked(w, p, flags, numeric)
	if !strings.Contains(flags, "R") {
		return
	}
	var walk func(dir string)
	walk = func(dir string) {
		for _, c := range s.childrenLocked(dir) {
			if !s.dirs[c] {
				continue
			}
			header := "./" + strings.TrimPrefix(strings.TrimPrefix(c, p), "/")
			if s.opts.AbsoluteHeaders {
				header = c
			}
			fmt.Fprintf(w, "\r\n%s:\r\n", header)
			ss.dirBlockLocked(w, c, flags, numeric)
			walk(c)
		}
	}
	walk(p)
}

func (ss *session) dirBlockLocked(w *strings.Builder, dir, flags string, numeric bool) {
	s := ss.server
	children := s.childrenLocked(dir)
	if s.opts.Windows {
		for _, c := range children {
			fmt.Fprintf(w, "%s\r\n", ss.entryLineLocked(c, path.Base(c), numeric))
		}
		return
	}
	fmt.Fprintf(w, "total %d\r\n", len(children))
	if strings.Contains(flags, "a") {
		fmt.Fprintf(w, "%s\r\n", ss.entryLineLocked(dir, ".", numeric))
		fmt.Fprintf(w, "%s\r\n", ss.entryLineLocked(path.Dir(dir), "..", numeric))
	}
	for _, c := range children {
		fmt.Fprintf(w, "%s\r\n", ss.entryLineLocked(c, path.Base(c), numeric))
	}
}

// entryLineLocked formats one listing line for p under the given name.
func (ss *session) entryLineLocked(p, name string, numeric bool) string {
	s := ss.server
	isDir := s.dirs[p]
	mtime := s.mtimes[p]
	if mtime.IsZero() {
		mtime = s.opts.Now()
	}

	if s.opts.Windows {
		stamp := mtime.Format("01-02-06  03:04PM")
		if isDir {
			return fmt.Sprintf("%s       <DIR>          %s", stamp, name)
		}
		return fmt.Sprintf("%s %20d %s", stamp, len(s.files[p]), name)
	}

	owner := "ftp      ftp     "
	if numeric {
		owner = "1000     1000    "
	}
	size := 4096
	if !isDir {
		size = len(s.files[p])
	}
	stamp := mtime.Format("Jan _2 15:04")
	if mtime.Year() != s.opts.Now().Year() {
		stamp = mtime.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s    1 %s %8d %s %s", permissions(isDir, s.modes[p]), owner, size, stamp, name)
}

func permissions(isDir bool, mode uint32) string {
	const rwx = "rwxrwxrwx"
	b := []byte("----------")
	if isDir {
		b[0] = 'd'
	}
	for i := range 9 {
		if mode&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	return string(b)
}
