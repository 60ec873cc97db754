package ftpfs

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Reply is the parsed result of one control command.
type Reply struct {
	// Lines holds every raw line of the reply in arrival order.
	Lines []string

	// Code is the three-digit status code of the final line. Continuation
	// lines never contribute to it.
	Code int

	// Message is the text following the code on the final line.
	Message string
}

// newReply builds a Reply from accumulated lines, dropping trailing empty
// lines. The code and message come from the last line only.
func newReply(lines []string) *Reply {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	r := &Reply{Lines: lines}
	if len(lines) == 0 {
		return r
	}
	r.Code, r.Message = splitStatus(lines[len(lines)-1])
	return r
}

// splitStatus reads "NNN text" or "NNN-text". It returns a zero code when the
// line does not start with three digits.
func splitStatus(line string) (int, string) {
	if len(line) < 3 {
		return 0, ""
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, ""
	}
	if len(line) > 4 {
		return code, line[4:]
	}
	return code, ""
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// String returns the full reply as a string.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// last returns the final raw line, or "" for an empty reply.
func (r *Reply) last() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

// readReply reads a complete reply from the control channel.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"213-Status follows:\r\n"
//	"-rw-r--r-- 1 ftp ftp 12 Jan 5 10:30 file.txt\r\n"
//	"213 End of status\r\n"
//
// The reply is complete when a line starts with the opening code followed by
// a space. Lines in between are accepted verbatim whatever their shape, since
// STAT and HELP replies embed free-form text.
func readReply(r *bufio.Reader) (*Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}
	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}
	switch line[3] {
	case ' ':
		return &Reply{Lines: lines, Code: code, Message: line[4:]}, nil
	case '-':
	default:
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	terminator := line[0:3] + " "
	for {
		line, err = readLine(r)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("unexpected EOF reading response")
			}
			return nil, err
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, terminator) || line == terminator[:3] {
			return newReply(lines), nil
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// controlConn is one authenticated control channel. It is owned by a single
// Transport and never used concurrently.
type controlConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	host    string
	timeout time.Duration
	logger  *zap.Logger
	verbose bool
	metrics *Metrics

	dialer    contextDialer
	tlsConfig *tls.Config

	// epsvRefused is set once the server answers EPSV with 500 or 502.
	epsvRefused bool

	// onLine receives every reply line read during the current exchange.
	onLine func(string)

	// currentType tracks the transfer type to avoid redundant TYPE commands
	currentType string
}

// send writes one command and reads its reply. Only transport failures are
// returned as errors; any status code is a valid reply.
func (c *controlConn) send(cmd string) (*Reply, error) {
	if c.verbose {
		c.logger.Debug("ftp command", zap.String("cmd", maskCommand(cmd)))
	}
	c.metrics.observeCommand(cmd)

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	return c.read()
}

// read waits for the next reply on the control channel.
func (c *controlConn) read() (*Reply, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if c.verbose {
		c.logger.Debug("ftp response", zap.Int("code", reply.Code), zap.Strings("lines", reply.Lines))
	}
	c.metrics.observeReply(reply.Code)
	if c.onLine != nil {
		for _, l := range reply.Lines {
			c.onLine(l)
		}
	}
	return reply, nil
}

// expect sends a command and turns any code other than one of want into a
// *ProtocolError. With no want codes every 2xx reply is accepted.
func (c *controlConn) expect(cmd string, want ...int) (*Reply, error) {
	reply, err := c.send(cmd)
	if err != nil {
		return nil, err
	}
	if len(want) == 0 && reply.Is2xx() {
		return reply, nil
	}
	for _, code := range want {
		if reply.Code == code {
			return reply, nil
		}
	}
	return reply, &ProtocolError{
		Command:  maskCommand(cmd),
		Response: reply.Message,
		Code:     reply.Code,
	}
}

// setType switches the transfer type, skipping the command when it is already
// in effect.
func (c *controlConn) setType(t string) error {
	if c.currentType == t {
		return nil
	}
	if _, err := c.expect("TYPE " + t); err != nil {
		return err
	}
	c.currentType = t
	return nil
}

func (c *controlConn) close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = fmt.Fprintf(c.conn, "QUIT\r\n")
	return c.conn.Close()
}

// maskCommand hides the argument of PASS so credentials never reach the logs.
func maskCommand(cmd string) string {
	if len(cmd) >= 5 && strings.EqualFold(cmd[:5], "PASS ") {
		return "PASS *****"
	}
	return cmd
}

// verb returns the upper-cased command name of a command line.
func verb(cmd string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	return strings.ToUpper(name)
}
