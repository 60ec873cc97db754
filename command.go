package ftpfs

import (
	"context"
	"errors"
)

var errNotConnected = errors.New("ftp session is not connected")

// SendCommand issues one control command and returns every reply line.
// A status code the caller did not want is not an error; read it from
// Reply.Code, which comes from the last line.
func (s *Session) SendCommand(ctx context.Context, command string) (*Reply, error) {
	return s.exchange(ctx, Options{OptCustomRequest: command})
}

// SendCommandSequence runs commands back to back on the session's
// connection within a single exchange, stopping at the first reply of 400 or
// above. The returned Reply ends with the last reply received.
//
// Example, a rename:
//
//	reply, err := s.SendCommandSequence(ctx, []string{"RNFR a.txt", "RNTO b.txt"})
//	if err == nil && reply.Code != 250 {
//	    // rename refused
//	}
func (s *Session) SendCommandSequence(ctx context.Context, commands []string) (*Reply, error) {
	return s.exchange(ctx, Options{OptPostQuote: commands})
}

func (s *Session) exchange(ctx context.Context, opts Options) (*Reply, error) {
	if s.transport == nil {
		return nil, errNotConnected
	}
	var lines []string
	opts[OptHeaderFunc] = func(line string) {
		lines = append(lines, line)
	}

	_, err := s.transport.Execute(ctx, opts)
	var perr *ProtocolError
	if err != nil && !errors.As(err, &perr) {
		return nil, err
	}
	reply := newReply(lines)
	if len(reply.Lines) == 0 {
		return nil, errUnexpectedEmptyReplyLines
	}
	return reply, nil
}
