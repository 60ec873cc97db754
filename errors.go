package ftpfs

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel kinds for storage operation failures. An *OperationError always
// matches exactly one of them with errors.Is.
var (
	ErrUnableToWrite             = errors.New("unable to write file")
	ErrUnableToRead              = errors.New("unable to read file")
	ErrUnableToMove              = errors.New("unable to move file")
	ErrUnableToCopy              = errors.New("unable to copy file")
	ErrUnableToDelete            = errors.New("unable to delete file")
	ErrUnableToCreateDirectory   = errors.New("unable to create directory")
	ErrUnableToDeleteDirectory   = errors.New("unable to delete directory")
	ErrUnableToSetVisibility     = errors.New("unable to set visibility")
	ErrUnableToRetrieveMetadata  = errors.New("unable to retrieve metadata")
	ErrConnection                = errors.New("ftp connection failed")
	ErrInvalidListing            = errors.New("cannot parse listing item")
	errUnsupportedVisibility     = errors.New("unsupported visibility")
	errTransportNotConfigured    = errors.New("transport has no address configured")
	errUnexpectedEmptyReplyLines = errors.New("server sent no reply")
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "RNTO b.txt")
	Command string

	// Response is the raw response received from the server (e.g., "550 Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a temporary failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// OperationError is returned by every Filesystem operation. Kind is one of the
// ErrUnableTo* sentinels.
type OperationError struct {
	Kind        error
	Path        string
	Destination string
	Reason      string
	Err         error
}

func (e *OperationError) Error() string {
	var msg string
	switch {
	case e.Kind == ErrUnableToCopy || e.Kind == ErrUnableToMove:
		msg = fmt.Sprintf("%s from %s to %s", capitalize(e.Kind.Error()), e.Path, e.Destination)
	default:
		msg = fmt.Sprintf("%s at location: %s", capitalize(e.Kind.Error()), e.Path)
	}
	if e.Reason != "" {
		msg += ". " + e.Reason
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// ConnectionError reports a failure to bring a session to the ready state:
// the server could not be reached, the root was rejected or UTF-8 mode was
// refused.
type ConnectionError struct {
	Host   string
	Port   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "Could not connect to host: " + e.Host + ", port:" + strconv.Itoa(e.Port)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// ListingError carries the raw listing line that could not be split into the
// fields of the detected dialect.
type ListingError struct {
	Line string
}

func (e *ListingError) Error() string {
	return ErrInvalidListing.Error() + ": " + e.Line
}

func (e *ListingError) Unwrap() error { return ErrInvalidListing }

// DiagCode classifies the outcome of the last transport exchange.
type DiagCode int

const (
	DiagOK DiagCode = iota
	DiagCouldNotConnect
	DiagLoginDenied
	DiagTLSFailed
	DiagDataConnFailed
	DiagUploadFailed
	DiagDownloadFailed
	DiagCommandFailed
	DiagQuoteError
	DiagRecvError
)

var diagNames = [...]string{
	DiagOK:              "ok",
	DiagCouldNotConnect: "could not connect",
	DiagLoginDenied:     "login denied",
	DiagTLSFailed:       "tls failed",
	DiagDataConnFailed:  "data connection failed",
	DiagUploadFailed:    "upload failed",
	DiagDownloadFailed:  "download failed",
	DiagCommandFailed:   "command failed",
	DiagQuoteError:      "quote error",
	DiagRecvError:       "receive error",
}

func (c DiagCode) String() string {
	if int(c) < len(diagNames) {
		return diagNames[c]
	}
	return "diag(" + strconv.Itoa(int(c)) + ")"
}

// Diagnostic is the error code and text of the last transport exchange.
type Diagnostic struct {
	Code    DiagCode
	Message string
}

func (d Diagnostic) String() string {
	if d.Code == DiagOK {
		return ""
	}
	return d.Code.String() + ": " + d.Message
}
