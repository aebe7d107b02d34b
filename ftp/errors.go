package ftp

import (
	"fmt"
	"strconv"
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "OPTS UTF8 ON")
	Command string

	// Response is the message received from the server, without the code
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Reply returns the server reply as it appeared on the wire, code first.
func (e *ProtocolError) Reply() string {
	return strconv.Itoa(e.Code) + " " + e.Response
}

// IsTemporary reports a 4xx reply. Servers answer 421 when they are about
// to close the control connection.
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsNotFound reports whether the reply is the usual "file unavailable" answer
// (550) servers give for missing paths.
func (e *ProtocolError) IsNotFound() bool {
	return e.Code == 550
}
