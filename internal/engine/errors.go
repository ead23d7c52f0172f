package engine

import (
	"errors"
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

var (
	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("engine: already connected")

	// ErrBusy is returned when a query is started while one is active.
	ErrBusy = errors.New("engine: a query is already in progress")

	// ErrDisconnected reports that the connection died with work pending.
	ErrDisconnected = errors.New("engine: disconnected")

	// ErrNotReady is returned when a query is attempted before the
	// connection reached ReadyForQuery.
	ErrNotReady = errors.New("engine: connection is not ready")

	// ErrTLSRefused reports 'N' to SSLRequest under sslmode=require.
	ErrTLSRefused = errors.New("engine: server refused TLS")

	// ErrServerClosedDuringSSL reports EOF while awaiting the SSL response byte.
	ErrServerClosedDuringSSL = errors.New("engine: server closed connection during SSL negotiation")

	// ErrScramBadIterationCount reports an iteration count below 1.
	ErrScramBadIterationCount = errors.New("engine: SCRAM iteration count must be at least 1")

	// ErrScramServerSignatureMismatch reports a server that failed to prove
	// knowledge of the password.
	ErrScramServerSignatureMismatch = errors.New("engine: SCRAM server signature mismatch")
)

// ConnectError wraps a socket-level failure to reach the server.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("engine: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UnexpectedSSLResponseError reports a byte other than 'S' or 'N' in
// response to SSLRequest.
type UnexpectedSSLResponseError struct {
	Byte byte
}

func (e *UnexpectedSSLResponseError) Error() string {
	return fmt.Sprintf("engine: unexpected SSL response byte %q", e.Byte)
}

// UnsupportedAuthError reports an authentication mechanism the engine does
// not implement (Kerberos, SCM credential, GSS, SSPI).
type UnsupportedAuthError struct {
	Mechanism string
}

func (e *UnsupportedAuthError) Error() string {
	return fmt.Sprintf("engine: unsupported authentication mechanism %s", e.Mechanism)
}

// ServerError is a backend ErrorResponse. Code carries the five-digit
// SQLSTATE.
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int32
	Where    string
	Schema   string
	Table    string
	Column   string
	File     string
	Line     int32
	Routine  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

func serverErrorFromWire(msg *pgproto3.ErrorResponse) *ServerError {
	return &ServerError{
		Severity: msg.Severity,
		Code:     msg.Code,
		Message:  msg.Message,
		Detail:   msg.Detail,
		Hint:     msg.Hint,
		Position: msg.Position,
		Where:    msg.Where,
		Schema:   msg.SchemaName,
		Table:    msg.TableName,
		Column:   msg.ColumnName,
		File:     msg.File,
		Line:     msg.Line,
		Routine:  msg.Routine,
	}
}
