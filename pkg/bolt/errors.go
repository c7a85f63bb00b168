package bolt

import (
	"fmt"
	"strings"
)

// ConnectionError wraps a network-level failure (DNS, TCP, TLS, EOF).
// The affected connection is defunct.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bolt: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a violation of the wire protocol: bad framing,
// an unexpected message, or failed version negotiation, all of which
// leave the connection defunct. A request made in a session state that
// does not accept it is also refused with a ProtocolError; that leaves
// the connection state unchanged.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "bolt: protocol error: " + e.Message
}

// AuthError reports rejected credentials during HELLO or LOGON.
type AuthError struct {
	Server *ServerError
}

func (e *AuthError) Error() string {
	return "bolt: authentication failed: " + e.Server.Error()
}

func (e *AuthError) Unwrap() error { return e.Server }

// ServerError is a FAILURE response from the server. Code follows the
// Neo.<Classification>.<Category>.<Title> convention.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Classification returns the second dotted component of the code,
// e.g. "ClientError" or "TransientError".
func (e *ServerError) Classification() string {
	parts := strings.SplitN(e.Code, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// IsAuthentication reports whether the failure is a security error,
// which is never retryable.
func (e *ServerError) IsAuthentication() bool {
	return strings.HasPrefix(e.Code, "Neo.ClientError.Security.")
}

// IsRetryable reports whether a managed transaction may retry after
// this failure: transient errors, plus the cluster errors a routing
// layer would recover from.
func (e *ServerError) IsRetryable() bool {
	if e.Classification() == "TransientError" {
		// Terminated/LockClientStopped mean the user gave up; kept
		// retryable here to match server-side classification.
		return true
	}
	switch e.Code {
	case "Neo.ClientError.Cluster.NotALeader",
		"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase",
		"Neo.TransientError.General.DatabaseUnavailable":
		return true
	}
	return false
}

// isFatal reports whether the failure poisons the connection beyond
// what RESET can recover. Security failures leave the server expecting
// no further traffic on this connection.
func isFatal(e *ServerError) bool {
	return e.IsAuthentication()
}
