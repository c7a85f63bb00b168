package nornicdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-go/pkg/bolt"
	"github.com/orneryd/nornicdb-go/pkg/pool"
)

// The protocol-level error types surface unchanged from pkg/bolt.
type (
	// ConnectionError is a network-level failure.
	ConnectionError = bolt.ConnectionError
	// ProtocolError is a wire protocol violation, or a request made in
	// a session state that does not accept it.
	ProtocolError = bolt.ProtocolError
	// AuthError is a rejected HELLO/LOGON.
	AuthError = bolt.AuthError
	// ServerError is a FAILURE response, carrying the server's
	// Neo.* status code.
	ServerError = bolt.ServerError
)

// ErrPoolExhausted is returned when no connection became available
// within the acquire timeout.
var ErrPoolExhausted = pool.ErrPoolExhausted

// ErrGraphClosed is returned by operations on a closed Graph.
var ErrGraphClosed = errors.New("nornicdb: graph is closed")

// ErrTxFinished is returned when using a transaction after its
// commit or rollback.
var ErrTxFinished = errors.New("nornicdb: transaction already finished")

// DeserializationError reports a value that cannot be coerced to the
// requested Go type.
type DeserializationError struct {
	Want string
	Got  any
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("nornicdb: cannot convert %T to %s", e.Got, e.Want)
}

// IsRetryable classifies an error for the managed-transaction runner.
// Connection loss and transient server errors are worth a retry on a
// fresh connection; client mistakes and auth failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return !errors.Is(err, context.Canceled)
	}
	return false
}
