package bolt

import (
	"context"
	"errors"
)

// ErrStreamConsumed is returned when reading a stream that was
// already exhausted, discarded, or invalidated by a reset.
var ErrStreamConsumed = errors.New("bolt: result stream already consumed")

// Record is one result row. Keys is shared across all records of a
// stream, captured from the RUN confirmation.
type Record struct {
	Keys   []string
	Values []any
}

// Get returns the value for a key, or false when the key is not part
// of the result.
func (r *Record) Get(key string) (any, bool) {
	for i, k := range r.Keys {
		if k == key {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Summary is the metadata delivered when a stream completes.
type Summary struct {
	Bookmark  string
	Database  string
	QueryType string // "r", "w", "rw" or "s"
	TFirst    int64  // ms until the server had the first record
	TLast     int64  // ms until the server had the last record
	Counters  map[string]int64
}

// Stream is a lazy, single-pass row sequence bound to one connection.
// It is not restartable and not safe for concurrent use. A stream the
// caller abandons must be closed through Consume (or the owning layer
// must Reset the connection) before the connection is reused.
type Stream struct {
	conn      *Conn
	keys      []string
	qid       int64
	fetchSize int
	tfirst    int64

	buf  [][]any // rows buffered when the connection moved on
	sum  *Summary
	err  error
	done bool
}

// Keys returns the column names, in result order.
func (s *Stream) Keys() []string { return s.keys }

// Qid returns the server-assigned query id, -1 outside transactions.
func (s *Stream) Qid() int64 { return s.qid }

// Summary returns the completion metadata once the stream is
// exhausted, nil before that.
func (s *Stream) Summary() *Summary { return s.sum }

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error { return s.err }

// Next returns the next record. At end of stream it returns
// (nil, nil) and Summary becomes available. Records buffered before
// the connection moved on are served first.
func (s *Stream) Next(ctx context.Context) (*Record, error) {
	if len(s.buf) > 0 {
		values := s.buf[0]
		s.buf = s.buf[1:]
		return &Record{Keys: s.keys, Values: values}, nil
	}
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		if s.sum != nil {
			return nil, nil
		}
		return nil, ErrStreamConsumed
	}

	c := s.conn
	if c.stream != s {
		// The connection was reused past this stream's lifetime.
		s.done = true
		s.err = ErrStreamConsumed
		return nil, s.err
	}

	rec, batchDone, _ := c.receiveNext(ctx)
	if batchDone {
		c.pullStream(ctx)
		if c.err != nil {
			return nil, c.err
		}
		rec, _, _ = c.receiveNext(ctx)
	}
	if c.err != nil {
		return nil, c.err
	}
	if rec == nil {
		// receiveNext stored the summary and detached the stream.
		return nil, nil
	}
	return &Record{Keys: s.keys, Values: rec.values}, nil
}

// Consume discards the rest of the stream server-side and returns the
// summary. Safe to call on an exhausted stream.
func (s *Stream) Consume(ctx context.Context) (*Summary, error) {
	if s.sum != nil || s.err != nil {
		return s.sum, s.err
	}
	c := s.conn
	if c.stream != s {
		s.done = true
		return nil, ErrStreamConsumed
	}
	s.buf = nil
	c.discardStream(ctx)
	if s.err != nil {
		return nil, s.err
	}
	if c.err != nil {
		return nil, c.err
	}
	return s.sum, nil
}
