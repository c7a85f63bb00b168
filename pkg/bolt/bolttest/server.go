// Package bolttest implements a small in-process Bolt server used to
// exercise the driver without a real database. It speaks the genuine
// wire format: handshake, chunked framing and PackStream messages,
// with an injectable query executor and failure hooks.
package bolttest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/orneryd/nornicdb-go/pkg/packstream"
)

// Message types.
const (
	MsgHello    byte = 0x01
	MsgGoodbye  byte = 0x02
	MsgLogon    byte = 0x6A
	MsgLogoff   byte = 0x6B
	MsgReset    byte = 0x0F
	MsgRun      byte = 0x10
	MsgBegin    byte = 0x11
	MsgCommit   byte = 0x12
	MsgRollback byte = 0x13
	MsgDiscard  byte = 0x2F
	MsgPull     byte = 0x3F
	MsgRoute    byte = 0x66

	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// QueryExecutor executes Cypher queries.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, params map[string]any) (*QueryResult, error)
}

// QueryResult holds the result of a query.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// ExecutorFunc adapts a function to the QueryExecutor interface.
type ExecutorFunc func(ctx context.Context, query string, params map[string]any) (*QueryResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, query string, params map[string]any) (*QueryResult, error) {
	return f(ctx, query, params)
}

// ServerError makes an executor failure surface as a Bolt FAILURE
// with a specific status code instead of a generic one.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

// Config holds test server configuration.
type Config struct {
	// Version is the protocol version answered during handshake,
	// encoded as major<<8|minor. Defaults to 5.4.
	Version uint16

	// Credentials, when non-empty, maps accepted principals to
	// passwords; anything else fails authentication.
	Credentials map[string]string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Version: 0x0504}
}

// Server is an in-process Bolt server.
type Server struct {
	config   *Config
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   atomic.Bool

	executor QueryExecutor
}

// New creates a test server around an executor.
func New(config *Config, executor QueryExecutor) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Version == 0 {
		config.Version = 0x0504
	}
	return &Server{
		config:   config,
		conns:    make(map[net.Conn]struct{}),
		executor: executor,
	}
}

// Start listens on a loopback port and serves until Close.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	go s.serve()
	return nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URI returns the bolt:// URI of the server.
func (s *Server) URI() string {
	return "bolt://" + s.Addr()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

// Close stops the server and severs every live connection.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	session := &session{
		conn:     conn,
		server:   s,
		executor: s.executor,
		qid:      -1,
	}
	if err := session.handshake(); err != nil {
		return
	}
	for {
		if err := session.handleMessage(); err != nil {
			return
		}
	}
}

// session is the per-connection server state.
type session struct {
	conn     net.Conn
	server   *Server
	executor QueryExecutor
	version  uint16

	authenticated bool
	inTransaction bool
	failed        bool

	// Open result stream, nil when none.
	columns []string
	rows    [][]any
	qid     int64
	nextQid int64
}

// handshake reads the preamble and four version proposals, then
// answers with the configured version if the client offered it.
func (s *session) handshake() error {
	var buf [20]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return err
	}
	if buf[0] != 0x60 || buf[1] != 0x60 || buf[2] != 0xB0 || buf[3] != 0x17 {
		return fmt.Errorf("invalid magic %x", buf[:4])
	}

	want := s.server.config.Version
	wantMajor, wantMinor := int(want>>8), int(want&0xFF)
	for i := 0; i < 4; i++ {
		offer := buf[4+i*4 : 8+i*4]
		major, minor, span := int(offer[3]), int(offer[2]), int(offer[1])
		if major != wantMajor {
			continue
		}
		if minor >= wantMinor && minor-span <= wantMinor {
			s.version = want
			_, err := s.conn.Write([]byte{0x00, 0x00, byte(wantMinor), byte(wantMajor)})
			return err
		}
	}
	_, err := s.conn.Write([]byte{0x00, 0x00, 0x00, 0x00})
	if err == nil {
		err = errors.New("no acceptable version offered")
	}
	return err
}

func (s *session) logonExpected() bool {
	return s.version >= 0x0501
}

// readMessage reassembles one chunked message.
func (s *session) readMessage() (byte, []any, error) {
	var msg []byte
	for {
		var header [2]byte
		if _, err := io.ReadFull(s.conn, header[:]); err != nil {
			return 0, nil, err
		}
		size := int(binary.BigEndian.Uint16(header[:]))
		if size == 0 {
			if len(msg) == 0 {
				continue
			}
			break
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(s.conn, chunk); err != nil {
			return 0, nil, err
		}
		msg = append(msg, chunk...)
	}

	u := packstream.NewUnpacker(msg)
	v, err := u.Next()
	if err != nil {
		return 0, nil, err
	}
	st, ok := v.(*packstream.Structure)
	if !ok {
		return 0, nil, fmt.Errorf("message is %T", v)
	}
	return st.Tag, st.Fields, nil
}

func (s *session) handleMessage() error {
	tag, fields, err := s.readMessage()
	if err != nil {
		return err
	}

	if tag == MsgGoodbye {
		return io.EOF
	}
	if tag == MsgReset {
		s.failed = false
		s.inTransaction = false
		s.rows = nil
		s.columns = nil
		return s.sendSuccess(nil)
	}
	if s.failed {
		return s.sendMessage(MsgIgnored)
	}

	switch tag {
	case MsgHello:
		return s.handleHello(fields)
	case MsgLogon:
		return s.handleLogon(fields)
	case MsgRun:
		return s.handleRun(fields)
	case MsgPull:
		return s.handlePull(fields)
	case MsgDiscard:
		return s.handleDiscard(fields)
	case MsgBegin:
		return s.handleBegin()
	case MsgCommit:
		return s.handleCommit()
	case MsgRollback:
		return s.handleRollback()
	default:
		return s.sendFailure("Neo.ClientError.Request.Invalid", fmt.Sprintf("unknown message 0x%02X", tag))
	}
}

func (s *session) handleHello(fields []any) error {
	meta, _ := first(fields).(map[string]any)
	if !s.logonExpected() {
		if err := s.checkAuth(meta); err != nil {
			return err
		}
		s.authenticated = true
	}
	return s.sendSuccess(map[string]any{
		"server":        "NornicDB/0.1.0",
		"connection_id": "bolt-" + uuid.NewString(),
	})
}

func (s *session) handleLogon(fields []any) error {
	meta, _ := first(fields).(map[string]any)
	if err := s.checkAuth(meta); err != nil {
		return err
	}
	s.authenticated = true
	return s.sendSuccess(nil)
}

// checkAuth validates basic credentials when the server has any
// configured; otherwise all comers are accepted. A rejected client
// gets a FAILURE and the connection is closed.
func (s *session) checkAuth(meta map[string]any) error {
	creds := s.server.config.Credentials
	if len(creds) == 0 {
		return nil
	}
	principal, _ := meta["principal"].(string)
	credentials, _ := meta["credentials"].(string)
	if pass, ok := creds[principal]; !ok || pass != credentials {
		if err := s.sendFailure("Neo.ClientError.Security.Unauthorized", "The client is unauthorized due to authentication failure."); err != nil {
			return err
		}
		return errors.New("authentication failed")
	}
	return nil
}

func (s *session) handleRun(fields []any) error {
	if len(fields) < 2 {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "malformed RUN")
	}
	query, _ := fields[0].(string)
	params, _ := fields[1].(map[string]any)

	result, err := s.executor.Execute(context.Background(), query, params)
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) {
			return s.sendFailure(se.Code, se.Message)
		}
		return s.sendFailure("Neo.DatabaseError.General.UnknownError", err.Error())
	}

	s.columns = result.Columns
	s.rows = result.Rows
	meta := map[string]any{
		"fields":  anyList(result.Columns),
		"t_first": int64(0),
	}
	if s.inTransaction {
		s.nextQid++
		s.qid = s.nextQid
		meta["qid"] = s.qid
	} else {
		s.qid = -1
	}
	return s.sendSuccess(meta)
}

func (s *session) handlePull(fields []any) error {
	extra, _ := first(fields).(map[string]any)
	n, _ := extra["n"].(int64)
	if s.columns == nil {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "PULL without open stream")
	}

	count := int64(len(s.rows))
	if n >= 0 && n < count {
		count = n
	}
	for _, row := range s.rows[:count] {
		if err := s.sendRecord(row); err != nil {
			return err
		}
	}
	s.rows = s.rows[count:]

	if len(s.rows) > 0 {
		return s.sendSuccess(map[string]any{"has_more": true})
	}
	return s.sendSuccess(s.finishStream())
}

func (s *session) handleDiscard(fields []any) error {
	if s.columns == nil {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "DISCARD without open stream")
	}
	s.rows = nil
	return s.sendSuccess(s.finishStream())
}

// finishStream closes the open stream and builds the final summary.
func (s *session) finishStream() map[string]any {
	s.columns = nil
	s.rows = nil
	meta := map[string]any{
		"type":   "rw",
		"t_last": int64(0),
		"db":     "neo4j",
		"stats":  map[string]any{},
	}
	if !s.inTransaction {
		meta["bookmark"] = "bm-" + uuid.NewString()
	}
	return meta
}

func (s *session) handleBegin() error {
	if s.inTransaction {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "nested BEGIN")
	}
	s.inTransaction = true
	return s.sendSuccess(nil)
}

func (s *session) handleCommit() error {
	if !s.inTransaction {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "COMMIT outside transaction")
	}
	s.inTransaction = false
	s.rows = nil
	s.columns = nil
	return s.sendSuccess(map[string]any{"bookmark": "bm-" + uuid.NewString()})
}

func (s *session) handleRollback() error {
	if !s.inTransaction {
		return s.sendFailure("Neo.ClientError.Request.Invalid", "ROLLBACK outside transaction")
	}
	s.inTransaction = false
	s.rows = nil
	s.columns = nil
	return s.sendSuccess(nil)
}

func (s *session) sendSuccess(metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.sendMessage(MsgSuccess, metadata)
}

func (s *session) sendFailure(code, message string) error {
	s.failed = true
	s.rows = nil
	s.columns = nil
	return s.sendMessage(MsgFailure, map[string]any{"code": code, "message": message})
}

func (s *session) sendRecord(values []any) error {
	return s.sendMessage(MsgRecord, values)
}

func (s *session) sendMessage(tag byte, fields ...any) error {
	var p packstream.Packer
	if err := p.PackStructHeader(tag, len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := p.Pack(f); err != nil {
			return err
		}
	}
	return s.sendChunked(p.Bytes())
}

// sendChunked writes one message with chunk framing.
func (s *session) sendChunked(data []byte) error {
	var out []byte
	for len(data) > 0 {
		n := len(data)
		if n > 0xFFFF {
			n = 0xFFFF
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		out = append(out, data[:n]...)
		data = data[n:]
	}
	out = append(out, 0x00, 0x00)
	_, err := s.conn.Write(out)
	return err
}

func first(fields []any) any {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Rows builds a QueryResult with one column per key, convenient for
// table-driven tests.
func Rows(columns []string, rows ...[]any) *QueryResult {
	return &QueryResult{Columns: columns, Rows: rows}
}

// Static returns an executor that answers every query with the same
// result.
func Static(result *QueryResult) QueryExecutor {
	return ExecutorFunc(func(context.Context, string, map[string]any) (*QueryResult, error) {
		return result, nil
	})
}

// CountRows returns an executor answering RETURN-style queries with n
// single-column rows 0..n-1, handy for paging tests.
func CountRows(column string, n int) QueryExecutor {
	return ExecutorFunc(func(context.Context, string, map[string]any) (*QueryResult, error) {
		result := &QueryResult{Columns: []string{column}}
		for i := 0; i < n; i++ {
			result.Rows = append(result.Rows, []any{int64(i)})
		}
		return result, nil
	})
}

// NodeValue builds the wire structure for a graph node, for executors
// whose rows contain entities.
func NodeValue(id int64, labels []string, props map[string]any, elementId string) *packstream.Structure {
	return &packstream.Structure{
		Tag:    packstream.TagNode,
		Fields: []any{id, labels, props, elementId},
	}
}

// RelationshipValue builds the wire structure for a relationship.
func RelationshipValue(id, startId, endId int64, relType string, props map[string]any) *packstream.Structure {
	return &packstream.Structure{
		Tag:    packstream.TagRelationship,
		Fields: []any{id, startId, endId, relType, props, "", "", ""},
	}
}
