// Package bolt implements the client side of the Bolt wire protocol:
// chunked framing, version negotiation, authentication and the
// per-connection session state machine. A Conn is a single ordered
// byte stream and is owned by exactly one caller at a time; the pool
// above enforces that.
package bolt

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Session states. Only Ready and Tx accept a new RUN or BEGIN.
const (
	stateUnauthorized = iota // connected, handshake done, not authenticated
	stateReady               // idle outside any transaction
	stateStreaming           // auto-commit result stream open
	stateTx                  // explicit transaction, no stream open
	stateStreamingTx         // explicit transaction with open stream
	stateFailed              // server reported FAILURE, needs RESET
	stateDead                // unrecoverable, connection must be dropped
)

// Protocol versions offered during handshake, preferred first. The
// second byte of a proposal is the number of consecutive lower minors
// also acceptable (4.3+ range encoding).
var versionOffers = [4][4]byte{
	{0x00, 0x07, 0x07, 0x05}, // 5.7 back to 5.0
	{0x00, 0x00, 0x00, 0x05}, // 5.0
	{0x00, 0x01, 0x04, 0x04}, // 4.4 back to 4.3
	{0x00, 0x00, 0x00, 0x00},
}

var handshakePreamble = [4]byte{0x60, 0x60, 0xB0, 0x17}

// DefaultFetchSize is the number of records requested per PULL when
// the caller does not choose one.
const DefaultFetchSize = 1000

// Version is the negotiated protocol version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// AccessMode hints the server whether a query only reads.
type AccessMode int

const (
	WriteMode AccessMode = iota
	ReadMode
)

// Command is one Cypher execution request.
type Command struct {
	Cypher    string
	Params    map[string]any
	FetchSize int // records per PULL; 0 means DefaultFetchSize, -1 pulls all
}

// TxConfig carries the transaction metadata sent with BEGIN, or with
// RUN for auto-commit queries.
type TxConfig struct {
	Mode             AccessMode
	Bookmarks        []string
	Timeout          time.Duration
	Meta             map[string]any
	Database         string
	ImpersonatedUser string
}

// toExtra renders the config into the RUN/BEGIN extra map. Zero
// values are omitted entirely.
func (tc *TxConfig) toExtra() map[string]any {
	extra := map[string]any{}
	if tc == nil {
		return extra
	}
	if tc.Mode == ReadMode {
		extra["mode"] = "r"
	}
	if len(tc.Bookmarks) > 0 {
		extra["bookmarks"] = tc.Bookmarks
	}
	if ms := tc.Timeout.Milliseconds(); ms > 0 {
		extra["tx_timeout"] = ms
	}
	if len(tc.Meta) > 0 {
		extra["tx_metadata"] = tc.Meta
	}
	if tc.Database != "" {
		extra["db"] = tc.Database
	}
	if tc.ImpersonatedUser != "" {
		extra["imp_user"] = tc.ImpersonatedUser
	}
	return extra
}

// Config configures a single connection attempt.
type Config struct {
	Address        string         // host:port
	Auth           map[string]any // auth token map, see pkg/auth
	UserAgent      string
	TLS            *tls.Config // nil for plaintext
	ConnectTimeout time.Duration
	Logger         Logger
}

// Conn is one Bolt connection. Not safe for concurrent use.
type Conn struct {
	conn    net.Conn
	in      *dechunker
	out     outgoing
	state   int
	version Version

	serverName    string
	serverVersion string
	connId        string
	logId         string
	bookmark      string
	birthDate     time.Time
	idleDate      time.Time

	log    Logger
	err    error // sticky error; non-nil in Failed and Dead states
	stream *Stream
}

// Connect dials, negotiates a protocol version and authenticates.
// On 5.1+ servers authentication is a separate LOGON exchange; older
// versions take the token merged into HELLO.
func Connect(ctx context.Context, cfg *Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NoopLogger{}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if cfg.TLS != nil {
		tlsConn := tls.Client(raw, cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, &ConnectionError{Err: err}
		}
		raw = tlsConn
	}

	now := time.Now()
	c := &Conn{
		conn:       raw,
		in:         newDechunker(raw),
		state:      stateUnauthorized,
		serverName: cfg.Address,
		logId:      cfg.Address,
		birthDate:  now,
		idleDate:   now,
		log:        logger,
	}

	if err := c.handshake(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	if err := c.authenticate(ctx, cfg); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	var buf []byte
	buf = append(buf, handshakePreamble[:]...)
	for _, offer := range versionOffers {
		buf = append(buf, offer[:]...)
	}
	if err := c.write(ctx, buf); err != nil {
		return c.err
	}

	var chosen [4]byte
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.in.rd, chosen[:]); err != nil {
		c.state = stateDead
		return &ConnectionError{Err: err}
	}

	if binary.BigEndian.Uint32(chosen[:]) == 0 {
		c.state = stateDead
		return &ProtocolError{Message: "server rejected all proposed protocol versions"}
	}
	c.version = Version{Major: int(chosen[3]), Minor: int(chosen[2])}
	switch {
	case c.version.Major == 5:
	case c.version.Major == 4 && c.version.Minor >= 3:
	default:
		c.state = stateDead
		return &ProtocolError{Message: fmt.Sprintf("unsupported protocol version %s", c.version)}
	}
	c.log.Debugf(c.logId, "negotiated bolt %s", c.version)
	return nil
}

// useLogon reports whether auth travels in a separate LOGON message.
func (c *Conn) useLogon() bool {
	return c.version.Major > 5 || (c.version.Major == 5 && c.version.Minor >= 1)
}

func (c *Conn) authenticate(ctx context.Context, cfg *Config) error {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "nornicdb-go/0.1.0"
	}
	hello := map[string]any{"user_agent": userAgent}
	if !c.useLogon() {
		for k, v := range cfg.Auth {
			if _, exists := hello[k]; !exists {
				hello[k] = v
			}
		}
	}

	c.out.appendHello(hello)
	if c.useLogon() {
		auth := cfg.Auth
		if auth == nil {
			auth = map[string]any{"scheme": "none"}
		}
		c.out.appendLogon(auth)
	}
	c.send(ctx)

	succ := c.receiveSuccess(ctx)
	if c.useLogon() && succ != nil {
		// LOGON response follows the HELLO response.
		helloSucc := succ
		succ = c.receiveSuccess(ctx)
		if succ != nil {
			succ.meta["server"] = helloSucc.meta["server"]
			succ.meta["connection_id"] = helloSucc.meta["connection_id"]
		}
	}
	if c.err != nil {
		if se, ok := c.err.(*ServerError); ok && se.IsAuthentication() {
			return &AuthError{Server: se}
		}
		return c.err
	}

	c.serverVersion = succ.str("server")
	c.connId = succ.str("connection_id")
	c.logId = fmt.Sprintf("%s@%s", c.connId, c.serverName)
	c.state = stateReady
	c.log.Infof(c.logId, "connected, server %s", c.serverVersion)
	return nil
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() Version { return c.version }

// ServerVersion returns the server agent string from HELLO.
func (c *Conn) ServerVersion() string { return c.serverVersion }

// Bookmark returns the latest bookmark received from the server.
func (c *Conn) Bookmark() string { return c.bookmark }

// IsAlive reports whether the connection can still be used, possibly
// after a RESET.
func (c *Conn) IsAlive() bool { return c.state != stateDead }

// HasFailed reports whether the connection needs a RESET before reuse.
func (c *Conn) HasFailed() bool { return c.state == stateFailed }

// IsReady reports whether the connection is idle outside any
// transaction or stream, i.e. safe to pool as-is.
func (c *Conn) IsReady() bool { return c.state == stateReady }

// InTx reports whether an explicit transaction is open.
func (c *Conn) InTx() bool { return c.state == stateTx || c.state == stateStreamingTx }

// Birthdate returns when the connection was established.
func (c *Conn) Birthdate() time.Time { return c.birthDate }

// IdleDate returns the time of the last successful server response.
func (c *Conn) IdleDate() time.Time { return c.idleDate }

// setError records err. Fatal errors kill the connection; anything
// else leaves it in Failed, recoverable through Reset.
func (c *Conn) setError(err error, fatal bool) {
	if err == nil {
		return
	}
	if c.err == nil {
		c.err = err
		c.state = stateFailed
	}
	if fatal {
		c.state = stateDead
	}
	if c.stream != nil {
		c.stream.err = err
		c.stream.done = true
		c.stream = nil
	}
	if se, ok := err.(*ServerError); ok && se.Classification() == "ClientError" {
		c.log.Debugf(c.logId, "%v", err)
	} else {
		c.log.Errorf(c.logId, "%v", err)
	}
}

func (c *Conn) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(d)
	}
	return c.conn.SetDeadline(time.Time{})
}

func (c *Conn) write(ctx context.Context, buf []byte) error {
	if err := c.setDeadline(ctx); err != nil {
		c.setError(err, true)
		return err
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.setError(&ConnectionError{Err: err}, true)
		return err
	}
	return nil
}

// send flushes all pipelined messages in one write.
func (c *Conn) send(ctx context.Context) {
	buf, err := c.out.take()
	if err != nil {
		c.setError(err, true)
		return
	}
	if c.err != nil || len(buf) == 0 {
		return
	}
	_ = c.write(ctx, buf)
}

// receiveMsg reads and hydrates one message. Receiving with a pending
// error would hang on a socket that owes us nothing, so it is a no-op.
func (c *Conn) receiveMsg(ctx context.Context) any {
	if c.err != nil {
		return nil
	}
	if err := c.setDeadline(ctx); err != nil {
		c.setError(err, true)
		return nil
	}
	buf, err := c.in.read()
	if err != nil {
		c.setError(&ConnectionError{Err: err}, true)
		return nil
	}
	msg, err := hydrateMessage(buf)
	if err != nil {
		c.setError(err, true)
		return nil
	}
	c.idleDate = time.Now()
	return msg
}

// receiveSuccess reads the confirmation of a sent request. FAILURE
// moves the connection to Failed (or Dead for security errors).
func (c *Conn) receiveSuccess(ctx context.Context) *success {
	msg := c.receiveMsg(ctx)
	if c.err != nil {
		return nil
	}
	switch v := msg.(type) {
	case *success:
		return v
	case *ServerError:
		c.setError(v, isFatal(v))
		return nil
	case *ignored:
		c.setError(&ProtocolError{Message: "request ignored outside failed state"}, true)
		return nil
	default:
		c.setError(&ProtocolError{Message: fmt.Sprintf("expected success or failure, got %T", msg)}, true)
		return nil
	}
}

func (c *Conn) assertState(allowed ...int) error {
	// A prior error is almost always the root cause of a state
	// mismatch; surface that instead.
	if c.err != nil {
		return c.err
	}
	for _, a := range allowed {
		if c.state == a {
			return nil
		}
	}
	err := &ProtocolError{Message: fmt.Sprintf("invalid state %d, expected one of %v", c.state, allowed)}
	c.log.Errorf(c.logId, "%v", err)
	return err
}

// Run executes cypher. Outside a transaction it is an auto-commit
// query carrying the TxConfig extras; inside one, tx must be nil. The
// RUN and first PULL are pipelined into a single write.
func (c *Conn) Run(ctx context.Context, cmd Command, tx *TxConfig) (*Stream, error) {
	// Finish whatever stream is open first; only Ready and Tx accept RUN.
	if c.state == stateStreaming || c.state == stateStreamingTx {
		if c.bufferStream(ctx); c.err != nil {
			return nil, c.err
		}
	}
	if err := c.assertState(stateReady, stateTx); err != nil {
		return nil, err
	}

	var extra map[string]any
	if c.state == stateReady {
		extra = tx.toExtra()
	} else {
		extra = map[string]any{}
	}

	fetchSize := cmd.FetchSize
	switch {
	case fetchSize < 0:
		fetchSize = -1
	case fetchSize == 0:
		fetchSize = DefaultFetchSize
	}

	inTx := c.state == stateTx
	c.out.appendRun(cmd.Cypher, cmd.Params, extra)
	c.out.appendPull(fetchSize, -1)
	c.send(ctx)

	succ := c.receiveSuccess(ctx)
	if c.err != nil {
		// The pipelined PULL drew an IGNORED; Reset cleans it up.
		return nil, c.err
	}

	if inTx {
		c.state = stateStreamingTx
	} else {
		c.state = stateStreaming
	}

	qid := succ.qid()
	stream := &Stream{
		conn:      c,
		keys:      succ.fields(),
		qid:       qid,
		fetchSize: fetchSize,
		tfirst:    succ.num("t_first"),
	}
	c.stream = stream
	return stream, nil
}

// Begin opens an explicit transaction.
func (c *Conn) Begin(ctx context.Context, tx TxConfig) error {
	if c.state == stateStreaming {
		if c.bufferStream(ctx); c.err != nil {
			return c.err
		}
	}
	if err := c.assertState(stateReady); err != nil {
		return err
	}
	c.out.appendBegin(tx.toExtra())
	c.send(ctx)
	if c.receiveSuccess(ctx); c.err != nil {
		return c.err
	}
	c.state = stateTx
	return nil
}

// Commit commits the open transaction. An open stream is discarded
// server-side first; its records are not accessible past the commit.
func (c *Conn) Commit(ctx context.Context) error {
	if c.discardStream(ctx); c.err != nil {
		return c.err
	}
	if err := c.assertState(stateTx); err != nil {
		return err
	}
	c.out.appendCommit()
	c.send(ctx)
	succ := c.receiveSuccess(ctx)
	if c.err != nil {
		return c.err
	}
	if bm := succ.str("bookmark"); bm != "" {
		c.bookmark = bm
	}
	c.state = stateReady
	return nil
}

// Rollback rolls back the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.discardStream(ctx); c.err != nil {
		return c.err
	}
	if err := c.assertState(stateTx); err != nil {
		return err
	}
	c.out.appendRollback()
	c.send(ctx)
	if c.receiveSuccess(ctx); c.err != nil {
		return c.err
	}
	c.state = stateReady
	return nil
}

// receiveNext reads one streaming message. Exactly one of the returns
// is meaningful: a record, batchDone (end of PULL batch, more
// available), or a summary (end of stream).
func (c *Conn) receiveNext(ctx context.Context) (*record, bool, *Summary) {
	msg := c.receiveMsg(ctx)
	if c.err != nil {
		return nil, false, nil
	}
	switch v := msg.(type) {
	case *record:
		return v, false, nil
	case *success:
		if v.hasMore() {
			return nil, true, nil
		}
		sum := c.summarize(v)
		if c.stream != nil {
			c.stream.sum = sum
			c.stream.done = true
			c.stream = nil
		}
		// Stream finished, fall back out of the streaming state.
		switch c.state {
		case stateStreaming:
			c.state = stateReady
		case stateStreamingTx:
			c.state = stateTx
		}
		return nil, false, sum
	case *ServerError:
		c.setError(v, isFatal(v))
		return nil, false, nil
	default:
		c.setError(&ProtocolError{Message: fmt.Sprintf("unexpected streaming message %T", msg)}, true)
		return nil, false, nil
	}
}

func (c *Conn) summarize(s *success) *Summary {
	sum := &Summary{
		Bookmark:  s.str("bookmark"),
		Database:  s.str("db"),
		QueryType: s.str("type"),
		TLast:     s.num("t_last"),
		Counters:  s.stats(),
	}
	if c.stream != nil {
		sum.TFirst = c.stream.tfirst
	}
	if sum.Bookmark != "" {
		c.bookmark = sum.Bookmark
	}
	return sum
}

// pullStream requests the next batch for the current stream. Streams
// inside a transaction address their qid explicitly; the auto-commit
// stream is always the last-opened one.
func (c *Conn) pullStream(ctx context.Context) {
	s := c.stream
	if c.state == stateStreamingTx && s.qid != -1 {
		c.out.appendPull(s.fetchSize, s.qid)
	} else {
		c.out.appendPull(s.fetchSize, -1)
	}
	c.send(ctx)
}

// bufferStream reads the current stream to completion into its
// client-side buffer, switching to pull-all for the remainder.
func (c *Conn) bufferStream(ctx context.Context) {
	s := c.stream
	if s == nil {
		return
	}
	for {
		rec, batchDone, _ := c.receiveNext(ctx)
		switch {
		case rec != nil:
			s.buf = append(s.buf, rec.values)
		case batchDone:
			s.fetchSize = -1
			c.pullStream(ctx)
			if c.err != nil {
				return
			}
		default:
			return // summary or error
		}
	}
}

// discardStream drains the current stream without buffering, telling
// the server to throw the rest away.
func (c *Conn) discardStream(ctx context.Context) {
	if c.state != stateStreaming && c.state != stateStreamingTx {
		return
	}
	s := c.stream
	if s == nil {
		return
	}
	discarded := false
	for {
		rec, batchDone, sum := c.receiveNext(ctx)
		switch {
		case rec != nil:
			// Drop records already in flight.
		case batchDone:
			if discarded {
				// Response to our DISCARD still reported has_more;
				// server owes us one more summary.
				continue
			}
			discarded = true
			inTx := c.state == stateStreamingTx
			if inTx && s.qid != -1 {
				c.out.appendDiscard(-1, s.qid)
			} else {
				c.out.appendDiscard(-1, -1)
			}
			c.send(ctx)
			if c.err != nil {
				return
			}
		case sum != nil || c.err != nil:
			return
		}
	}
}

// Reset returns the connection to Ready, recovering from Failed and
// aborting any open transaction or stream. Responses queued before
// the RESET are drained. A RESET that does not end in SUCCESS is
// terminal for the connection.
func (c *Conn) Reset(ctx context.Context) error {
	defer func() {
		if c.stream != nil {
			c.stream.done = true
			c.stream = nil
		}
	}()

	if c.state == stateDead {
		return c.err
	}

	// Failed is the state Reset exists to recover from.
	c.err = nil

	c.out.appendReset()
	c.send(ctx)
	if c.err != nil {
		return c.err
	}

	for {
		msg := c.receiveMsg(ctx)
		if c.err != nil {
			return c.err
		}
		switch v := msg.(type) {
		case *ignored, *record:
			// Leftovers from the failed pipeline.
		case *success:
			// The RESET confirmation is a bare SUCCESS; anything
			// with metadata is a stale response from before it.
			if len(v.meta) == 0 {
				c.state = stateReady
				c.log.Debugf(c.logId, "reset")
				return nil
			}
		case *ServerError:
			// Stale failure queued before our RESET was seen.
		default:
			c.setError(&ProtocolError{Message: fmt.Sprintf("unexpected reset response %T", msg)}, true)
			return c.err
		}
	}
}

// Close sends a best-effort GOODBYE and closes the socket. The
// connection is dead afterwards regardless of errors.
func (c *Conn) Close(ctx context.Context) {
	if c.state != stateDead && c.state != stateUnauthorized {
		c.out.appendGoodbye()
		c.send(ctx)
	}
	_ = c.conn.Close()
	c.state = stateDead
	if c.err == nil {
		c.err = &ConnectionError{Err: net.ErrClosed}
	}
	c.log.Debugf(c.logId, "closed")
}
