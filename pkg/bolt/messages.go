package bolt

import "github.com/orneryd/nornicdb-go/pkg/packstream"

// Request message tags.
const (
	msgHello    byte = 0x01
	msgGoodbye  byte = 0x02
	msgLogon    byte = 0x6A // 5.1+
	msgLogoff   byte = 0x6B // 5.1+
	msgReset    byte = 0x0F
	msgRun      byte = 0x10
	msgBegin    byte = 0x11
	msgCommit   byte = 0x12
	msgRollback byte = 0x13
	msgDiscard  byte = 0x2F
	msgPull     byte = 0x3F
	msgRoute    byte = 0x66 // 4.3+, unused without a routing layer
)

// Response message tags.
const (
	msgSuccess byte = 0x70
	msgRecord  byte = 0x71
	msgIgnored byte = 0x7E
	msgFailure byte = 0x7F
)

// outgoing accumulates chunked request messages so that pipelined
// pairs like RUN+PULL go out in a single write.
type outgoing struct {
	packer  packstream.Packer
	pending []byte
	err     error
}

func (o *outgoing) append(tag byte, fields ...any) {
	if o.err != nil {
		return
	}
	o.packer.Reset()
	if err := o.packer.PackStructHeader(tag, len(fields)); err != nil {
		o.err = err
		return
	}
	for _, f := range fields {
		if err := o.packer.Pack(f); err != nil {
			o.err = err
			return
		}
	}
	o.pending = appendChunked(o.pending, o.packer.Bytes())
}

func (o *outgoing) appendHello(extra map[string]any) { o.append(msgHello, extra) }
func (o *outgoing) appendLogon(auth map[string]any)  { o.append(msgLogon, auth) }
func (o *outgoing) appendGoodbye()                   { o.append(msgGoodbye) }
func (o *outgoing) appendReset()                     { o.append(msgReset) }
func (o *outgoing) appendBegin(extra map[string]any) { o.append(msgBegin, extra) }
func (o *outgoing) appendCommit()                    { o.append(msgCommit) }
func (o *outgoing) appendRollback()                  { o.append(msgRollback) }

func (o *outgoing) appendRun(cypher string, params, extra map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	if extra == nil {
		extra = map[string]any{}
	}
	o.append(msgRun, cypher, params, extra)
}

// appendPull requests n more records. qid selects the stream; -1 means
// the last-opened one and is omitted from the wire form.
func (o *outgoing) appendPull(n int, qid int64) {
	o.append(msgPull, pullExtra(n, qid))
}

func (o *outgoing) appendDiscard(n int, qid int64) {
	o.append(msgDiscard, pullExtra(n, qid))
}

func pullExtra(n int, qid int64) map[string]any {
	extra := map[string]any{"n": int64(n)}
	if qid != -1 {
		extra["qid"] = qid
	}
	return extra
}

// take returns the pending buffer and any deferred encoding error,
// leaving the queue empty.
func (o *outgoing) take() ([]byte, error) {
	buf, err := o.pending, o.err
	o.pending = nil
	o.err = nil
	return buf, err
}
