package nornicdb

import (
	"context"

	"github.com/orneryd/nornicdb-go/pkg/bolt"
)

// Transaction is an explicit transaction pinned to one connection
// from BEGIN until Commit or Rollback. Not safe for concurrent use.
type Transaction struct {
	graph *Graph
	conn  *bolt.Conn
	done  bool
}

// Run executes cypher inside the transaction and consumes the result,
// returning its summary.
func (t *Transaction) Run(ctx context.Context, cypher string, params map[string]any) (*Summary, error) {
	res, err := t.Execute(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.stream.Consume(ctx)
}

// Execute runs cypher inside the transaction and returns the lazy
// result. The result reads from the transaction's connection; it must
// be exhausted or closed before Commit or Rollback, which otherwise
// discard it.
func (t *Transaction) Execute(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	if t.done {
		return nil, ErrTxFinished
	}
	stream, err := t.conn.Run(ctx, bolt.Command{Cypher: cypher, Params: params, FetchSize: t.graph.cfg.FetchSize}, nil)
	if err != nil {
		return nil, err
	}
	return &Result{graph: t.graph, conn: t.conn, stream: stream}, nil
}

// Commit commits and releases the connection. The returned bookmark
// is chained into subsequent transactions on the same Graph.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxFinished
	}
	t.done = true
	defer t.graph.pool.Release(ctx, t.conn)
	if err := t.conn.Commit(ctx); err != nil {
		return err
	}
	t.graph.noteBookmark(t.conn.Bookmark())
	return nil
}

// Rollback aborts and releases the connection. Rolling back a
// finished transaction is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.graph.pool.Release(ctx, t.conn)
	return t.conn.Rollback(ctx)
}
