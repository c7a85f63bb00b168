package nornicdb

import (
	"context"
	"sync/atomic"

	"github.com/orneryd/nornicdb-go/pkg/auth"
	"github.com/orneryd/nornicdb-go/pkg/bolt"
	"github.com/orneryd/nornicdb-go/pkg/pool"
)

// Graph is the entry point of the driver: a connection pool plus the
// session defaults, shared by any number of goroutines. Each
// operation leases one connection for its duration.
type Graph struct {
	cfg      *Config
	target   *target
	pool     *pool.Pool
	bookmark atomic.Value // string: latest causal point seen
	closed   atomic.Bool
}

// Open parses cfg.URI, builds the pool and returns a ready Graph. No
// connection is made until the first operation.
func Open(cfg *Config) (*Graph, error) {
	cfg = cfg.withDefaults()
	t, err := parseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" {
		t.username = cfg.Username
		t.password = cfg.Password
	}
	if cfg.Database != "" {
		t.database = cfg.Database
	}
	if cfg.TLSConfig != nil && t.tls != nil {
		t.tls = cfg.TLSConfig
	}
	if t.routing {
		// The neo4j scheme asks for server-side routing, which this
		// driver does not implement; the fixed endpoint is used.
		cfg.Logger.Infof(t.address, "neo4j scheme given but routing is not supported, using a direct connection")
	}

	g := &Graph{cfg: cfg, target: t}
	g.bookmark.Store("")

	token := auth.None()
	if t.username != "" {
		token = auth.Basic(t.username, t.password, "")
	}
	connCfg := &bolt.Config{
		Address:        t.address,
		Auth:           token.Map(),
		UserAgent:      cfg.UserAgent,
		TLS:            t.tls,
		ConnectTimeout: cfg.ConnectionTimeout,
		Logger:         cfg.Logger,
	}
	g.pool = pool.New(pool.Config{
		MaxConnections:        cfg.MaxConnections,
		AcquireTimeout:        cfg.AcquireTimeout,
		MaxConnectionLifetime: cfg.MaxConnectionLifetime,
		IdleTimeout:           cfg.IdleTimeout,
		Logger:                cfg.Logger,
	}, func(ctx context.Context) (*bolt.Conn, error) {
		return bolt.Connect(ctx, connCfg)
	})
	return g, nil
}

// OpenURI is shorthand for Open with basic auth and defaults.
func OpenURI(uri, username, password string) (*Graph, error) {
	cfg := DefaultConfig()
	cfg.URI = uri
	cfg.Username = username
	cfg.Password = password
	return Open(cfg)
}

// Bookmarks returns the bookmark set passed into new transactions for
// causal chaining; empty until a write completed.
func (g *Graph) Bookmarks() []string {
	if bm := g.bookmark.Load().(string); bm != "" {
		return []string{bm}
	}
	return nil
}

// noteBookmark replaces the chained bookmark with the latest one.
func (g *Graph) noteBookmark(bm string) {
	if bm != "" {
		g.bookmark.Store(bm)
	}
}

func (g *Graph) txConfig(mode bolt.AccessMode) bolt.TxConfig {
	return bolt.TxConfig{
		Mode:      mode,
		Bookmarks: g.Bookmarks(),
		Database:  g.target.database,
	}
}

func (g *Graph) acquire(ctx context.Context) (*bolt.Conn, error) {
	if g.closed.Load() {
		return nil, ErrGraphClosed
	}
	return g.pool.Acquire(ctx)
}

// Run executes an auto-commit query, discards its records server-side
// and returns the summary. The fast path for writes whose rows nobody
// reads.
func (g *Graph) Run(ctx context.Context, cypher string, params map[string]any) (*Summary, error) {
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer g.pool.Release(ctx, conn)

	stream, err := conn.Run(ctx, bolt.Command{Cypher: cypher, Params: params, FetchSize: g.cfg.FetchSize}, ptr(g.txConfig(bolt.WriteMode)))
	if err != nil {
		return nil, err
	}
	sum, err := stream.Consume(ctx)
	if err != nil {
		return nil, err
	}
	g.noteBookmark(sum.Bookmark)
	return sum, nil
}

// Execute runs an auto-commit query and returns its lazy result. The
// Result owns a pooled connection until it is exhausted or closed;
// always do one of the two.
func (g *Graph) Execute(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.Run(ctx, bolt.Command{Cypher: cypher, Params: params, FetchSize: g.cfg.FetchSize}, ptr(g.txConfig(bolt.WriteMode)))
	if err != nil {
		g.pool.Release(ctx, conn)
		return nil, err
	}
	return &Result{graph: g, conn: conn, stream: stream, ownsConn: true}, nil
}

// Begin opens an explicit transaction bound to one connection for its
// whole lifetime. The caller must Commit or Rollback on every path.
func (g *Graph) Begin(ctx context.Context) (*Transaction, error) {
	return g.begin(ctx, bolt.WriteMode)
}

func (g *Graph) begin(ctx context.Context, mode bolt.AccessMode) (*Transaction, error) {
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Begin(ctx, g.txConfig(mode)); err != nil {
		g.pool.Release(ctx, conn)
		return nil, err
	}
	return &Transaction{graph: g, conn: conn}, nil
}

// Stats exposes pool occupancy.
func (g *Graph) Stats() pool.Stats { return g.pool.Stats() }

// Close shuts the pool down. Outstanding leases are closed as they
// are released.
func (g *Graph) Close(ctx context.Context) {
	if g.closed.Swap(true) {
		return
	}
	g.pool.Close(ctx)
}

func ptr[T any](v T) *T { return &v }

// Result is a lazy row iterator over one query's stream. Single-pass
// and bound to the connection it was opened on.
type Result struct {
	graph    *Graph
	conn     *bolt.Conn
	stream   *bolt.Stream
	ownsConn bool // release to the pool when finished (auto-commit)
	finished bool
}

// Keys returns the column names.
func (r *Result) Keys() []string { return r.stream.Keys() }

// Next returns the next record, or (nil, nil) once the stream is
// exhausted. Exhaustion releases the underlying connection for
// auto-commit results.
func (r *Result) Next(ctx context.Context) (*Record, error) {
	if r.finished {
		return nil, nil
	}
	rec, err := r.stream.Next(ctx)
	if err != nil {
		r.finish(ctx)
		return nil, err
	}
	if rec == nil {
		if sum := r.stream.Summary(); sum != nil {
			r.graph.noteBookmark(sum.Bookmark)
		}
		r.finish(ctx)
	}
	return rec, nil
}

// Summary returns the completion metadata; nil until exhausted.
func (r *Result) Summary() *Summary { return r.stream.Summary() }

// Close discards any unread remainder of the stream so the
// connection can be reused, then releases it. Idempotent.
func (r *Result) Close(ctx context.Context) error {
	if r.finished {
		return nil
	}
	sum, err := r.stream.Consume(ctx)
	if sum != nil {
		r.graph.noteBookmark(sum.Bookmark)
	}
	r.finish(ctx)
	return err
}

func (r *Result) finish(ctx context.Context) {
	if r.finished {
		return
	}
	r.finished = true
	if r.ownsConn {
		r.graph.pool.Release(ctx, r.conn)
	}
}
