package bolt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-go/pkg/bolt/bolttest"
)

func startServer(t *testing.T, cfg *bolttest.Config, exec bolttest.QueryExecutor) *bolttest.Server {
	t.Helper()
	if exec == nil {
		exec = bolttest.Static(bolttest.Rows([]string{"n"}, []any{int64(1)}))
	}
	srv := bolttest.New(cfg, exec)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *bolttest.Server) *Conn {
	t.Helper()
	conn, err := Connect(context.Background(), &Config{
		Address: srv.Addr(),
		Auth:    map[string]any{"scheme": "none"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func TestConnectNegotiatesVersion(t *testing.T) {
	tests := []struct {
		name    string
		version uint16
		want    Version
	}{
		{"bolt 5.4", 0x0504, Version{Major: 5, Minor: 4}},
		{"bolt 5.1", 0x0501, Version{Major: 5, Minor: 1}},
		{"bolt 5.0", 0x0500, Version{Major: 5, Minor: 0}},
		{"bolt 4.4", 0x0404, Version{Major: 4, Minor: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, &bolttest.Config{Version: tt.version}, nil)
			conn := dial(t, srv)
			assert.Equal(t, tt.want, conn.Version())
			assert.True(t, conn.IsAlive())
			assert.Equal(t, "NornicDB/0.1.0", conn.ServerVersion())
		})
	}
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	for _, version := range []uint16{0x0500, 0x0504} {
		srv := startServer(t, &bolttest.Config{
			Version:     version,
			Credentials: map[string]string{"neo4j": "password"},
		}, nil)

		_, err := Connect(context.Background(), &Config{
			Address: srv.Addr(),
			Auth:    map[string]any{"scheme": "basic", "principal": "neo4j", "credentials": "wrong"},
		})
		var ae *AuthError
		require.ErrorAs(t, err, &ae, "version %04x", version)

		conn, err := Connect(context.Background(), &Config{
			Address: srv.Addr(),
			Auth:    map[string]any{"scheme": "basic", "principal": "neo4j", "credentials": "password"},
		})
		require.NoError(t, err, "version %04x", version)
		conn.Close(context.Background())
	}
}

func TestRunYieldsRecordsAndSummary(t *testing.T) {
	srv := startServer(t, nil, bolttest.Static(bolttest.Rows(
		[]string{"name", "age"},
		[]any{"Mark", int64(40)},
		[]any{"Anna", int64(37)},
	)))
	conn := dial(t, srv)
	ctx := context.Background()

	stream, err := conn.Run(ctx, Command{Cypher: "MATCH (p) RETURN p.name, p.age"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age"}, stream.Keys())

	rec1, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec1)
	name, ok := rec1.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Mark", name)

	rec2, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec2)

	end, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, end)
	require.NotNil(t, stream.Summary())
	assert.Equal(t, "rw", stream.Summary().QueryType)
	assert.NotEmpty(t, conn.Bookmark())
	assert.Equal(t, stateReady, conn.state)
}

func TestStreamPagesWithHasMore(t *testing.T) {
	const total = 25
	srv := startServer(t, nil, bolttest.CountRows("i", total))
	conn := dial(t, srv)
	ctx := context.Background()

	stream, err := conn.Run(ctx, Command{Cypher: "UNWIND range(0,24) AS i RETURN i", FetchSize: 10}, nil)
	require.NoError(t, err)

	var got []int64
	for {
		rec, err := stream.Next(ctx)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		got = append(got, rec.Values[0].(int64))
	}
	require.Len(t, got, total)
	for i, v := range got {
		assert.Equal(t, int64(i), v, "rows must arrive in order")
	}
	assert.Equal(t, stateReady, conn.state)
}

func TestConsumeDiscardsRemainder(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 1000))
	conn := dial(t, srv)
	ctx := context.Background()

	stream, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: 10}, nil)
	require.NoError(t, err)

	// Read a few rows, then abandon the stream.
	for i := 0; i < 3; i++ {
		rec, err := stream.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	sum, err := stream.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, stateReady, conn.state)

	// The connection is immediately reusable.
	stream2, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: -1}, nil)
	require.NoError(t, err)
	_, err = stream2.Consume(ctx)
	require.NoError(t, err)
}

func TestRunWhileStreamingBuffersPrevious(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 8))
	conn := dial(t, srv)
	ctx := context.Background()

	first, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: 3}, nil)
	require.NoError(t, err)

	second, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: -1}, nil)
	require.NoError(t, err)

	// The first stream was buffered client-side and is still fully
	// readable even though the connection has moved on.
	var count int
	for {
		rec, err := first.Next(ctx)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		count++
	}
	assert.Equal(t, 8, count)

	_, err = second.Consume(ctx)
	require.NoError(t, err)
}

func TestExplicitTransaction(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 5))
	conn := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx, TxConfig{}))
	assert.True(t, conn.InTx())

	stream, err := conn.Run(ctx, Command{Cypher: "q"}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stream.Qid(), int64(0), "transactions carry explicit qids")

	var count int
	for {
		rec, err := stream.Next(ctx)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		count++
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, stateTx, conn.state)

	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, stateReady, conn.state)
	assert.NotEmpty(t, conn.Bookmark())
}

func TestCommitDiscardsOpenStream(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 100))
	conn := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx, TxConfig{}))
	_, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: 5}, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, stateReady, conn.state)
}

func TestRollback(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx, TxConfig{}))
	_, err := conn.Run(ctx, Command{Cypher: "CREATE (n)"}, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Rollback(ctx))
	assert.Equal(t, stateReady, conn.state)
}

func TestFailureThenResetRecovers(t *testing.T) {
	exec := bolttest.ExecutorFunc(func(_ context.Context, query string, _ map[string]any) (*bolttest.QueryResult, error) {
		if query == "boom" {
			return nil, &bolttest.ServerError{Code: "Neo.ClientError.Statement.SyntaxError", Message: "bad cypher"}
		}
		return bolttest.Rows([]string{"n"}, []any{int64(1)}), nil
	})
	srv := startServer(t, nil, exec)
	conn := dial(t, srv)
	ctx := context.Background()

	_, err := conn.Run(ctx, Command{Cypher: "boom"}, nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Neo.ClientError.Statement.SyntaxError", se.Code)
	assert.Equal(t, "ClientError", se.Classification())
	assert.True(t, conn.HasFailed())
	assert.True(t, conn.IsAlive())

	// Everything fails until RESET: the queued PULL drew an IGNORED
	// which the reset drain consumes.
	require.NoError(t, conn.Reset(ctx))
	assert.False(t, conn.HasFailed())

	stream, err := conn.Run(ctx, Command{Cypher: "ok"}, nil)
	require.NoError(t, err)
	_, err = stream.Consume(ctx)
	require.NoError(t, err)
}

func TestResetAbortsTransactionAndStream(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 50))
	conn := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx, TxConfig{}))
	stream, err := conn.Run(ctx, Command{Cypher: "q", FetchSize: 5}, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Reset(ctx))
	assert.Equal(t, stateReady, conn.state)
	assert.False(t, conn.InTx())

	// The old stream is dead, not resumed.
	_, err = stream.Next(ctx)
	require.Error(t, err)
}

func TestDialFailure(t *testing.T) {
	_, err := Connect(context.Background(), &Config{Address: "127.0.0.1:1"})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
}

func TestCanceledContextFailsRun(t *testing.T) {
	srv := startServer(t, nil, bolttest.CountRows("i", 1))
	conn := dial(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.Run(ctx, Command{Cypher: "q"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || !conn.IsAlive())
}

func TestTxConfigExtra(t *testing.T) {
	tc := &TxConfig{
		Mode:      ReadMode,
		Bookmarks: []string{"bm-1"},
		Timeout:   1500 * time.Millisecond,
		Meta:      map[string]any{"app": "test"},
		Database:  "movies",
	}
	extra := tc.toExtra()
	assert.Equal(t, "r", extra["mode"])
	assert.Equal(t, []string{"bm-1"}, extra["bookmarks"])
	assert.Equal(t, int64(1500), extra["tx_timeout"])
	assert.Equal(t, "movies", extra["db"])

	// Write mode and zero values leave the extra map empty.
	assert.Empty(t, (&TxConfig{}).toExtra())
	assert.Empty(t, (*TxConfig)(nil).toExtra())
}
