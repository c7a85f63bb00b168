package nornicdb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orneryd/nornicdb-go/pkg/bolt"
)

// TxWork is the unit of work run inside a managed transaction. It may
// be invoked several times and must therefore be idempotent; return
// an error to roll back.
type TxWork func(tx *Transaction) (any, error)

// ExecuteRead runs work in a managed read transaction, retrying on
// transient failures with exponential backoff.
func (g *Graph) ExecuteRead(ctx context.Context, work TxWork) (any, error) {
	return g.executeManaged(ctx, bolt.ReadMode, work)
}

// ExecuteWrite runs work in a managed write transaction, retrying on
// transient failures with exponential backoff.
func (g *Graph) ExecuteWrite(ctx context.Context, work TxWork) (any, error) {
	return g.executeManaged(ctx, bolt.WriteMode, work)
}

func (g *Graph) executeManaged(ctx context.Context, mode bolt.AccessMode, work TxWork) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = g.cfg.MaxRetryTime
	bo.Reset()

	var lastErr error
	for {
		result, err := g.attempt(ctx, mode, work)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, lastErr
		}
		g.cfg.Logger.Infof(g.target.address, "transient failure, retrying in %s: %v", wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt is one full BEGIN/work/COMMIT cycle on a fresh lease.
func (g *Graph) attempt(ctx context.Context, mode bolt.AccessMode, work TxWork) (any, error) {
	tx, err := g.begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	result, err := work(tx)
	if err != nil {
		_ = tx.Rollback(ctx) // best effort; the pool resets leftovers
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
