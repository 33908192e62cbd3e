// Package blocktime resolves block heights to wall-clock timestamps. The
// ledger only records a height on each log; rendering vote and cancel times
// requires this secondary lookup.
package blocktime

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/domain"
)

// Resolver resolves block numbers to timestamps.
//
//go:generate mockgen -source=resolver.go -destination=../mocks/blocktime.go -package=mocks -mock_names=Resolver=MockBlockTimeResolver
type Resolver interface {
	// Resolve returns the timestamp of a single block.
	Resolve(ctx context.Context, blockNumber uint64) (time.Time, error)

	// ResolveAll resolves a set of block numbers concurrently. Lookups are
	// fanned out and joined; any single failure fails the whole call.
	ResolveAll(ctx context.Context, blockNumbers []uint64) (map[uint64]time.Time, error)
}

type resolver struct {
	client   adapter.EthClient
	clock    adapter.Clock
	poolSize int

	mu    sync.RWMutex
	cache map[uint64]time.Time
}

// New creates a resolver with an in-memory cache. Block timestamps are
// immutable, so the cache never invalidates.
func New(client adapter.EthClient, clock adapter.Clock, poolSize int) Resolver {
	if poolSize <= 0 {
		poolSize = 16
	}
	return &resolver{
		client:   client,
		clock:    clock,
		poolSize: poolSize,
		cache:    make(map[uint64]time.Time),
	}
}

func (r *resolver) Resolve(ctx context.Context, blockNumber uint64) (time.Time, error) {
	r.mu.RLock()
	ts, ok := r.cache[blockNumber]
	r.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, domain.NewRetryableError(err)
	}

	ts = r.clock.Unix(int64(header.Time), 0) //nolint:gosec,G115 // header.Time is a uint64 from geth which is safe to cast
	r.mu.Lock()
	r.cache[blockNumber] = ts
	r.mu.Unlock()

	return ts, nil
}

func (r *resolver) ResolveAll(ctx context.Context, blockNumbers []uint64) (map[uint64]time.Time, error) {
	unique := make(map[uint64]struct{}, len(blockNumbers))
	for _, n := range blockNumbers {
		unique[n] = struct{}{}
	}

	type resolved struct {
		block uint64
		ts    time.Time
	}

	pool := pond.NewResultPool[resolved](r.poolSize, pond.WithContext(ctx))
	group := pool.NewGroup()
	for n := range unique {
		n := n
		group.SubmitErr(func() (resolved, error) {
			ts, err := r.Resolve(ctx, n)
			if err != nil {
				return resolved{}, err
			}
			return resolved{block: n, ts: ts}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]time.Time, len(results))
	for _, res := range results {
		out[res.block] = res.ts
	}
	return out, nil
}
