package shimmer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type BatchMode int

const (
	// FailFast aborts the batch on the first failed item.
	FailFast BatchMode = iota
	// BestEffort drops failed items and returns the rest.
	BestEffort
)

func (b BatchMode) String() string {
	switch b {
	case FailFast:
		return "fail_fast"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// FetchAll requests every id through the manager, one goroutine per id, in
// chunks of at most MaxParallelRequests. A chunk only starts once the previous
// one has fully finished, so the number of outstanding node requests never
// exceeds the bound. Quorum requests fan out to quorum-size nodes each, the
// chunk shrinks accordingly.
//
// Results keep the relative order of ids. In FailFast mode the results of
// chunks completed before the failure are returned with the error.
func FetchAll[K any, T any](ctx context.Context, m *NodeManager, ids []K, mode BatchMode, spec func(K) RequestSpec, quorum bool) (out []T, err error) {
	chunkSize := m.MaxParallelRequests()
	if quorum && m.cfg.Quorum.Size > 1 {
		chunkSize /= m.cfg.Quorum.Size
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	out = make([]T, 0, len(ids))

	for start := 0; start < len(ids); start += chunkSize {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrapf(ctxErr, "batch aborted at item %d of %d", start, len(ids))
			return
		}

		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		var results []T
		switch mode {
		case FailFast:
			results, err = fetchChunkFailFast[K, T](ctx, m, ids[start:end], start, spec, quorum)
			if err != nil {
				return
			}
		case BestEffort:
			results = fetchChunkBestEffort[K, T](ctx, m, ids[start:end], spec, quorum)
		default:
			err = errors.Errorf("unknown batch mode %d", mode)
			return
		}

		out = append(out, results...)
	}

	return
}

func fetchChunkFailFast[K any, T any](ctx context.Context, m *NodeManager, chunk []K, offset int, spec func(K) RequestSpec, quorum bool) (results []T, err error) {
	results = make([]T, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range chunk {
		i, id := i, id
		g.Go(func() error {
			value, err := Request[T](gctx, m, spec(id), quorum)
			if err != nil {
				m.metrics.batchItem(FailFast, "failed")
				return errors.Wrapf(err, "batch item %d (%v)", offset+i, id)
			}
			m.metrics.batchItem(FailFast, "ok")
			results[i] = value
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		results = nil
	}

	return
}

func fetchChunkBestEffort[K any, T any](ctx context.Context, m *NodeManager, chunk []K, spec func(K) RequestSpec, quorum bool) (results []T) {
	values := make([]T, len(chunk))
	ok := make([]bool, len(chunk))

	wg := &sync.WaitGroup{}
	for i, id := range chunk {
		wg.Add(1)
		go func(i int, id K) {
			defer wg.Done()
			value, err := Request[T](ctx, m, spec(id), quorum)
			if err != nil {
				m.metrics.batchItem(BestEffort, "dropped")
				m.log.Debug().Err(err).Interface("id", id).Msg("dropping failed batch item")
				return
			}
			m.metrics.batchItem(BestEffort, "ok")
			values[i] = value
			ok[i] = true
		}(i, id)
	}
	wg.Wait()

	results = make([]T, 0, len(chunk))
	for i := range values {
		if ok[i] {
			results = append(results, values[i])
		}
	}

	return
}
