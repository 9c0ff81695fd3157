package fetch

import (
	"context"
	"sync"
	"time"
)

type result[V any] struct {
	val V
	err error
}

// Batcher collects individual lookups into batched calls, flushing when
// the batch fills up or the oldest entry has waited long enough. Keys
// the process func omits from its result map resolve to the zero value,
// which callers treat as a definitive miss.
type Batcher[K comparable, V any] struct {
	ctx     context.Context
	maxSize int
	maxTime time.Duration
	process func(ctx context.Context, keys []K) (map[K]V, error)

	lk      sync.Mutex
	pending map[K][]chan result[V]
	order   []K
	timer   *time.Timer
}

// NewBatcher's ctx bounds every batched call: cancelling it aborts
// in-flight batches and fails their waiters.
func NewBatcher[K comparable, V any](ctx context.Context, maxSize int, maxTime time.Duration, process func(ctx context.Context, keys []K) (map[K]V, error)) *Batcher[K, V] {
	return &Batcher[K, V]{
		ctx:     ctx,
		maxSize: maxSize,
		maxTime: maxTime,
		process: process,
		pending: make(map[K][]chan result[V]),
	}
}

// Request enqueues key and blocks until its batch resolves or ctx is
// cancelled. Duplicate keys in the same batch share one slot.
func (b *Batcher[K, V]) Request(ctx context.Context, key K) (V, error) {
	ch := make(chan result[V], 1)

	b.lk.Lock()
	if _, ok := b.pending[key]; !ok {
		b.order = append(b.order, key)
	}
	b.pending[key] = append(b.pending[key], ch)

	if len(b.order) >= b.maxSize {
		batch := b.take()
		b.lk.Unlock()
		go b.run(batch)
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.maxTime, b.flushTimer)
		}
		b.lk.Unlock()
	}

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (b *Batcher[K, V]) flushTimer() {
	b.lk.Lock()
	batch := b.take()
	b.lk.Unlock()
	if batch != nil {
		b.run(batch)
	}
}

// take detaches the current batch. Caller holds the lock.
func (b *Batcher[K, V]) take() map[K][]chan result[V] {
	if len(b.order) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make(map[K][]chan result[V])
	b.order = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher[K, V]) run(batch map[K][]chan result[V]) {
	keys := make([]K, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}

	vals, err := b.process(b.ctx, keys)
	for k, chans := range batch {
		res := result[V]{err: err}
		if err == nil {
			res.val = vals[k]
		}
		for _, ch := range chans {
			ch <- res
		}
	}
}
