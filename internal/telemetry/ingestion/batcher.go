package ingestion

import "sync"

// batcher is the open batch of one record kind.
type batcher[T any] struct {
	mu    sync.Mutex
	size  int
	items []T
}

func newBatcher[T any](size int) *batcher[T] {
	return &batcher[T]{size: size, items: make([]T, 0, size)}
}

// add appends item. When the batch reaches its size it is swapped for an
// empty one and passed to submit while the lock is still held, so records
// arriving concurrently land in the next batch.
func (b *batcher[T]) add(item T, submit func([]T)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, item)
	if len(b.items) < b.size {
		return
	}
	full := b.items
	b.items = make([]T, 0, b.size)
	submit(full)
}

// drain swaps out a non-empty batch and passes it to submit.
func (b *batcher[T]) drain(submit func([]T)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return
	}
	full := b.items
	b.items = make([]T, 0, b.size)
	submit(full)
}

func (b *batcher[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
