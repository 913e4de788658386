package billing

// Batch accumulates per-item outcomes of a best-effort loop: a failure on
// one item is recorded and the loop moves on.
type Batch[T any] struct {
	Done   []T
	Failed []ItemError
}

func (b *Batch[T]) Ok(v T) { b.Done = append(b.Done, v) }

func (b *Batch[T]) Fail(item, op string, err error) {
	b.Failed = append(b.Failed, ItemError{Item: item, Op: op, Err: err})
}

// Clean reports whether no item failed.
func (b *Batch[T]) Clean() bool { return len(b.Failed) == 0 }
