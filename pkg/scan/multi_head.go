// A transaction over the in-memory store sees its own buffered writes on top of the committed partition, so a
// partition scan has to merge both sources in key order without copying either of them.

package scan

import (
	"container/heap"
	"errors"
	"iter"

	"github.com/nobletooth/imgcache/pkg/utils"
)

// head is the next pair of one source sequence.
type head[K any, V any] struct {
	pair   utils.Pair[K, V]
	source int // Index into the sequences given to MultiHead; lower wins on equal keys.
}

// headHeap orders the heads of all non-exhausted sources by key, then by source.
type headHeap[K any, V any] struct { // Implements heap.Interface.
	compare utils.CompareFn[K]
	heads   []head[K, V]
}

var _ heap.Interface = (*headHeap[int, int])(nil)

func (h *headHeap[K, V]) Len() int { return len(h.heads) }

func (h *headHeap[K, V]) Less(i, j int) bool {
	if order := h.compare(h.heads[i].pair.Key, h.heads[j].pair.Key); order != 0 {
		return order < 0
	}
	return h.heads[i].source < h.heads[j].source
}

func (h *headHeap[K, V]) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

func (h *headHeap[K, V]) Push(x any) { h.heads = append(h.heads, x.(head[K, V])) }

func (h *headHeap[K, V]) Pop() any {
	last := h.heads[len(h.heads)-1]
	h.heads = h.heads[:len(h.heads)-1]
	return last
}

// MultiHead merges increasing sequences into one increasing sequence. A key held by several sequences is
// yielded once, with the pair of the earliest of them in `sequences`. Sources are pulled lazily on every
// iteration of the result and released when it ends.
func MultiHead[Seq iter.Seq[utils.Pair[K, V]], K any, V any](compare utils.CompareFn[K], sequences []Seq) (Seq, error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}
	if len(sequences) == 0 {
		return nil, errors.New("expected a non-empty sequences")
	}

	return func(yield func(utils.Pair[K, V]) bool) {
		heads := &headHeap[K, V]{compare: compare, heads: make([]head[K, V], 0, len(sequences))}
		pulls := make([]func() (utils.Pair[K, V], bool), len(sequences))
		for source, seq := range sequences {
			next, stop := iter.Pull(iter.Seq[utils.Pair[K, V]](seq))
			defer stop()
			pulls[source] = next
			if pair, ok := next(); ok {
				heap.Push(heads, head[K, V]{pair: pair, source: source})
			}
		}

		var lastKey K
		yielded := false
		for heads.Len() > 0 {
			top := heap.Pop(heads).(head[K, V])
			if pair, ok := pulls[top.source](); ok {
				heap.Push(heads, head[K, V]{pair: pair, source: top.source})
			}
			if yielded && compare(lastKey, top.pair.Key) == 0 { // Shadowed by an earlier source.
				continue
			}
			lastKey, yielded = top.pair.Key, true
			if !yield(top.pair) {
				return
			}
		}
	}, nil
}
