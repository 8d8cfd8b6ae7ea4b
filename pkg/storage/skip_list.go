// This file implements a generic SkipList. A skip list maintains multiple
// forward-pointer layers over a sorted linked list. Each key may be promoted
// to higher levels with probability p, forming express lanes that let searches
// skip over large ranges. Operations start at the highest populated level and
// descend when advancing would overshoot the target key.
//
// Properties
// - Expected time complexity for Get/Set/Delete: O(log n)
// - Space complexity: O(n)
// - Probabilistic balancing controlled by promotion probability p (default 0.25)
// - Deterministic iteration order by key using per-level forward pointers

package storage

import (
	"errors"
	"iter"
	"math/rand"
	"time"

	"github.com/nobletooth/imgcache/pkg/utils"
)

// skipListNode represents a node in the skip list.
type skipListNode[K any, V any] struct {
	key      K
	value    V
	forwards []*skipListNode[K, V] // forward pointers per level (0..level-1)
}

// SkipList is a probabilistically balanced ordered map.
// The structure maintains up to maxLevel layers; each node appears in level i
// with probability p^i (independently), enabling logarithmic expected search.
// SkipList is not thread-safe; callers guard it.
type SkipList[K any, V any] struct {
	head            *skipListNode[K, V]
	compare         utils.CompareFn[K]
	level, maxLevel int
	length          int
	p               float64 // Probability that a node is promoted to the next level.
	rnd             *rand.Rand
}

// NewSkipList creates a new empty skip list ordered by `compare`.
// Defaults: maxLevel=16, p=0.25.
func NewSkipList[K any, V any](compare utils.CompareFn[K]) *SkipList[K, V] {
	const defaultMaxLevel = 16
	const defaultP = 0.25
	return &SkipList[K, V]{
		head:     &skipListNode[K, V]{forwards: make([]*skipListNode[K, V], defaultMaxLevel)},
		compare:  compare,
		level:    1,
		maxLevel: defaultMaxLevel,
		p:        defaultP,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// randomLevel generates a random level based on the skip list's probability p.
func (s *SkipList[K, V]) randomLevel() int {
	lvl := 1
	for lvl < s.maxLevel && s.rnd.Float64() < s.p {
		lvl++
	}
	return lvl
}

// predecessors fills `update` with the last node before `key` on every level and returns the level 0 one.
func (s *SkipList[K, V]) predecessors(key K, update []*skipListNode[K, V]) *skipListNode[K, V] {
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && s.compare(next.key, key) < 0; next = n.forwards[lvl] {
			n = next
		}
		if update != nil {
			update[lvl] = n
		}
	}
	return n
}

// Get returns the value for key or ErrKeyNotFound if the key is absent.
func (s *SkipList[K, V]) Get(key K) (V, error) {
	var zero V
	if s == nil || s.head == nil {
		return zero, ErrKeyNotFound
	}
	// Candidate is at level 0 forward from the predecessor.
	if n := s.predecessors(key, nil).forwards[0]; n != nil && s.compare(n.key, key) == 0 {
		return n.value, nil
	}
	return zero, ErrKeyNotFound
}

// Set inserts a new key/value or updates an existing one and reports whether the key already existed.
// It records the immediate predecessors per level during the search, then
// either updates in place or splices in a new node of random level.
func (s *SkipList[K, V]) Set(key K, value V) ( /*alreadyExists*/ bool, error) {
	if s == nil || s.head == nil {
		return false, errors.New("skip list not initialized")
	}
	update := make([]*skipListNode[K, V], s.maxLevel)
	node := s.predecessors(key, update)
	if next := node.forwards[0]; next != nil && s.compare(next.key, key) == 0 {
		next.value = value
		return true, nil
	}
	// Insert a new node with a random level.
	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}
	newNode := &skipListNode[K, V]{key: key, value: value, forwards: make([]*skipListNode[K, V], lvl)}
	for i := range lvl {
		newNode.forwards[i] = update[i].forwards[i]
		update[i].forwards[i] = newNode
	}
	s.length++
	return false, nil
}

// Delete removes key from the list or returns ErrKeyNotFound.
// It finds predecessors at each level and rewires forward pointers to skip the
// target node, then trims empty top levels.
func (s *SkipList[K, V]) Delete(key K) error {
	if s == nil || s.head == nil {
		return ErrKeyNotFound
	}
	update := make([]*skipListNode[K, V], s.maxLevel)
	target := s.predecessors(key, update).forwards[0]
	if target == nil || s.compare(target.key, key) != 0 {
		return ErrKeyNotFound
	}
	for i := range s.level {
		if update[i].forwards[i] == target {
			update[i].forwards[i] = target.forwards[i]
		}
	}
	// Decrease level if the top levels are now empty.
	for s.level > 1 && s.head.forwards[s.level-1] == nil {
		s.level--
	}
	s.length--
	return nil
}

// Len returns the number of keys held.
func (s *SkipList[K, V]) Len() int {
	return s.length
}

// Iterate yields every key/value pair in ascending key order.
func (s *SkipList[K, V]) Iterate() iter.Seq[utils.Pair[K, V]] {
	return func(yield func(utils.Pair[K, V]) bool) {
		if s == nil || s.head == nil {
			return
		}
		for n := s.head.forwards[0]; n != nil; n = n.forwards[0] {
			if !yield(utils.Pair[K, V]{Key: n.key, Value: n.value}) {
				return
			}
		}
	}
}

// Clear drops every key.
func (s *SkipList[K, V]) Clear() {
	clear(s.head.forwards)
	s.level, s.length = 1, 0
}
