package memtable

import (
	"bytes"
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode struct {
	Key     []byte
	Value   []byte
	Forward []*SkipListNode
}

// SkipList is an ordered byte-keyed map. Keys compare with bytes.Compare, so
// iteration order matches the order a prefix scan must return.
type SkipList struct {
	Head  *SkipListNode
	Level int
	Size  int
	bytes int64
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	head := &SkipListNode{
		Forward: make([]*SkipListNode, MaxLevel),
	}
	return &SkipList{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findGreaterOrEqual returns the first node whose key is >= key and fills
// update with the rightmost node before it on every level.
func (sl *SkipList) findGreaterOrEqual(key []byte, update []*SkipListNode) *SkipListNode {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && bytes.Compare(current.Forward[i].Key, key) < 0 {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Insert adds or updates a key-value pair. The skip list keeps its own copies
// of key and value.
func (sl *SkipList) Insert(key, value []byte) {
	update := make([]*SkipListNode, MaxLevel)
	current := sl.findGreaterOrEqual(key, update)

	value = bytes.Clone(value)

	// Check if key already exists
	if current != nil && bytes.Equal(current.Key, key) {
		sl.bytes += int64(len(value) - len(current.Value))
		current.Value = value
		return
	}

	// Insert new node
	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode{
		Key:     bytes.Clone(key),
		Value:   value,
		Forward: make([]*SkipListNode, newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
	sl.bytes += int64(len(key) + len(value))
}

// Search finds a value by key
func (sl *SkipList) Search(key []byte) ([]byte, bool) {
	current := sl.findGreaterOrEqual(key, nil)
	if current != nil && bytes.Equal(current.Key, key) {
		return current.Value, true
	}
	return nil, false
}

// Delete removes a key from the skip list
func (sl *SkipList) Delete(key []byte) bool {
	update := make([]*SkipListNode, MaxLevel)
	current := sl.findGreaterOrEqual(key, update)
	if current == nil || !bytes.Equal(current.Key, key) {
		return false
	}

	// Remove node
	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}

	// Update level
	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}

	sl.Size--
	sl.bytes -= int64(len(current.Key) + len(current.Value))
	return true
}

// Len returns the number of elements in the skip list
func (sl *SkipList) Len() int {
	return sl.Size
}

// ApproximateBytes returns the summed size of all keys and values.
func (sl *SkipList) ApproximateBytes() int64 {
	return sl.bytes
}

// Iterator returns a new skip list iterator positioned before the first entry
func (sl *SkipList) Iterator() *SkipListIterator {
	return &SkipListIterator{
		list:    sl,
		current: sl.Head,
	}
}

// SkipListIterator iterates over skip list entries in key order
type SkipListIterator struct {
	list    *SkipList
	current *SkipListNode
	pending *SkipListNode
}

// Seek positions the iterator so that the next call to Next lands on the
// first entry whose key is >= key.
func (it *SkipListIterator) Seek(key []byte) {
	it.pending = it.list.findGreaterOrEqual(key, nil)
	it.current = nil
}

// Next moves to the next element
func (it *SkipListIterator) Next() bool {
	if it.pending != nil {
		it.current, it.pending = it.pending, nil
		return true
	}
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Value
}
