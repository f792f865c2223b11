package kv

import (
	"bytes"
	"sort"
)

// Search finds key in items sorted by keyOf, returning the insertion
// position when it is absent.
func Search[T any](items []T, key []byte, keyOf func(*T) []byte) (int, bool) {
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(keyOf(&items[i]), key) >= 0
	})
	return i, i < len(items) && bytes.Equal(keyOf(&items[i]), key)
}

// SliceCursor is a Cursor over a slice sorted by key.
type SliceCursor[T any] struct {
	Items   []T
	KeyOf   func(*T) []byte
	ValueOf func(*T) []byte

	pos int
}

func NewSliceCursor[T any](items []T, keyOf, valueOf func(*T) []byte) *SliceCursor[T] {
	return &SliceCursor[T]{Items: items, KeyOf: keyOf, ValueOf: valueOf, pos: -1}
}

// Current returns the item under the cursor, or nil.
func (c *SliceCursor[T]) Current() *T {
	if c.pos < 0 || c.pos >= len(c.Items) {
		return nil
	}
	return &c.Items[c.pos]
}

func (c *SliceCursor[T]) at(i int) ([]byte, []byte) {
	c.pos = i
	if i < 0 || i >= len(c.Items) {
		return nil, nil
	}
	item := &c.Items[i]
	var v []byte
	if c.ValueOf != nil {
		v = c.ValueOf(item)
	}
	return c.KeyOf(item), v
}

func (c *SliceCursor[T]) First() ([]byte, []byte) { return c.at(0) }

func (c *SliceCursor[T]) Last() ([]byte, []byte) { return c.at(len(c.Items) - 1) }

func (c *SliceCursor[T]) Seek(seek []byte) ([]byte, []byte) {
	i, _ := Search(c.Items, seek, c.KeyOf)
	return c.at(i)
}

func (c *SliceCursor[T]) Next() ([]byte, []byte) {
	if c.pos >= len(c.Items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *SliceCursor[T]) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	return c.at(c.pos - 1)
}
