package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArena(t *testing.T) {
	t.Run("new shards are empty", func(t *testing.T) {
		a := newArena(3, 2)

		assert.True(t, a.empty(3))
		assert.True(t, a.empty(4))
	})

	t.Run("test node addition", func(t *testing.T) {
		a := newArena(3, 1)
		head := int32(3)

		a.pushFront(head, 0)
		a.pushFront(head, 1)
		a.pushFront(head, 2)

		assert.Equal(t, []int32{2, 1, 0}, a.toSlice(head))
	})

	t.Run("push back appends at the least recently used end", func(t *testing.T) {
		a := newArena(3, 1)
		head := int32(3)

		a.pushFront(head, 0)
		a.pushBack(head, 1)
		a.pushFront(head, 2)

		assert.Equal(t, []int32{2, 0, 1}, a.toSlice(head))
		assert.Equal(t, int32(1), a.prev(head))
	})

	t.Run("removed nodes can move to another shard", func(t *testing.T) {
		a := newArena(3, 2)
		first, second := int32(3), int32(4)

		a.pushFront(first, 0)
		a.pushFront(first, 1)
		a.pushFront(first, 2)

		a.remove(1)
		a.pushFront(second, 1)

		assert.Equal(t, []int32{2, 0}, a.toSlice(first))
		assert.Equal(t, []int32{1}, a.toSlice(second))
	})

	t.Run("accessing a node moves it to the front of the queue", func(t *testing.T) {
		a := newArena(3, 1)
		head := int32(3)

		a.pushFront(head, 0)
		a.pushFront(head, 1)
		a.pushFront(head, 2)

		a.remove(0)
		a.pushFront(head, 0)
		assert.Equal(t, []int32{0, 2, 1}, a.toSlice(head))
	})
}
