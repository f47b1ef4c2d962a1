// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ringbuffer_test

import (
	"testing"

	"github.com/antimetal/heaptrace/pkg/ringbuffer"
	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	t.Run("basic push and getAll", func(t *testing.T) {
		rb, err := ringbuffer.New[int](3)
		assert.NoError(t, err)

		assert.Equal(t, []int{}, rb.GetAll())
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, 3, rb.Cap())

		rb.Push(1)
		assert.Equal(t, []int{1}, rb.GetAll())
		assert.Equal(t, 1, rb.Len())

		rb.Push(2)
		rb.Push(3)
		assert.Equal(t, []int{1, 2, 3}, rb.GetAll())
		assert.Equal(t, 3, rb.Len())
	})

	t.Run("overflow wraps around", func(t *testing.T) {
		rb, err := ringbuffer.New[string](3)
		assert.NoError(t, err)

		rb.Push("a")
		rb.Push("b")
		rb.Push("c")
		assert.Equal(t, []string{"a", "b", "c"}, rb.GetAll())

		rb.Push("d")
		assert.Equal(t, []string{"b", "c", "d"}, rb.GetAll())

		rb.Push("e")
		rb.Push("f")
		assert.Equal(t, []string{"d", "e", "f"}, rb.GetAll())
	})

	t.Run("last returns most recent", func(t *testing.T) {
		rb, err := ringbuffer.New[string](2)
		assert.NoError(t, err)

		_, ok := rb.Last()
		assert.False(t, ok)

		rb.Push("malformed line 1: too few fields")
		rb.Push("malformed line 2: bad hex digit")
		last, ok := rb.Last()
		assert.True(t, ok)
		assert.Equal(t, "malformed line 2: bad hex digit", last)

		rb.Push("malformed line 3: truncated record")
		last, ok = rb.Last()
		assert.True(t, ok)
		assert.Equal(t, "malformed line 3: truncated record", last)
	})

	t.Run("clear buffer", func(t *testing.T) {
		rb, err := ringbuffer.New[int](5)
		assert.NoError(t, err)

		for i := 0; i < 10; i++ {
			rb.Push(i)
		}

		assert.Equal(t, 5, rb.Len())
		assert.Equal(t, []int{5, 6, 7, 8, 9}, rb.GetAll())

		rb.Clear()
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, []int{}, rb.GetAll())

		rb.Push(100)
		rb.Push(200)
		assert.Equal(t, 2, rb.Len())
		assert.Equal(t, []int{100, 200}, rb.GetAll())
	})

	t.Run("struct type", func(t *testing.T) {
		type allocEvent struct {
			index   uint32
			isAlloc bool
		}

		rb, err := ringbuffer.New[allocEvent](2)
		assert.NoError(t, err)

		rb.Push(allocEvent{1, true})
		rb.Push(allocEvent{2, true})
		rb.Push(allocEvent{3, false})

		result := rb.GetAll()
		assert.Len(t, result, 2)
		assert.Equal(t, allocEvent{2, true}, result[0])
		assert.Equal(t, allocEvent{3, false}, result[1])
	})

	t.Run("invalid capacity", func(t *testing.T) {
		rb, err := ringbuffer.New[int](0)
		assert.Error(t, err)
		assert.Nil(t, rb)
		assert.Contains(t, err.Error(), "capacity must be greater than 0, got 0")

		rb, err = ringbuffer.New[int](-5)
		assert.Error(t, err)
		assert.Nil(t, rb)
		assert.Contains(t, err.Error(), "capacity must be greater than 0, got -5")
	})
}
