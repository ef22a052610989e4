package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/pkg/ring"
)

func TestRing_PushEvictsOldest(t *testing.T) {
	r := ring.New[int](3)

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.False(t, r.Push(3))
	assert.True(t, r.Push(4))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{2, 3, 4}, r.Slice())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last)
}

func TestRing_PopAndTail(t *testing.T) {
	r := ring.New[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	assert.Equal(t, []string{"d", "e"}, r.Tail(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Tail(10))
	assert.Nil(t, r.Tail(0))

	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, "c", r.At(0))

	r.Push("f")
	r.Push("g")
	assert.Equal(t, []string{"d", "e", "f", "g"}, r.Slice())
}

func TestRing_Empty(t *testing.T) {
	r := ring.New[int](0)
	assert.Equal(t, 1, r.Cap())

	_, ok := r.Pop()
	assert.False(t, ok)
	_, ok = r.Last()
	assert.False(t, ok)

	assert.Panics(t, func() { r.At(0) })
}

func TestRing_Do(t *testing.T) {
	r := ring.New[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	sum := 0
	r.Do(func(v int) { sum += v })
	assert.Equal(t, 5, sum)
}
