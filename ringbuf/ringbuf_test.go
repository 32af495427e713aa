package ringbuf_test

import (
	"testing"

	"github.com/daedaluz/gatmux/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadDrain(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(8)
	n := b.Write([]byte("hello"))
	require.Equal(t, 5, n)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 3, b.Avail())
	assert.Equal(t, []byte("hello"), b.Peek(5))
	b.Drain(2)
	assert.Equal(t, []byte("llo"), b.Peek(3))
	assert.Equal(t, 3, b.Len())
}

func TestWriteWrapsAroundBackingArray(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(4)
	b.Write([]byte("ab"))
	b.Drain(2)
	n := b.Write([]byte("cdef"))
	require.Equal(t, 4, n)
	assert.Equal(t, []byte("cdef"), b.Peek(4))
}

func TestWriteTruncatesWhenFull(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(4)
	n := b.Write([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, b.Avail())
}

func TestAvailNoWrapStopsAtEndOfBackingArray(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(8)
	b.Write([]byte("123456"))
	b.Drain(6)
	// write pointer is now at offset 6 of an 8-byte backing array: only
	// 2 bytes are writable before the end of the array, even though 8
	// bytes are logically free.
	assert.Equal(t, 8, b.Avail())
	assert.Equal(t, 2, b.AvailNoWrap())
}

func TestWritePtrWriteAdvanceRoundTrip(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(8)
	dst := b.WritePtr(0)
	n := copy(dst, "xyz")
	b.WriteAdvance(n)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []byte("xyz"), b.Peek(3))
}

func TestResetEmptiesBuffer(t *testing.T) {
	t.Parallel()
	b := ringbuf.New(4)
	b.Write([]byte("ab"))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Avail())
}
