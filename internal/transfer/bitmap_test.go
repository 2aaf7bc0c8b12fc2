package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapBasics(t *testing.T) {
	b := NewBitmap(10)
	assert.Equal(t, 10, b.LenBits())

	assert.True(t, b.Set(0))
	assert.True(t, b.Set(3))
	assert.True(t, b.Set(9))
	assert.False(t, b.Set(3), "second set of the same bit")
	assert.False(t, b.Set(10), "out of range")

	assert.True(t, b.Get(0))
	assert.True(t, b.Get(9))
	assert.False(t, b.Get(1))
	assert.Equal(t, 3, b.CountSet())
	assert.Equal(t, []uint32{1, 2, 4, 5, 6, 7, 8}, b.Missing())
}

func TestBitmapResetReusesStorage(t *testing.T) {
	b := NewBitmap(64)
	for i := 0; i < 64; i++ {
		b.Set(i)
	}
	assert.Empty(t, b.Missing())

	b.Reset(16)
	assert.Equal(t, 16, b.LenBits())
	assert.Zero(t, b.CountSet())
	assert.Len(t, b.Missing(), 16)
}

func TestBitmapNil(t *testing.T) {
	var b *Bitmap
	assert.Zero(t, b.LenBits())
	assert.False(t, b.Set(0))
	assert.False(t, b.Get(0))
	assert.Nil(t, b.Missing())
}
