package transfer

// Bitmap is a compact bitset for tracking chunk presence.
type Bitmap struct {
	bits int
	set  int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of bits.
func NewBitmap(bits int) *Bitmap {
	b := &Bitmap{}
	b.Reset(bits)
	return b
}

// Reset clears every bit and resizes the bitmap, reusing storage when it fits.
func (b *Bitmap) Reset(bits int) {
	if bits < 0 {
		bits = 0
	}
	byteLen := (bits + 7) / 8
	if cap(b.data) < byteLen {
		b.data = make([]byte, byteLen)
	} else {
		b.data = b.data[:byteLen]
		clear(b.data)
	}
	b.bits = bits
	b.set = 0
}

// LenBits returns the number of bits in the bitmap.
func (b *Bitmap) LenBits() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks the bit at index i and reports whether it was previously clear.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	mask := byte(1) << uint(i%8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.set++
	return true
}

// Get reports whether the bit at index i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// CountSet returns the number of set bits in the bitmap.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	return b.set
}

// Missing returns the clear bit indices in ascending order.
func (b *Bitmap) Missing() []uint32 {
	if b == nil {
		return nil
	}
	out := make([]uint32, 0, b.bits-b.set)
	for i, v := range b.data {
		if v == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			idx := i*8 + bit
			if idx >= b.bits {
				break
			}
			if v&(1<<uint(bit)) == 0 {
				out = append(out, uint32(idx))
			}
		}
	}
	return out
}
