package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed chunk frame header: 2-byte little-endian index + 1-byte checksum.
	HeaderSize = 3

	// DefaultChunkSize keeps a frame under common data channel message ceilings once the header is added.
	DefaultChunkSize = 260000

	// MaxChunks is the number of distinct indices a uint16 header can address.
	MaxChunks = 1 << 16
)

var (
	// ErrShortPacket indicates a frame too small to carry the chunk header.
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrFileTooLarge indicates a file that needs more chunks than the header can index.
	ErrFileTooLarge = errors.New("file needs more chunks than a packet index can address")
)

// Packet is one decoded chunk frame.
type Packet struct {
	Index    uint16
	Checksum uint8
	Payload  []byte
}

// Valid reports whether the payload matches the transmitted checksum.
func (p Packet) Valid() bool {
	return Checksum(p.Payload) == p.Checksum
}

// Checksum XOR-folds every byte of data. It catches single bit flips and most
// truncations; it is not an authenticity check.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// Encode frames data under index into a newly allocated packet.
func Encode(index uint16, data []byte) []byte {
	return EncodeInto(make([]byte, HeaderSize+len(data)), index, data)
}

// EncodeInto frames data into dst, growing it when too small, and returns the frame.
// data may alias dst[HeaderSize:].
func EncodeInto(dst []byte, index uint16, data []byte) []byte {
	n := HeaderSize + len(data)
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	copy(dst[HeaderSize:], data)
	binary.LittleEndian.PutUint16(dst[0:2], index)
	dst[2] = Checksum(dst[HeaderSize:])
	return dst
}

// Decode splits a frame into header fields and payload. The payload aliases frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(frame))
	}
	return Packet{
		Index:    binary.LittleEndian.Uint16(frame[0:2]),
		Checksum: frame[2],
		Payload:  frame[HeaderSize:],
	}, nil
}

// TotalChunks returns ceil(size/chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// ChunkBounds returns the byte offset and length of chunk index in a file of size bytes.
func ChunkBounds(index, chunkSize int, size int64) (off int64, n int64) {
	off = int64(index) * int64(chunkSize)
	if off >= size {
		return size, 0
	}
	end := off + int64(chunkSize)
	if end > size {
		end = size
	}
	return off, end - off
}
