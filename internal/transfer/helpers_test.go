package transfer

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replyLog records control replies sent by a receiver.
type replyLog struct {
	mu   sync.Mutex
	msgs []ControlMessage
}

func (r *replyLog) send(text string) {
	m, err := DecodeControl(text)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *replyLog) ofType(typ string) []ControlMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ControlMessage
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/251)
	}
	return data
}

// chunkFrames splits data into encoded frames of chunkSize bytes.
func chunkFrames(data []byte, chunkSize int) [][]byte {
	total := TotalChunks(int64(len(data)), chunkSize)
	frames := make([][]byte, total)
	for i := 0; i < total; i++ {
		off, n := ChunkBounds(i, chunkSize, int64(len(data)))
		frames[i] = Encode(uint16(i), data[off:off+n])
	}
	return frames
}
