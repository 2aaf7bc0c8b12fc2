package transfer

import "time"

// ReceiverState is the receiving side's position in one transfer.
type ReceiverState int

const (
	ReceiverAwaitingMetadata ReceiverState = iota
	ReceiverReceivingChunks
	ReceiverRequestingMissing
	ReceiverReconstructing
	ReceiverDone
	ReceiverFailed
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverAwaitingMetadata:
		return "awaiting_metadata"
	case ReceiverReceivingChunks:
		return "receiving_chunks"
	case ReceiverRequestingMissing:
		return "requesting_missing"
	case ReceiverReconstructing:
		return "reconstructing"
	case ReceiverDone:
		return "done"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the receive-side bookkeeping for the one in-flight file.
// It is owned by a single receiver and must be reset explicitly.
type Session struct {
	Active                  bool
	TransferID              string
	FileName                string
	FileType                string
	FileSize                uint64
	ExpectedChunks          int
	StartTime               time.Time
	ReconstructionTriggered bool
	MissingRetryCount       int
	LastAckTime             time.Time
	LastProgressUpdateTime  time.Time
	BytesReceived           uint64

	chunks  map[uint16][]byte
	present Bitmap
	// chunkLen is the payload length of every chunk but the last, 0 until known.
	chunkLen int
}

// Begin discards any partial state and starts tracking the announced file.
func (s *Session) Begin(meta FileMetadata, now time.Time) {
	s.Reset()
	s.Active = true
	s.TransferID = meta.TransferID
	s.FileName = meta.FileName
	s.FileType = meta.FileType
	s.FileSize = meta.FileSize
	s.ExpectedChunks = int(meta.TotalChunks)
	s.StartTime = now
	s.chunks = make(map[uint16][]byte, s.ExpectedChunks)
	s.present.Reset(s.ExpectedChunks)
}

// Fits reports whether a payload of n bytes belongs at index. Every chunk but
// the last carries the same length and the last carries the remainder of
// FileSize. The sender's chunk length is taken from preferred when that is
// consistent with the metadata, otherwise from the first chunk that fits.
func (s *Session) Fits(index uint16, n, preferred int) bool {
	total := s.ExpectedChunks
	if int(index) >= total || n <= 0 {
		return false
	}
	chunkLen := s.chunkLen
	if chunkLen == 0 {
		chunkLen = s.inferChunkLen(int(index), n, preferred)
		if chunkLen == 0 {
			return false
		}
	}
	want := chunkLen
	if int(index) == total-1 {
		want = int(s.FileSize - uint64(total-1)*uint64(chunkLen))
	}
	if n != want {
		return false
	}
	s.chunkLen = chunkLen
	return true
}

func (s *Session) inferChunkLen(index, n, preferred int) int {
	total := s.ExpectedChunks
	candidate := n
	switch {
	case preferred > 0 && TotalChunks(int64(s.FileSize), preferred) == total:
		candidate = preferred
	case index == total-1 && total > 1:
		rest := s.FileSize - uint64(n)
		if n > int(s.FileSize) || rest%uint64(total-1) != 0 {
			return 0
		}
		candidate = int(rest / uint64(total-1))
		if candidate < n {
			return 0
		}
	}
	if candidate <= 0 || TotalChunks(int64(s.FileSize), candidate) != total {
		return 0
	}
	return candidate
}

// DropChunks forgets every stored chunk but keeps the file description and retry count.
func (s *Session) DropChunks() {
	s.chunks = make(map[uint16][]byte, s.ExpectedChunks)
	s.present.Reset(s.ExpectedChunks)
	s.BytesReceived = 0
}

// Store records payload under index, replacing any earlier copy.
// It reports whether the index is new to this session.
func (s *Session) Store(index uint16, payload []byte) bool {
	if old, ok := s.chunks[index]; ok {
		s.BytesReceived -= uint64(len(old))
	}
	s.chunks[index] = payload
	s.BytesReceived += uint64(len(payload))
	return s.present.Set(int(index))
}

// Count returns the number of distinct indices stored.
func (s *Session) Count() int {
	return s.present.CountSet()
}

// Missing lists indices below ExpectedChunks that have not been stored.
func (s *Session) Missing() []uint32 {
	return s.present.Missing()
}

// Assemble concatenates the stored chunks in index order.
func (s *Session) Assemble() []byte {
	out := make([]byte, 0, s.BytesReceived)
	for i := 0; i < s.ExpectedChunks; i++ {
		out = append(out, s.chunks[uint16(i)]...)
	}
	return out
}

// Reset clears every field.
func (s *Session) Reset() {
	s.Active = false
	s.TransferID = ""
	s.FileName = ""
	s.FileType = ""
	s.FileSize = 0
	s.ExpectedChunks = 0
	s.StartTime = time.Time{}
	s.ReconstructionTriggered = false
	s.MissingRetryCount = 0
	s.LastAckTime = time.Time{}
	s.LastProgressUpdateTime = time.Time{}
	s.BytesReceived = 0
	s.chunks = nil
	s.present.Reset(0)
	s.chunkLen = 0
}
