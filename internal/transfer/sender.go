package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/beamdrop/internal/bufpool"
	"github.com/sheerbytes/beamdrop/internal/progress"
)

// ErrTransferInProgress indicates a SendFile call while another is still streaming.
var ErrTransferInProgress = errors.New("a transfer is already in progress")

// Source is a random-access file to send.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	Type() string
}

// FileSource is a Source backed by an open file on disk.
type FileSource struct {
	f    *os.File
	name string
	size int64
	typ  string
}

// OpenFile opens path for sending. The MIME type comes from the extension,
// falling back to content sniffing.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		head := make([]byte, 512)
		n, _ := f.ReadAt(head, 0)
		typ = http.DetectContentType(head[:n])
	}
	return &FileSource{f: f, name: filepath.Base(path), size: info.Size(), typ: typ}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Name() string                            { return s.name }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) Type() string                            { return s.typ }
func (s *FileSource) Close() error                            { return s.f.Close() }

// BytesSource is an in-memory Source.
type BytesSource struct {
	r    *bytes.Reader
	name string
	typ  string
}

func NewBytesSource(name, typ string, data []byte) *BytesSource {
	return &BytesSource{r: bytes.NewReader(data), name: name, typ: typ}
}

func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *BytesSource) Name() string                            { return s.name }
func (s *BytesSource) Size() int64                             { return s.r.Size() }
func (s *BytesSource) Type() string                            { return s.typ }

// SenderState is the sending side's position in one transfer.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderSendingMetadata
	SenderSendingChunks
	SenderDraining
	SenderComplete
	SenderFailed
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderSendingMetadata:
		return "sending_metadata"
	case SenderSendingChunks:
		return "sending_chunks"
	case SenderDraining:
		return "draining"
	case SenderComplete:
		return "complete"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SenderState) busy() bool {
	return s == SenderSendingMetadata || s == SenderSendingChunks || s == SenderDraining
}

// Sender streams one file at a time through a Mux. It keeps the source after
// the stream finishes so retransmission requests can be served.
type Sender struct {
	opts   Options
	logger *slog.Logger
	mux    *Mux
	events *Events
	pool   *bufpool.Pool
	meter  *progress.Meter

	mu          sync.Mutex
	state       SenderState
	src         Source
	transferID  string
	totalChunks int

	resendMu sync.Mutex
}

func newSender(mux *Mux, events *Events, opts Options) *Sender {
	return &Sender{
		opts:   opts,
		logger: opts.Logger,
		mux:    mux,
		events: events,
		pool:   bufpool.New(HeaderSize + opts.ChunkSize),
		meter:  progress.NewMeterWithNow(opts.Now),
	}
}

// State returns the current sender state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send announces src, streams every chunk, waits for the channels to drain and
// marks the file complete.
func (s *Sender) Send(ctx context.Context, src Source, transferID string) error {
	if src == nil {
		return errors.New("nil source")
	}
	total := TotalChunks(src.Size(), s.opts.ChunkSize)
	if total > MaxChunks {
		return fmt.Errorf("%w: %d chunks of %d bytes", ErrFileTooLarge, total, s.opts.ChunkSize)
	}

	s.mu.Lock()
	if s.state.busy() {
		s.mu.Unlock()
		return ErrTransferInProgress
	}
	s.state = SenderSendingMetadata
	s.src = src
	s.transferID = transferID
	s.totalChunks = total
	s.meter.Start()
	s.mu.Unlock()

	start := time.Now()
	if err := s.stream(ctx, src, transferID, total); err != nil {
		s.mu.Lock()
		s.state = SenderFailed
		if s.src == src {
			s.src = nil
		}
		s.mu.Unlock()
		s.logger.Error("send failed", "transfer_id", transferID, "file", src.Name(), "error", err)
		return err
	}

	s.setState(SenderComplete)
	s.logger.Info("file queued", "transfer_id", transferID, "file", src.Name(),
		"bytes", src.Size(), "chunks", total, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Sender) stream(ctx context.Context, src Source, transferID string, total int) error {
	ctrl := s.mux.Control()
	if ctrl == nil {
		return ErrNoOpenChannel
	}
	meta, err := EncodeControl(FileMetadata{
		TransferID:  transferID,
		FileName:    src.Name(),
		FileSize:    uint64(src.Size()),
		FileType:    src.Type(),
		TotalChunks: uint32(total),
	})
	if err != nil {
		return err
	}
	if err := s.mux.SendTextWithBackpressure(ctx, ctrl, meta); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}

	s.setState(SenderSendingChunks)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendChunk(ctx, src, i, s.mux.Next()); err != nil {
			return err
		}
	}

	s.setState(SenderDraining)
	if err := s.mux.WaitDrained(ctx, s.opts.DrainPollInterval); err != nil {
		return fmt.Errorf("drain channels: %w", err)
	}
	return s.sendComplete(ctx)
}

func (s *Sender) sendChunk(ctx context.Context, src Source, index int, ch Channel) error {
	off, n := ChunkBounds(index, s.opts.ChunkSize, src.Size())
	frame := s.pool.Slice(HeaderSize + int(n))
	defer s.pool.Put(frame)

	read, err := src.ReadAt(frame[HeaderSize:], off)
	if int64(read) < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read chunk %d: %w", index, err)
	}
	frame = EncodeInto(frame, uint16(index), frame[HeaderSize:])
	return s.mux.SendWithBackpressure(ctx, ch, frame)
}

func (s *Sender) sendComplete(ctx context.Context) error {
	text, err := EncodeControl(FileComplete{})
	if err != nil {
		return err
	}
	if err := s.mux.SendTextWithBackpressure(ctx, s.mux.Control(), text); err != nil {
		return fmt.Errorf("send file-complete: %w", err)
	}
	return nil
}

// resend re-reads the listed chunks and sends them on the control channel,
// followed by a fresh file-complete so the receiver re-checks completion.
func (s *Sender) resend(ctx context.Context, indices []uint32) error {
	s.mu.Lock()
	src, total, id := s.src, s.totalChunks, s.transferID
	s.mu.Unlock()
	if src == nil {
		s.logger.Warn("missing chunks requested with no file to resend", "count", len(indices))
		return nil
	}

	s.resendMu.Lock()
	defer s.resendMu.Unlock()

	s.logger.Info("resending missing chunks", "transfer_id", id, "count", len(indices))
	ctrl := s.mux.Control()
	for _, idx := range indices {
		if int(idx) >= total {
			s.logger.Warn("ignoring out of range chunk request", "transfer_id", id, "index", idx)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendChunk(ctx, src, int(idx), ctrl); err != nil {
			return fmt.Errorf("resend: %w", err)
		}
	}
	return s.sendComplete(ctx)
}

// handleAck turns a receiver acknowledgement into a progress event.
func (s *Sender) handleAck(ack ProgressAck) {
	s.mu.Lock()
	src := s.src
	if src == nil {
		s.mu.Unlock()
		return
	}
	snap := s.meter.Update(s.transferID, src.Name(), src.Size(), int64(ack.BytesReceived))
	if ack.BytesReceived >= uint64(src.Size()) {
		s.logger.Info("delivery acknowledged", "transfer_id", s.transferID, "bytes", ack.BytesReceived)
		s.src = nil
	}
	s.mu.Unlock()
	s.events.emitProgress(snap)
}

func (s *Sender) setState(st SenderState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sender) reset() {
	s.mu.Lock()
	s.state = SenderIdle
	s.src = nil
	s.transferID = ""
	s.totalChunks = 0
	s.mu.Unlock()
}
