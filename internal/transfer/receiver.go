package transfer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/beamdrop/internal/progress"
)

// Receiver accumulates one inbound file at a time and drives missing-chunk
// recovery. Event callbacks and control replies run after the lock is released.
type Receiver struct {
	opts   Options
	logger *slog.Logger
	events *Events
	reply  func(text string)
	meter  *progress.Meter

	mu      sync.Mutex
	state   ReceiverState
	session Session
}

func newReceiver(events *Events, opts Options, reply func(text string)) *Receiver {
	return &Receiver{
		opts:   opts,
		logger: opts.Logger,
		events: events,
		reply:  reply,
		meter:  progress.NewMeterWithNow(opts.Now),
	}
}

// State returns the current receiver state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RetryCount returns the number of missing-chunk rounds requested for the live session.
func (r *Receiver) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.MissingRetryCount
}

func (r *Receiver) handleMetadata(meta FileMetadata) {
	if meta.TotalChunks > MaxChunks {
		r.logger.Warn("rejecting metadata with unaddressable chunk count",
			"transfer_id", meta.TransferID, "total_chunks", meta.TotalChunks)
		return
	}
	if (meta.FileSize == 0) != (meta.TotalChunks == 0) || uint64(meta.TotalChunks) > meta.FileSize {
		r.logger.Warn("rejecting metadata with inconsistent size and chunk count",
			"transfer_id", meta.TransferID, "bytes", meta.FileSize, "total_chunks", meta.TotalChunks)
		return
	}

	r.mu.Lock()
	if r.session.Active {
		r.logger.Warn("new metadata discards partial transfer",
			"previous_transfer_id", r.session.TransferID, "received", r.session.Count(),
			"expected", r.session.ExpectedChunks)
	}
	r.session.Begin(meta, r.opts.Now())
	r.state = ReceiverReceivingChunks
	r.meter.Start()
	r.mu.Unlock()

	r.logger.Info("receiving file", "transfer_id", meta.TransferID, "file", meta.FileName,
		"bytes", meta.FileSize, "chunks", meta.TotalChunks)
}

func (r *Receiver) handleChunk(frame []byte) {
	pkt, err := Decode(frame)
	if err != nil {
		r.logger.Warn("dropping malformed chunk", "error", err)
		return
	}

	r.mu.Lock()
	s := &r.session
	if !s.Active {
		r.mu.Unlock()
		r.logger.Debug("dropping chunk outside a transfer", "index", pkt.Index)
		return
	}
	if int(pkt.Index) >= s.ExpectedChunks {
		r.mu.Unlock()
		r.logger.Warn("dropping chunk beyond declared total", "index", pkt.Index, "expected", s.ExpectedChunks)
		return
	}
	if !pkt.Valid() {
		r.mu.Unlock()
		r.logger.Warn("checksum mismatch, dropping chunk", "index", pkt.Index,
			"want", pkt.Checksum, "got", Checksum(pkt.Payload))
		return
	}
	if !s.Fits(pkt.Index, len(pkt.Payload), r.opts.ChunkSize) {
		id := s.TransferID
		r.mu.Unlock()
		r.logger.Warn("dropping chunk with unexpected length", "transfer_id", id,
			"index", pkt.Index, "bytes", len(pkt.Payload))
		return
	}

	s.Store(pkt.Index, pkt.Payload)
	now := r.opts.Now()
	after := r.reportLocked(now, false)
	if s.Count() == s.ExpectedChunks {
		after = append(after, r.reconstructLocked(now)...)
	}
	r.mu.Unlock()

	for _, f := range after {
		f()
	}
}

func (r *Receiver) handleComplete() {
	r.mu.Lock()
	if !r.session.Active {
		r.mu.Unlock()
		r.logger.Debug("file-complete with no active transfer")
		return
	}
	after := r.reconstructLocked(r.opts.Now())
	r.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// reportLocked emits throttled progress and acknowledgements. force bypasses both throttles.
func (r *Receiver) reportLocked(now time.Time, force bool) []func() {
	s := &r.session
	var after []func()
	if force || now.Sub(s.LastProgressUpdateTime) >= r.opts.ProgressInterval {
		s.LastProgressUpdateTime = now
		snap := r.meter.Update(s.TransferID, s.FileName, int64(s.FileSize), int64(s.BytesReceived))
		after = append(after, func() { r.events.emitProgress(snap) })
	}
	if force || now.Sub(s.LastAckTime) >= r.opts.AckInterval {
		s.LastAckTime = now
		if text, err := EncodeControl(ProgressAck{BytesReceived: s.BytesReceived}); err == nil {
			after = append(after, func() { r.reply(text) })
		}
	}
	return after
}

// reconstructLocked delivers the file, or requests the gaps while retries remain.
// A file whose assembled length differs from the declared size is never delivered.
func (r *Receiver) reconstructLocked(now time.Time) []func() {
	s := &r.session
	if s.ReconstructionTriggered {
		return nil
	}
	s.ReconstructionTriggered = true

	if s.Count() == s.ExpectedChunks {
		data := s.Assemble()
		if uint64(len(data)) == s.FileSize {
			return r.deliverLocked(now, data)
		}
		r.logger.Warn("reassembled size differs from declared size, discarding chunks",
			"transfer_id", s.TransferID, "declared", s.FileSize, "actual", len(data))
		s.DropChunks()
	}

	missing := s.Missing()
	if s.MissingRetryCount < r.opts.MaxMissingRetries {
		s.MissingRetryCount++
		s.ReconstructionTriggered = false
		r.state = ReceiverRequestingMissing
		r.logger.Info("requesting missing chunks", "transfer_id", s.TransferID,
			"missing", len(missing), "attempt", s.MissingRetryCount)
		text, err := EncodeControl(RequestMissingChunks{Indices: missing})
		if err != nil {
			return nil
		}
		return []func(){func() { r.reply(text) }}
	}

	failure := TransferFailure{
		TransferID: s.TransferID,
		FileName:   s.FileName,
		Missing:    missing,
		Err: fmt.Errorf("%w: %d of %d chunks after %d retries",
			ErrRetriesExhausted, len(missing), s.ExpectedChunks, s.MissingRetryCount),
	}
	r.logger.Error("giving up on transfer", "transfer_id", s.TransferID, "file", s.FileName,
		"missing", len(missing), "retries", s.MissingRetryCount)
	r.state = ReceiverFailed
	s.Reset()
	return []func(){func() { r.events.emitFailed(failure) }}
}

func (r *Receiver) deliverLocked(now time.Time, data []byte) []func() {
	s := &r.session
	r.state = ReceiverReconstructing
	file := ReceivedFile{
		TransferID: s.TransferID,
		Name:       s.FileName,
		Type:       s.FileType,
		Size:       s.FileSize,
		Data:       data,
	}
	after := r.reportLocked(now, true)
	r.logger.Info("file received", "transfer_id", s.TransferID, "file", s.FileName,
		"bytes", len(data), "elapsed", now.Sub(s.StartTime).Round(time.Millisecond))
	r.state = ReceiverDone
	s.Reset()
	return append(after, func() { r.events.emitFile(file) })
}

func (r *Receiver) reset() {
	r.mu.Lock()
	r.session.Reset()
	r.state = ReceiverAwaitingMetadata
	r.mu.Unlock()
}
