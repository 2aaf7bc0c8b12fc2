package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/progress"
	"github.com/sheerbytes/beamdrop/internal/transfer"
)

// ErrNothingReceived is returned when a session ends before any file arrived.
var ErrNothingReceived = errors.New("no files received")

const saveTimeout = 30 * time.Second

// ReceiverConfig describes one `beam recv` run.
type ReceiverConfig struct {
	Client   config.ClientConfig
	JoinCode string
	Out      io.Writer
}

// ReceiveResult lists what a receive session saved.
type ReceiveResult struct {
	Paths    []string
	Bytes    int64
	Failures []transfer.TransferFailure
}

// RunReceiver joins the room, answers the sender and saves every file into
// the output directory until the sender leaves or the link drops.
func RunReceiver(ctx context.Context, logger *slog.Logger, cfg ReceiverConfig) (ReceiveResult, error) {
	if cfg.JoinCode == "" {
		return ReceiveResult{}, errors.New("join code is required")
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}

	sig, err := joinRoom(ctx, cfg.Client.ServerURL, cfg.JoinCode, cfg.Client.PeerID, logger)
	if err != nil {
		return ReceiveResult{}, err
	}
	defer sig.Close()

	peerID, err := sig.waitForPeer(ctx)
	if err != nil {
		return ReceiveResult{}, err
	}
	fmt.Fprintf(cfg.Out, "connected to sender %s, waiting for files...\n", peerID)
	peer := newRemotePeer(ctx, sig, peerID)

	printer := progress.NewPrinter(cfg.Out, "recv", progressInterval)
	sink := newFileSink(cfg.Client.OutputDir, cfg.Out, printer, logger)
	watch := newLinkWatch(disconnectGrace)
	conn, err := accept(ctx, peer, cfg.Client, logger, func(m *transfer.Manager) {
		m.OnProgress(sink.progress)
		m.OnFileReceived(sink.save)
		m.OnTransferFailed(sink.failed)
		m.OnConnectionStateChange(watch.set)
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	defer conn.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watch.run(runCtx)

	var endErr error
	select {
	case <-peer.gone():
		endErr = peer.failure()
	case <-watch.Lost():
		endErr = fmt.Errorf("connection %s", watch.State())
	case <-ctx.Done():
		endErr = ctx.Err()
	}
	if !sink.wait(saveTimeout) {
		logger.Warn("gave up waiting for file saves")
	}

	res := sink.result()
	if len(res.Paths) > 0 {
		logger.Info("receive session ended", "files", len(res.Paths), "bytes", res.Bytes, "reason", endErr)
		return res, nil
	}
	if len(res.Failures) > 0 {
		return res, res.Failures[len(res.Failures)-1].Err
	}
	if errors.Is(endErr, ErrPeerLeft) {
		return res, ErrNothingReceived
	}
	return res, endErr
}

// fileSink saves reassembled files and tracks those still being written so
// the session does not end under a save in progress.
type fileSink struct {
	dir     string
	out     io.Writer
	printer *progress.Printer
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	saving  sync.WaitGroup
	res     ReceiveResult
}

func newFileSink(dir string, out io.Writer, printer *progress.Printer, logger *slog.Logger) *fileSink {
	return &fileSink{dir: dir, out: out, printer: printer, logger: logger, pending: make(map[string]bool)}
}

// progress is called before the file event of the same transfer, so a
// complete snapshot marks a save that is about to happen.
func (s *fileSink) progress(snap progress.Snapshot) {
	s.printer.Update(snap)
	if !snap.Done() {
		return
	}
	s.mu.Lock()
	if !s.pending[snap.ID] {
		s.pending[snap.ID] = true
		s.saving.Add(1)
	}
	s.mu.Unlock()
}

func (s *fileSink) save(f transfer.ReceivedFile) {
	defer s.release(f.TransferID)
	s.printer.Finish()

	path, err := saveFile(s.dir, f.Name, f.Data)
	if err != nil {
		s.logger.Error("failed to save file", "transfer_id", f.TransferID, "file", f.Name, "error", err)
		s.mu.Lock()
		s.res.Failures = append(s.res.Failures, transfer.TransferFailure{TransferID: f.TransferID, FileName: f.Name, Err: err})
		s.mu.Unlock()
		return
	}
	s.logger.Info("file saved", "transfer_id", f.TransferID, "path", path, "bytes", len(f.Data), "type", f.Type)
	fmt.Fprintf(s.out, "received %s (%d bytes)\n", path, len(f.Data))

	s.mu.Lock()
	s.res.Paths = append(s.res.Paths, path)
	s.res.Bytes += int64(len(f.Data))
	s.mu.Unlock()
}

func (s *fileSink) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] {
		delete(s.pending, id)
		s.saving.Done()
	}
}

func (s *fileSink) failed(f transfer.TransferFailure) {
	s.printer.Finish()
	fmt.Fprintf(s.out, "transfer of %s failed: %v\n", f.FileName, f.Err)
	s.mu.Lock()
	s.res.Failures = append(s.res.Failures, f)
	s.mu.Unlock()
}

// wait blocks until pending saves finish or timeout passes.
func (s *fileSink) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.saving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *fileSink) result() ReceiveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.res
	res.Paths = append([]string(nil), s.res.Paths...)
	res.Failures = append([]transfer.TransferFailure(nil), s.res.Failures...)
	return res
}
