package transfer

import (
	"errors"
	"sync"

	"github.com/sheerbytes/beamdrop/internal/progress"
)

// ErrRetriesExhausted indicates a receive that still had gaps after the last
// missing-chunk round.
var ErrRetriesExhausted = errors.New("missing chunks after final retry")

// ReceivedFile is a fully reassembled, checksum-clean file.
type ReceivedFile struct {
	TransferID string
	Name       string
	Type       string
	Size       uint64
	Data       []byte
}

// TransferFailure reports a receive that was abandoned.
type TransferFailure struct {
	TransferID string
	FileName   string
	Missing    []uint32
	Err        error
}

// Events holds one handler per event class. Registering a handler replaces
// the previous one; only the latest registrant is called.
type Events struct {
	mu       sync.Mutex
	onState  func(ConnectionState)
	onProg   func(progress.Snapshot)
	onFile   func(ReceivedFile)
	onFailed func(TransferFailure)
}

func (e *Events) SetConnectionState(f func(ConnectionState)) {
	e.mu.Lock()
	e.onState = f
	e.mu.Unlock()
}

func (e *Events) SetProgress(f func(progress.Snapshot)) {
	e.mu.Lock()
	e.onProg = f
	e.mu.Unlock()
}

func (e *Events) SetFileReceived(f func(ReceivedFile)) {
	e.mu.Lock()
	e.onFile = f
	e.mu.Unlock()
}

func (e *Events) SetTransferFailed(f func(TransferFailure)) {
	e.mu.Lock()
	e.onFailed = f
	e.mu.Unlock()
}

func (e *Events) emitState(s ConnectionState) {
	e.mu.Lock()
	f := e.onState
	e.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (e *Events) emitProgress(s progress.Snapshot) {
	e.mu.Lock()
	f := e.onProg
	e.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (e *Events) emitFile(rf ReceivedFile) {
	e.mu.Lock()
	f := e.onFile
	e.mu.Unlock()
	if f != nil {
		f(rf)
	}
}

func (e *Events) emitFailed(tf TransferFailure) {
	e.mu.Lock()
	f := e.onFailed
	e.mu.Unlock()
	if f != nil {
		f(tf)
	}
}
