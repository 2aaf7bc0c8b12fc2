package transfer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheerbytes/beamdrop/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peerPair struct {
	sender, receiver   *Manager
	sendLink, recvLink *MemLink

	files    chan ReceivedFile
	failures chan TransferFailure

	mu    sync.Mutex
	acked []progress.Snapshot
}

func newPeerPair(t *testing.T, opts Options) *peerPair {
	t.Helper()
	a, b := NewMemLinkPair()
	p := &peerPair{
		sendLink: a,
		recvLink: b,
		files:    make(chan ReceivedFile, 4),
		failures: make(chan TransferFailure, 4),
	}
	opts.Logger = quietLogger()

	var err error
	p.receiver, err = NewManager(func() (Link, error) { return b, nil }, opts)
	require.NoError(t, err)
	p.sender, err = NewManager(func() (Link, error) { return a, nil }, opts)
	require.NoError(t, err)

	p.receiver.OnFileReceived(func(f ReceivedFile) { p.files <- f })
	p.receiver.OnTransferFailed(func(f TransferFailure) { p.failures <- f })
	p.sender.OnProgress(func(s progress.Snapshot) {
		p.mu.Lock()
		p.acked = append(p.acked, s)
		p.mu.Unlock()
	})

	_, err = p.sender.CreateChannels()
	require.NoError(t, err)
	t.Cleanup(func() {
		p.sender.Close(false)
		p.receiver.Close(false)
	})
	return p
}

func (p *peerPair) send(t *testing.T, data []byte, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.sender.SendFile(ctx, NewBytesSource(id+".bin", "application/octet-stream", data), id))
}

func (p *peerPair) awaitFile(t *testing.T) ReceivedFile {
	t.Helper()
	select {
	case f := <-p.files:
		return f
	case f := <-p.failures:
		t.Fatalf("transfer failed: %v", f.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for file")
	}
	return ReceivedFile{}
}

func (p *peerPair) lastAck() (progress.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acked) == 0 {
		return progress.Snapshot{}, false
	}
	return p.acked[len(p.acked)-1], true
}

// chunkIndex returns the packet index of a binary message, or -1 for text.
func chunkIndex(msg Message) int {
	if msg.IsString {
		return -1
	}
	pkt, err := Decode(msg.Data)
	if err != nil {
		return -1
	}
	return int(pkt.Index)
}

func TestManagerEndToEndMegabyte(t *testing.T) {
	p := newPeerPair(t, Options{})
	require.Len(t, p.sender.Channels(), DefaultChannels)

	var seen sync.Map
	p.sendLink.SetIntercept(func(label string, msg Message) []Message {
		if idx := chunkIndex(msg); idx >= 0 {
			seen.Store(idx, label)
		}
		return []Message{msg}
	})

	data := patterned(1_000_000)
	p.send(t, data, "mb")
	f := p.awaitFile(t)

	assert.Equal(t, "mb", f.TransferID)
	assert.Equal(t, "mb.bin", f.Name)
	assert.Equal(t, "application/octet-stream", f.Type)
	require.Len(t, f.Data, 1_000_000)
	assert.True(t, bytes.Equal(data, f.Data))

	labels := map[string]bool{}
	seen.Range(func(k, v any) bool {
		labels[v.(string)] = true
		return true
	})
	assert.Len(t, labels, 4, "four chunks spread over four channels")

	assert.Eventually(t, func() bool {
		s, ok := p.lastAck()
		return ok && s.Percentage == 100
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, SenderComplete, p.sender.SenderState())
	assert.Equal(t, ReceiverDone, p.receiver.ReceiverState())
}

func TestManagerDuplicatedFrames(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 4096})
	p.sendLink.SetIntercept(func(_ string, msg Message) []Message {
		if msg.IsString {
			return []Message{msg}
		}
		return []Message{msg, msg}
	})

	data := patterned(50_000)
	p.send(t, data, "dup")
	f := p.awaitFile(t)
	assert.Equal(t, data, f.Data)
}

func TestManagerRecoversDroppedChunk(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 4096})

	var dropped atomic.Bool
	p.sendLink.SetIntercept(func(_ string, msg Message) []Message {
		if chunkIndex(msg) == 5 && dropped.CompareAndSwap(false, true) {
			return nil
		}
		return []Message{msg}
	})
	var requests atomic.Int32
	p.recvLink.SetIntercept(func(_ string, msg Message) []Message {
		if msg.IsString && strings.Contains(string(msg.Data), TypeRequestMissingChunks) {
			requests.Add(1)
		}
		return []Message{msg}
	})

	data := patterned(40_000)
	p.send(t, data, "drop")
	f := p.awaitFile(t)
	assert.Equal(t, data, f.Data)
	assert.True(t, dropped.Load())
	assert.Equal(t, int32(1), requests.Load())
}

func TestManagerRecoversCorruptChunk(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 4096})

	var corrupted atomic.Bool
	p.sendLink.SetIntercept(func(_ string, msg Message) []Message {
		if chunkIndex(msg) == 0 && corrupted.CompareAndSwap(false, true) {
			bad := append([]byte(nil), msg.Data...)
			bad[len(bad)-1] ^= 0x40
			return []Message{{Data: bad}}
		}
		return []Message{msg}
	})

	data := patterned(20_000)
	p.send(t, data, "flip")
	f := p.awaitFile(t)
	assert.Equal(t, data, f.Data)
}

func TestManagerDeadChannelCostsNoRetry(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 1000, Channels: 4})
	chans := p.sender.Channels()
	require.Len(t, chans, 4)
	require.Eventually(t, func() bool {
		for _, ch := range chans {
			if ch.ReadyState() != ChannelOpen {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, chans[2].Close())

	var requests atomic.Int32
	p.recvLink.SetIntercept(func(_ string, msg Message) []Message {
		if msg.IsString {
			if cm, err := DecodeControl(string(msg.Data)); err == nil && cm.Type == TypeRequestMissingChunks {
				requests.Add(1)
			}
		}
		return []Message{msg}
	})

	data := patterned(10_000)
	p.send(t, data, "dead")
	f := p.awaitFile(t)
	assert.Equal(t, data, f.Data)
	assert.Zero(t, requests.Load())
}

func TestManagerRetryExhaustion(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 4096})
	p.sendLink.SetIntercept(func(_ string, msg Message) []Message {
		if chunkIndex(msg) == 1 {
			return nil
		}
		return []Message{msg}
	})
	var requests atomic.Int32
	p.recvLink.SetIntercept(func(_ string, msg Message) []Message {
		if msg.IsString && strings.Contains(string(msg.Data), TypeRequestMissingChunks) {
			requests.Add(1)
		}
		return []Message{msg}
	})

	p.send(t, patterned(12_000), "never")
	select {
	case f := <-p.failures:
		assert.ErrorIs(t, f.Err, ErrRetriesExhausted)
		assert.Equal(t, []uint32{1}, f.Missing)
	case <-p.files:
		t.Fatal("file delivered despite a permanently missing chunk")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	assert.Equal(t, int32(DefaultMaxMissingRetries), requests.Load())
	select {
	case <-p.files:
		t.Fatal("file delivered after failure")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerSequentialTransfers(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 1000})
	for i, size := range []int{0, 1, 999, 1000, 7777} {
		data := patterned(size)
		id := string(rune('a' + i))
		p.send(t, data, id)
		f := p.awaitFile(t)
		assert.Equal(t, id, f.TransferID)
		assert.Len(t, f.Data, size)
		assert.True(t, bytes.Equal(data, f.Data))
	}
}

func TestManagerSendWithoutChannels(t *testing.T) {
	a, _ := NewMemLinkPair()
	m, err := NewManager(func() (Link, error) { return a, nil }, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer m.Close(false)

	err = m.SendFile(context.Background(), NewBytesSource("x", "", []byte("x")), "x")
	assert.ErrorIs(t, err, ErrNoOpenChannel)
}

func TestManagerRejectsOversizedFile(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 1})
	err := p.sender.SendFile(context.Background(), NewBytesSource("big", "", make([]byte, MaxChunks+1)), "big")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

type failingSource struct {
	*BytesSource
	failAt int64
}

func (s failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.failAt {
		return 0, errors.New("disk went away")
	}
	return s.BytesSource.ReadAt(p, off)
}

func TestManagerSourceReadFailure(t *testing.T) {
	p := newPeerPair(t, Options{ChunkSize: 1000})
	src := failingSource{BytesSource: NewBytesSource("f", "", patterned(5000)), failAt: 2000}

	err := p.sender.SendFile(context.Background(), src, "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read chunk 2")
	assert.Equal(t, SenderFailed, p.sender.SenderState())
}

func TestSenderRejectsConcurrentTransfer(t *testing.T) {
	opts := NormalizeOptions(Options{Logger: quietLogger()})
	s := newSender(NewMux(opts.LowWatermark, opts.Logger, nil), &Events{}, opts)
	s.state = SenderSendingChunks
	err := s.Send(context.Background(), NewBytesSource("x", "", []byte("x")), "x")
	assert.ErrorIs(t, err, ErrTransferInProgress)
}

func TestManagerSoftCloseBuildsFreshLink(t *testing.T) {
	var built []*MemLink
	factory := func() (Link, error) {
		a, _ := NewMemLinkPair()
		built = append(built, a)
		return a, nil
	}
	m, err := NewManager(factory, Options{Logger: quietLogger()})
	require.NoError(t, err)

	var states []ConnectionState
	m.OnConnectionStateChange(func(s ConnectionState) { states = append(states, s) })
	_, err = m.CreateChannels()
	require.NoError(t, err)

	require.NoError(t, m.Close(true))
	require.Len(t, built, 2)
	assert.Same(t, built[1], m.Link())
	assert.Equal(t, StateClosed, built[0].State())
	assert.Zero(t, len(m.Channels()))
	assert.Equal(t, StateConnected, m.ConnectionState())
	assert.Equal(t, SenderIdle, m.SenderState())
	assert.Equal(t, ReceiverAwaitingMetadata, m.ReceiverState())
	assert.Equal(t, []ConnectionState{StateDisconnected}, states)

	// State changes from the discarded link no longer reach the handler.
	built[0].SetState(StateFailed)
	assert.Equal(t, []ConnectionState{StateDisconnected}, states)

	require.NoError(t, m.Close(false))
	assert.Equal(t, StateDisconnected, m.ConnectionState())
	assert.Nil(t, m.Link())
	_, err = m.CreateChannels()
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.SendFile(context.Background(), NewBytesSource("x", "", nil), "x"), ErrManagerClosed)
}

func TestManagerForwardsConnectionState(t *testing.T) {
	a, _ := NewMemLinkPair()
	m, err := NewManager(func() (Link, error) { return a, nil }, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer m.Close(false)

	var got []ConnectionState
	m.OnConnectionStateChange(func(s ConnectionState) { got = append(got, s) })
	a.SetState(StateConnecting)
	a.SetState(StateConnected)

	// Re-registration replaces the previous handler.
	var second []ConnectionState
	m.OnConnectionStateChange(func(s ConnectionState) { second = append(second, s) })
	a.SetState(StateFailed)

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, got)
	assert.Equal(t, []ConnectionState{StateFailed}, second)
	assert.Equal(t, StateFailed, m.ConnectionState())
}
