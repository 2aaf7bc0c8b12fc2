package peers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

type inbox struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (b *inbox) send(env protocol.Envelope) error {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
	return nil
}

func (b *inbox) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.envs))
	for i, e := range b.envs {
		out[i] = e.Type
	}
	return out
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.envs)
}

func env(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(typ, protocol.NewMsgID(), nil)
	require.NoError(t, err)
	return e
}

func TestAddListRemove(t *testing.T) {
	hub := NewHub()
	var a, b inbox
	removeA, err := hub.Add("r1", Peer{PeerID: "alice", ConnID: "c1"}, 2, a.send, nil)
	require.NoError(t, err)
	removeB, err := hub.Add("r1", Peer{PeerID: "bob", ConnID: "c2"}, 2, b.send, nil)
	require.NoError(t, err)

	assert.Equal(t, []protocol.PeerInfo{{PeerID: "alice"}, {PeerID: "bob"}}, hub.List("r1"))
	assert.Equal(t, 2, hub.Count("r1"))

	assert.True(t, removeA())
	assert.False(t, removeA())
	assert.Equal(t, []protocol.PeerInfo{{PeerID: "bob"}}, hub.List("r1"))
	removeB()
	assert.Empty(t, hub.List("r1"))
	assert.Equal(t, 0, hub.Count("r1"))
}

func TestCapacity(t *testing.T) {
	hub := NewHub()
	noop := func(protocol.Envelope) error { return nil }
	_, err := hub.Add("r1", Peer{PeerID: "a", ConnID: "1"}, 2, noop, nil)
	require.NoError(t, err)
	removeB, err := hub.Add("r1", Peer{PeerID: "b", ConnID: "2"}, 2, noop, nil)
	require.NoError(t, err)

	_, err = hub.Add("r1", Peer{PeerID: "c", ConnID: "3"}, 2, noop, nil)
	assert.ErrorIs(t, err, ErrRoomFull)

	// A reconnecting member does not count against capacity.
	_, err = hub.Add("r1", Peer{PeerID: "b", ConnID: "4"}, 2, noop, nil)
	assert.NoError(t, err)

	assert.False(t, removeB())
	assert.Equal(t, 2, hub.Count("r1"), "stale remove must not evict the replacement")

	_, err = hub.Add("r2", Peer{PeerID: "x", ConnID: "5"}, 0, noop, nil)
	assert.NoError(t, err, "zero capacity is unlimited")
}

func TestRoutingIsScopedToRoom(t *testing.T) {
	hub := NewHub()
	var a, b, c inbox
	_, _ = hub.Add("r1", Peer{PeerID: "a", ConnID: "1"}, 2, a.send, nil)
	_, _ = hub.Add("r1", Peer{PeerID: "b", ConnID: "2"}, 2, b.send, nil)
	_, _ = hub.Add("r2", Peer{PeerID: "c", ConnID: "3"}, 2, c.send, nil)

	hub.Broadcast("r1", env(t, protocol.TypePeerJoined))
	hub.BroadcastExcept("r1", "a", env(t, protocol.TypeOffer))
	assert.True(t, hub.SendTo("r1", "a", env(t, protocol.TypeAnswer)))
	assert.False(t, hub.SendTo("r1", "c", env(t, protocol.TypeAnswer)))
	assert.False(t, hub.SendTo("nope", "a", env(t, protocol.TypeAnswer)))

	assert.Eventually(t, func() bool { return a.len() == 2 && b.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypePeerJoined, protocol.TypeAnswer}, a.types())
	assert.Equal(t, []string{protocol.TypePeerJoined, protocol.TypeOffer}, b.types())
	assert.Equal(t, 0, c.len())
}

func TestReplacementClosesOldConnection(t *testing.T) {
	hub := NewHub()
	var closed sync.WaitGroup
	closed.Add(1)
	var old, fresh inbox
	_, err := hub.Add("r1", Peer{PeerID: "a", ConnID: "1"}, 2, old.send, closed.Done)
	require.NoError(t, err)
	_, err = hub.Add("r1", Peer{PeerID: "a", ConnID: "2"}, 2, fresh.send, nil)
	require.NoError(t, err)
	closed.Wait()

	hub.Broadcast("r1", env(t, protocol.TypePeerJoined))
	assert.Eventually(t, func() bool { return fresh.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, old.len())
}

func TestSlowPeerDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub()
	release := make(chan struct{})
	blocking := func(protocol.Envelope) error {
		<-release
		return nil
	}
	remove, err := hub.Add("r1", Peer{PeerID: "slow", ConnID: "1"}, 2, blocking, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth*4; i++ {
			hub.Broadcast("r1", env(t, protocol.TypePeerJoined))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow peer")
	}
	close(release)
	remove()
}

func TestSendErrorClosesConnection(t *testing.T) {
	hub := NewHub()
	closed := make(chan struct{})
	failing := func(protocol.Envelope) error { return errors.New("broken pipe") }
	_, err := hub.Add("r1", Peer{PeerID: "a", ConnID: "1"}, 2, failing, func() { close(closed) })
	require.NoError(t, err)

	hub.Broadcast("r1", env(t, protocol.TypePeerJoined))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after write failure")
	}
}

func TestCloseRoom(t *testing.T) {
	hub := NewHub()
	var n sync.WaitGroup
	n.Add(2)
	noop := func(protocol.Envelope) error { return nil }
	removeA, _ := hub.Add("r1", Peer{PeerID: "a", ConnID: "1"}, 2, noop, n.Done)
	_, _ = hub.Add("r1", Peer{PeerID: "b", ConnID: "2"}, 2, noop, n.Done)

	hub.CloseRoom("r1")
	n.Wait()
	assert.Empty(t, hub.List("r1"))
	removeA()
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub()
	noop := func(protocol.Envelope) error { return nil }
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			remove, err := hub.Add("r1", Peer{PeerID: id, ConnID: protocol.NewMsgID()}, 0, noop, nil)
			if err != nil {
				return
			}
			hub.Broadcast("r1", protocol.Envelope{V: 1, Type: "x", MsgID: "m"})
			_ = hub.List("r1")
			remove()
		}(i)
	}
	wg.Wait()
}
