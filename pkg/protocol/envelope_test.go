package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypePeerList, "m1", PeerList{Peers: []PeerInfo{{PeerID: "a"}, {PeerID: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, env.V)
	assert.Equal(t, TypePeerList, env.Type)
	assert.Equal(t, "m1", env.MsgID)
	assert.JSONEq(t, `{"peers":[{"peer_id":"a"},{"peer_id":"b"}]}`, string(env.Payload))

	empty, err := NewEnvelope("ping", "m2", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)

	_, err = NewEnvelope("bad", "m3", make(chan int))
	assert.Error(t, err)
}

func TestServerEnvelope(t *testing.T) {
	env, err := ServerEnvelope(TypePeerLeft, "room-1", PeerLeft{PeerID: "p"})
	require.NoError(t, err)
	assert.Equal(t, ServerPeerID, env.From)
	assert.Equal(t, "room-1", env.RoomID)
	assert.NotEmpty(t, env.MsgID)
	assert.NoError(t, env.ValidateBasic())
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(TypeOffer, "m1", SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	env.RoomID = "r"
	env.From = "alice"
	env.To = "bob"

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"offer","msg_id":"m1","room_id":"r","from":"alice","to":"bob",
		"payload":{"type":"offer","sdp":"v=0"}}`, string(b))

	var back Envelope
	require.NoError(t, json.Unmarshal(b, &back))
	var desc SessionDescription
	require.NoError(t, back.DecodePayload(&desc))
	assert.Equal(t, "v=0", desc.SDP)
}

func TestDecodePayloadErrors(t *testing.T) {
	var out PeerLeft
	assert.Error(t, Envelope{}.DecodePayload(&out))
	assert.Error(t, Envelope{Payload: json.RawMessage(`{"peer_id":`)}.DecodePayload(&out))
}

func TestValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid", Envelope{V: 1, Type: TypeAnswer, MsgID: "x"}, false},
		{"wrong version", Envelope{V: 2, Type: TypeAnswer, MsgID: "x"}, true},
		{"missing type", Envelope{V: 1, MsgID: "x"}, true},
		{"missing msg id", Envelope{V: 1, Type: TypeAnswer}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewMsgIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
