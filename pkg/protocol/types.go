package protocol

// Message type constants for signaling envelopes.
const (
	TypeError          = "error"
	TypePeerList       = "peer_list"
	TypePeerJoined     = "peer_joined"
	TypePeerLeft       = "peer_left"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeIceCandidate   = "ice_candidate"
	TypeQUICCandidates = "quic_candidates"
)

// Error codes carried in Error payloads.
const (
	CodeRoomFull     = "room_full"
	CodePeerNotFound = "peer_not_found"
	CodeBadMessage   = "bad_message"
)

// Relayed reports whether peers may send msgType to each other through the server.
func Relayed(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeIceCandidate, TypeQUICCandidates:
		return true
	}
	return false
}
