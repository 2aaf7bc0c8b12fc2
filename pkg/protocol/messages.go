package protocol

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo identifies a peer in a room.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
}

// PeerList is sent to a peer right after it joins and lists the peers already present.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined indicates a peer has joined the room.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft indicates a peer has left the room.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// SessionDescription carries a WebRTC offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate carries one trickled WebRTC ICE candidate.
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// QUICCandidates lists the UDP addresses a peer's QUIC endpoint can be reached on.
type QUICCandidates struct {
	Candidates []string `json:"candidates"`
	Listener   bool     `json:"listener,omitempty"`
}

// RoomInfo is the response body of POST /room.
type RoomInfo struct {
	RoomID    string `json:"room_id"`
	JoinCode  string `json:"join_code"`
	ExpiresAt string `json:"expires_at"`
}
