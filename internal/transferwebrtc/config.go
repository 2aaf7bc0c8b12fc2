package transferwebrtc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no STUN servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// sctpReceiveBuffer lets a full round of ten in-flight chunks sit in the peer's receive window.
const sctpReceiveBuffer = 8 * 1024 * 1024

// DefaultPeerConnectionConfig builds ICE servers from STUN URLs and TURN specs.
// A TURN spec is "turn:host:port" with optional credentials as "user:pass@turn:host:port".
func DefaultPeerConnectionConfig(stunServers, turnServers []string) (webrtc.Configuration, error) {
	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	for _, spec := range turnServers {
		srv, err := ParseTURN(spec)
		if err != nil {
			return webrtc.Configuration{}, err
		}
		iceServers = append(iceServers, srv)
	}
	return webrtc.Configuration{ICEServers: iceServers}, nil
}

// ParseTURN parses a TURN server spec.
func ParseTURN(spec string) (webrtc.ICEServer, error) {
	spec = strings.TrimSpace(spec)
	creds, rawURL := "", spec
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		creds, rawURL = spec[:at], spec[at+1:]
	}
	if !strings.HasPrefix(rawURL, "turn:") && !strings.HasPrefix(rawURL, "turns:") {
		return webrtc.ICEServer{}, fmt.Errorf("turn server %q: scheme must be turn or turns", spec)
	}
	srv := webrtc.ICEServer{URLs: []string{rawURL}}
	if creds != "" {
		user, pass, ok := strings.Cut(creds, ":")
		if !ok {
			return webrtc.ICEServer{}, fmt.Errorf("turn server %q: credentials must be user:pass", spec)
		}
		if u, err := url.QueryUnescape(user); err == nil {
			user = u
		}
		if p, err := url.QueryUnescape(pass); err == nil {
			pass = p
		}
		srv.Username = user
		srv.Credential = pass
	}
	return srv, nil
}

// DefaultSettingEngine returns a SettingEngine tuned for bulk data channels.
// Channels are not detached so message boundaries and buffered-amount events stay available.
func DefaultSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetSCTPMaxReceiveBufferSize(sctpReceiveBuffer)
	return se
}

// NewPeerConnection creates a PeerConnection with the default setting engine.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(DefaultSettingEngine()))
	return api.NewPeerConnection(config)
}
