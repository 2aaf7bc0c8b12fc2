// Package signalserver relays WebRTC and QUIC negotiation between the peers of a room.
package signalserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/peers"
	"github.com/sheerbytes/beamdrop/internal/rooms"
	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

const (
	roomFullMessage = "Room is full."
	idleTimeout     = 90 * time.Second
	writeTimeout    = 10 * time.Second
)

// Server owns the room store and the connected peers.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	store    *rooms.Store
	hub      *peers.Hub
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New returns a server with an empty room store.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		store:  rooms.NewStore(cfg.RoomTTL, cfg.RoomCapacity),
		hub:    peers.NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Handler serves /health, POST /room and the /ws upgrade.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /room", s.handleCreateRoom)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": s.store.Count()})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room := s.store.Create(s.now())
	info := protocol.RoomInfo{RoomID: room.ID, JoinCode: room.JoinCode}
	if !room.ExpiresAt.IsZero() {
		info.ExpiresAt = room.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, info)
	s.logger.Info("room created", "room_id", room.ID, "join_code", room.JoinCode)
}

// Sweep removes expired rooms every interval and disconnects their peers.
func (s *Server) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce expires rooms now and reports how many were removed.
func (s *Server) SweepOnce() int {
	expired := s.store.CleanupExpired(s.now())
	for _, room := range expired {
		s.hub.CloseRoom(room.ID)
		s.logger.Info("room expired", "room_id", room.ID, "join_code", room.JoinCode)
	}
	return len(expired)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	joinCode := r.URL.Query().Get("join_code")
	peerID := r.URL.Query().Get("peer_id")
	if joinCode == "" {
		writeError(w, http.StatusBadRequest, "missing join_code")
		return
	}
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "missing peer_id")
		return
	}
	if peerID == protocol.ServerPeerID {
		writeError(w, http.StatusBadRequest, "reserved peer_id")
		return
	}
	room, err := s.store.Lookup(joinCode, s.now())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	peer := peers.Peer{PeerID: peerID, ConnID: protocol.NewMsgID()}
	remove, err := s.hub.Add(room.ID, peer, room.Capacity, send, func() { _ = conn.Close() })
	if errors.Is(err, peers.ErrRoomFull) {
		s.logger.Warn("room full", "room_id", room.ID, "peer_id", peerID)
		if env, eerr := protocol.ServerEnvelope(protocol.TypeError, room.ID,
			protocol.Error{Code: protocol.CodeRoomFull, Message: roomFullMessage}); eerr == nil {
			env.To = peerID
			_ = send(env)
		}
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, roomFullMessage), time.Now().Add(writeTimeout))
		writeMu.Unlock()
		return
	}
	s.logger.Info("peer connected", "room_id", room.ID, "peer_id", peerID, "conn_id", peer.ConnID)

	others := make([]protocol.PeerInfo, 0, room.Capacity)
	for _, p := range s.hub.List(room.ID) {
		if p.PeerID != peerID {
			others = append(others, p)
		}
	}
	if env, err := protocol.ServerEnvelope(protocol.TypePeerList, room.ID, protocol.PeerList{Peers: others}); err == nil {
		env.To = peerID
		s.hub.SendTo(room.ID, peerID, env)
	}
	if env, err := protocol.ServerEnvelope(protocol.TypePeerJoined, room.ID, protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: peerID}}); err == nil {
		s.hub.BroadcastExcept(room.ID, peerID, env)
	}

	defer func() {
		if !remove() {
			// Replaced by a newer connection with the same peer_id.
			return
		}
		if env, err := protocol.ServerEnvelope(protocol.TypePeerLeft, room.ID, protocol.PeerLeft{PeerID: peerID}); err == nil {
			s.hub.Broadcast(room.ID, env)
		}
		s.logger.Info("peer disconnected", "room_id", room.ID, "peer_id", peerID)
	}()

	s.readLoop(conn, room.ID, peerID)
}

func (s *Server) readLoop(conn *websocket.Conn, roomID, peerID string) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "peer_id", peerID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "peer_id", peerID, "error", err)
			s.reject(roomID, peerID, protocol.CodeBadMessage, "invalid JSON envelope")
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.reject(roomID, peerID, protocol.CodeBadMessage, err.Error())
			continue
		}
		if !protocol.Relayed(env.Type) {
			s.reject(roomID, peerID, protocol.CodeBadMessage, "message type not relayed: "+env.Type)
			continue
		}

		env.From = peerID
		env.RoomID = roomID
		if env.To == "" {
			s.hub.BroadcastExcept(roomID, peerID, env)
			continue
		}
		if env.To == peerID || !s.hub.SendTo(roomID, env.To, env) {
			s.logger.Warn("peer not found for targeted send", "from", peerID, "to", env.To)
			s.reject(roomID, peerID, protocol.CodePeerNotFound, "target peer not found: "+env.To)
		}
	}
}

func (s *Server) reject(roomID, peerID, code, message string) {
	env, err := protocol.ServerEnvelope(protocol.TypeError, roomID, protocol.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	env.To = peerID
	s.hub.SendTo(roomID, peerID, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
