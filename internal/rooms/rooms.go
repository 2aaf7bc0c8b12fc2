package rooms

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRoomNotFound is returned for unknown or expired join codes.
var ErrRoomNotFound = errors.New("invalid or expired join code")

// joinCodeAlphabet is A-Z and 2-9 without the ambiguous O, 0, I, 1.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const joinCodeLen = 8

// Room is a rendezvous point for a fixed number of peers.
type Room struct {
	ID        string    `json:"room_id"`
	JoinCode  string    `json:"join_code"`
	Capacity  int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the room has outlived its TTL at now.
// Rooms without an expiry never expire.
func (r Room) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store is a thread-safe in-memory room registry.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]Room   // room ID -> room
	byCode   map[string]string // join code -> room ID
	ttl      time.Duration
	capacity int
}

// NewStore creates a store whose rooms live for ttl (0 disables expiry)
// and admit capacity peers each.
func NewStore(ttl time.Duration, capacity int) *Store {
	if capacity < 1 {
		capacity = 2
	}
	return &Store{
		rooms:    make(map[string]Room),
		byCode:   make(map[string]string),
		ttl:      ttl,
		capacity: capacity,
	}
}

// Create registers a new room with a unique ID and join code.
func (s *Store) Create(now time.Time) Room {
	room := Room{
		ID:        uuid.NewString(),
		Capacity:  s.capacity,
		CreatedAt: now,
	}
	if s.ttl > 0 {
		room.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		room.JoinCode = newJoinCode()
		if _, taken := s.byCode[room.JoinCode]; !taken {
			break
		}
	}
	s.rooms[room.ID] = room
	s.byCode[room.JoinCode] = room.ID
	return room
}

// Lookup resolves a join code to a live room.
func (s *Store) Lookup(code string, now time.Time) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	room, ok := s.rooms[id]
	if !ok || room.Expired(now) {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

// Get returns the room with the given ID.
func (s *Store) Get(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	return room, ok
}

// Delete removes a room. Unknown IDs are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[id]; ok {
		delete(s.rooms, id)
		delete(s.byCode, room.JoinCode)
	}
}

// Count returns the number of registered rooms, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// CleanupExpired removes every room expired at now and returns them.
func (s *Store) CleanupExpired(now time.Time) []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Room
	for id, room := range s.rooms {
		if room.Expired(now) {
			removed = append(removed, room)
			delete(s.rooms, id)
			delete(s.byCode, room.JoinCode)
		}
	}
	return removed
}

func newJoinCode() string {
	b := make([]byte, joinCodeLen)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = joinCodeAlphabet[int(b[i])%len(joinCodeAlphabet)]
	}
	return string(b)
}
