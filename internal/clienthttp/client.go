package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

// Room is a freshly created signaling room.
type Room struct {
	RoomID    string
	JoinCode  string
	ExpiresAt time.Time // zero when the server does not expire rooms
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// CreateRoom calls POST /room on the signaling server.
func CreateRoom(ctx context.Context, serverURL string) (Room, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	endpoint := strings.TrimSuffix(serverURL, "/") + "/room"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Room{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Room{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Room{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Room{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info protocol.RoomInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return Room{}, fmt.Errorf("parse response: %w", err)
	}
	if info.RoomID == "" || info.JoinCode == "" {
		return Room{}, fmt.Errorf("parse response: missing room_id or join_code")
	}
	room := Room{RoomID: info.RoomID, JoinCode: info.JoinCode}
	if info.ExpiresAt != "" {
		room.ExpiresAt, err = time.Parse(time.RFC3339, info.ExpiresAt)
		if err != nil {
			return Room{}, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	return room, nil
}
