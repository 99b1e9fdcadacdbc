package model

import (
	"encoding/json"
	"time"

	"github.com/adwski/watchsync/backend/playback"
)

const defaultWireBuffer = 64

// Inbound event types, sent by clients.
const (
	EventJoin        = "join"
	EventFileLoaded  = "file_loaded"
	EventPlay        = "play"
	EventPause       = "pause"
	EventSeek        = "seek"
	EventTimeUpdate  = "time_update"
	EventSyncRequest = "sync_request"
	EventChat        = "chat"
	EventPing        = "ping"
)

// Outbound event types, sent by server. Play, pause and seek
// relays reuse the inbound names.
const (
	EventSyncState      = "sync_state"
	EventPeerFileLoaded = "peer_file_loaded"
	EventChatMessage    = "chat_message"
	EventPong           = "pong"
	EventError          = "error"
)

const (
	ChatTypeSystem = "system"
	ChatTypeUser   = "user"
)

// Event is the wire envelope for every message in both directions.
type Event struct {
	DST     string          `json:"-"`
	SRC     string          `json:"-"` // server assigns this from the websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(typ string, payload any) (Event, error) {
	ev := Event{Type: typ}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = b
	return ev, nil
}

// Decode unmarshals the payload into v. Empty payload decodes as JSON null.
func (ev Event) Decode(v any) error {
	if len(ev.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(ev.Payload, v)
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type PositionRequest struct {
	RoomID      string   `json:"roomId"`
	CurrentTime *float64 `json:"currentTime"`
}

type FileRequest struct {
	RoomID   string `json:"roomId"`
	FileName string `json:"fileName"`
}

type ChatRequest struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	UserID string `json:"userId"`
}

type Ping struct {
	Seq uint64 `json:"seq"`
}

// SyncState is the drift-compensated snapshot returned for sync_request.
type SyncState struct {
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	FileName    *string `json:"fileName,omitempty"`
}

type ChatMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

type ErrorReply struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type Room struct {
	ID           string
	Members      map[string]struct{}
	MediaLabel   string
	Playback     playback.State
	LastActivity time.Time
}

func NewRoom(id string, now time.Time) *Room {
	return &Room{
		ID:           id,
		Members:      make(map[string]struct{}),
		Playback:     playback.New(now),
		LastActivity: now,
	}
}

// RoomInfo is a read-only room snapshot with the position already derived.
type RoomInfo struct {
	ID          string   `json:"room_id"`
	Members     []string `json:"members"`
	FileName    string   `json:"file_name,omitempty"`
	IsPlaying   bool     `json:"is_playing"`
	CurrentTime float64  `json:"current_time"`
}

type Wire struct {
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Event, defaultWireBuffer),
	}
}
