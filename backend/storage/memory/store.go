package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/watchsync/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrEmptyRoomID  = errors.New("room id is empty")
)

// EvictionPolicy decides whether a room may be dropped from the store.
type EvictionPolicy interface {
	Evict(room *model.Room, now time.Time) bool
}

// NeverEvict keeps every room for the process lifetime.
type NeverEvict struct{}

func (NeverEvict) Evict(*model.Room, time.Time) bool { return false }

// IdleTimeout evicts rooms that have no members and saw no activity for TTL.
type IdleTimeout struct {
	TTL time.Duration
}

func (it IdleTimeout) Evict(room *model.Room, now time.Time) bool {
	return len(room.Members) == 0 && now.Sub(room.LastActivity) >= it.TTL
}

type MemStore struct {
	mx     *sync.Mutex
	db     map[string]*model.Room
	policy EvictionPolicy
}

func NewMemStore(policy EvictionPolicy) *MemStore {
	if policy == nil {
		policy = NeverEvict{}
	}
	return &MemStore{
		mx:     &sync.Mutex{},
		db:     make(map[string]*model.Room),
		policy: policy,
	}
}

// CreateOrJoinRoom adds connID to the room, creating it if needed.
// It reports whether the room was created by this call.
func (ms *MemStore) CreateOrJoinRoom(roomID, connID string, now time.Time) (bool, error) {
	if roomID == "" {
		return false, ErrEmptyRoomID
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = model.NewRoom(roomID, now)
		ms.db[roomID] = room
	}
	room.Members[connID] = struct{}{}
	room.LastActivity = now
	return !ok, nil
}

// Update runs fn on the room under the store lock.
// It returns false without calling fn if the room does not exist.
func (ms *MemStore) Update(roomID string, now time.Time, fn func(*model.Room)) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false
	}
	fn(room)
	room.LastActivity = now
	return true
}

// View runs fn on the room under the store lock without touching activity.
func (ms *MemStore) View(roomID string, fn func(*model.Room)) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false
	}
	fn(room)
	return true
}

func (ms *MemStore) GetRoom(roomID string, now time.Time) (model.RoomInfo, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.RoomInfo{}, ErrRoomNotFound
	}
	members := make([]string, 0, len(room.Members))
	for id := range room.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	return model.RoomInfo{
		ID:          room.ID,
		Members:     members,
		FileName:    room.MediaLabel,
		IsPlaying:   room.Playback.Playing(),
		CurrentTime: room.Playback.Effective(now),
	}, nil
}

// Leave removes connID from every room and returns the ids of rooms it left.
func (ms *MemStore) Leave(connID string, now time.Time) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var left []string
	for id, room := range ms.db {
		if _, ok := room.Members[connID]; ok {
			delete(room.Members, connID)
			room.LastActivity = now
			left = append(left, id)
		}
	}
	return left
}

// Reap drops every room the eviction policy agrees to evict.
func (ms *MemStore) Reap(now time.Time) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var evicted []string
	for id, room := range ms.db {
		if ms.policy.Evict(room, now) {
			delete(ms.db, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (ms *MemStore) Len() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.db)
}
