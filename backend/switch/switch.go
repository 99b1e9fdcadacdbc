package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/watchsync/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch routes outbound events to connection wires.
// Rooms are groups of connection ids; a connection may sit in several rooms.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
	rooms  map[string]map[string]struct{}
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
		rooms:  make(map[string]map[string]struct{}),
	}
}

func (sw *Switch) Attach(connID string, wire model.Wire) {
	sw.mx.Lock()
	sw.wires[connID] = wire
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", connID).Msg("connection attached")
}

// Detach forgets the connection and removes it from every room.
func (sw *Switch) Detach(connID string) {
	sw.mx.Lock()
	delete(sw.wires, connID)
	for roomID, members := range sw.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(sw.rooms, roomID)
		}
	}
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", connID).Msg("connection detached")
}

func (sw *Switch) Join(roomID, connID string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	members, ok := sw.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		sw.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

// DropRoom forgets room membership. Wires stay attached.
func (sw *Switch) DropRoom(roomID string) {
	sw.mx.Lock()
	delete(sw.rooms, roomID)
	sw.mx.Unlock()
}

// Broadcast sends ev to every member of the room except ev.SRC.
// An empty SRC reaches everyone.
func (sw *Switch) Broadcast(ctx context.Context, roomID string, ev model.Event) int {
	ev.DST = "" // clear dst just in case
	logger := sw.logger.With().
		Str("roomID", roomID).
		Str("type", ev.Type).
		Str("src", ev.SRC).Logger()

	sw.mx.RLock()
	targets := make([]model.Wire, 0, len(sw.rooms[roomID]))
	for dst := range sw.rooms[roomID] {
		if dst == ev.SRC {
			continue
		}
		if wire, ok := sw.wires[dst]; ok {
			targets = append(targets, wire)
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, wire := range targets {
		annSent, canceled := send(ctx, ev, wire.TX, &logger)
		if canceled {
			break
		}
		if annSent {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

// Unicast sends ev to the connection named by ev.DST.
func (sw *Switch) Unicast(ctx context.Context, ev model.Event) bool {
	logger := sw.logger.With().
		Str("type", ev.Type).
		Str("dst", ev.DST).Logger()

	sw.mx.RLock()
	wire, ok := sw.wires[ev.DST]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ev, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- ev:
		logger.Trace().Msg("event is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
