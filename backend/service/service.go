package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/watchsync/backend/model"
	"github.com/adwski/watchsync/backend/playback"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultInboxSize = 256
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrEnqueue          = errors.New("unable to enqueue")
	ErrGet              = errors.New("unable to get room")

	errMissingRoomID      = errors.New("roomId is required")
	errMissingCurrentTime = errors.New("currentTime is required")
	errInvalidCurrentTime = errors.New("currentTime is not a finite number")
	errMissingFileName    = errors.New("fileName is required")
	errMissingText        = errors.New("text is required")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID, connID string, now time.Time) (bool, error)
		Update(roomID string, now time.Time, fn func(*model.Room)) bool
		View(roomID string, fn func(*model.Room)) bool
		GetRoom(roomID string, now time.Time) (model.RoomInfo, error)
		Leave(connID string, now time.Time) []string
		Reap(now time.Time) []string
	}

	Switch interface {
		Attach(connID string, wire model.Wire)
		Detach(connID string)
		Join(roomID, connID string)
		DropRoom(roomID string)
		Broadcast(ctx context.Context, roomID string, ev model.Event) int
		Unicast(ctx context.Context, ev model.Event) bool
	}

	// Service applies inbound events to room state one at a time.
	// Every mutation happens on the goroutine running Run.
	Service struct {
		store        RoomStore
		sw           Switch
		clock        clockwork.Clock
		inbox        chan envelope
		reapInterval time.Duration
		logger       zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Clock     clockwork.Clock
		Logger    *zerolog.Logger

		// ReapInterval is how often the store eviction policy runs. Zero disables reaping.
		ReapInterval time.Duration
		InboxSize    int
	}
)

type envelopeKind int

const (
	kindEvent envelopeKind = iota
	kindOpen
	kindClose
)

type envelope struct {
	kind   envelopeKind
	connID string
	wire   model.Wire
	ev     model.Event
}

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	return &Service{
		store:        cfg.RoomStore,
		sw:           cfg.Switch,
		clock:        clock,
		inbox:        make(chan envelope, size),
		reapInterval: cfg.ReapInterval,
		logger:       cfg.Logger.With().Str("component", "sync").Logger(),
	}
}

func (svc *Service) OpenSession(ctx context.Context, connID string, wire model.Wire) error {
	return svc.enqueue(ctx, envelope{kind: kindOpen, connID: connID, wire: wire})
}

func (svc *Service) CloseSession(ctx context.Context, connID string) error {
	return svc.enqueue(ctx, envelope{kind: kindClose, connID: connID})
}

// Dispatch queues an inbound event. ev.SRC must name the sending connection.
func (svc *Service) Dispatch(ctx context.Context, ev model.Event) error {
	return svc.enqueue(ctx, envelope{kind: kindEvent, connID: ev.SRC, ev: ev})
}

func (svc *Service) RoomInfo(roomID string) (model.RoomInfo, error) {
	info, err := svc.store.GetRoom(roomID, svc.clock.Now())
	if err != nil {
		return model.RoomInfo{}, errors.Join(ErrGet, err)
	}
	return info, nil
}

func (svc *Service) enqueue(ctx context.Context, env envelope) error {
	select {
	case svc.inbox <- env:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrEnqueue, ctx.Err())
	}
}

func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		svc.logger.Debug().Msg("dispatch loop stopped")
		wg.Done()
	}()

	var reap <-chan time.Time
	if svc.reapInterval > 0 {
		ticker := svc.clock.NewTicker(svc.reapInterval)
		defer ticker.Stop()
		reap = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-svc.inbox:
			svc.process(ctx, env)
		case <-reap:
			svc.reap()
		}
	}
}

func (svc *Service) process(ctx context.Context, env envelope) {
	switch env.kind {
	case kindOpen:
		svc.sw.Attach(env.connID, env.wire)
	case kindClose:
		rooms := svc.store.Leave(env.connID, svc.clock.Now())
		svc.sw.Detach(env.connID)
		svc.logger.Debug().
			Str("connID", env.connID).
			Strs("rooms", rooms).
			Msg("connection left")
	default:
		if err := svc.Handle(ctx, env.ev); err != nil {
			svc.logger.Warn().Err(err).
				Str("connID", env.ev.SRC).
				Str("type", env.ev.Type).
				Msg("event rejected")
			svc.unicast(ctx, env.ev.SRC, model.EventError, model.ErrorReply{
				Event:   env.ev.Type,
				Message: err.Error(),
			})
		}
	}
}

func (svc *Service) reap() {
	for _, roomID := range svc.store.Reap(svc.clock.Now()) {
		svc.sw.DropRoom(roomID)
		svc.logger.Info().Str("roomID", roomID).Msg("room evicted")
	}
}

// Handle applies a single inbound event. Events for unknown rooms are
// dropped silently. Only payload and type errors are returned.
func (svc *Service) Handle(ctx context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventJoin:
		return svc.join(ctx, ev)
	case model.EventFileLoaded:
		return svc.fileLoaded(ctx, ev)
	case model.EventPlay:
		return svc.transition(ctx, ev, (*playback.State).Play, true)
	case model.EventPause:
		return svc.transition(ctx, ev, (*playback.State).Pause, true)
	case model.EventSeek:
		return svc.transition(ctx, ev, (*playback.State).Seek, true)
	case model.EventTimeUpdate:
		return svc.transition(ctx, ev, (*playback.State).Refresh, false)
	case model.EventSyncRequest:
		return svc.syncRequest(ctx, ev)
	case model.EventChat:
		return svc.chat(ctx, ev)
	case model.EventPing:
		return svc.ping(ctx, ev)
	}
	return errors.Join(ErrUnknownEvent, fmt.Errorf("type %q", ev.Type))
}

func (svc *Service) join(ctx context.Context, ev model.Event) error {
	roomID, err := decodeRoom(ev)
	if err != nil {
		return err
	}
	now := svc.clock.Now()
	created, err := svc.store.CreateOrJoinRoom(roomID, ev.SRC, now)
	if err != nil {
		return malformed(ev.Type, err)
	}
	svc.sw.Join(roomID, ev.SRC)

	svc.logger.Debug().
		Str("roomID", roomID).
		Str("connID", ev.SRC).
		Bool("created", created).
		Msg("joined room")

	// Joiners are not pushed playback state; they ask with sync_request.
	svc.broadcast(ctx, roomID, "", model.EventChatMessage, model.ChatMessage{
		Type:      model.ChatTypeSystem,
		Text:      fmt.Sprintf("%s joined the room", ev.SRC),
		UserID:    ev.SRC,
		Timestamp: now.UnixMilli(),
	})
	return nil
}

func (svc *Service) fileLoaded(ctx context.Context, ev model.Event) error {
	var req model.FileRequest
	if err := ev.Decode(&req); err != nil {
		return malformed(ev.Type, err)
	}
	if req.RoomID == "" {
		return malformed(ev.Type, errMissingRoomID)
	}
	if req.FileName == "" {
		return malformed(ev.Type, errMissingFileName)
	}
	ok := svc.store.Update(req.RoomID, svc.clock.Now(), func(room *model.Room) {
		room.MediaLabel = req.FileName
	})
	if !ok {
		svc.unknownRoom(ev, req.RoomID)
		return nil
	}
	svc.broadcast(ctx, req.RoomID, ev.SRC, model.EventPeerFileLoaded, req.FileName)
	return nil
}

// transition checkpoints the room timeline and, if relay is set, forwards
// the raw reported position to the other members.
func (svc *Service) transition(
	ctx context.Context,
	ev model.Event,
	apply func(*playback.State, float64, time.Time),
	relay bool,
) error {
	roomID, position, err := decodePosition(ev)
	if err != nil {
		return err
	}
	now := svc.clock.Now()
	ok := svc.store.Update(roomID, now, func(room *model.Room) {
		apply(&room.Playback, position, now)
	})
	if !ok {
		svc.unknownRoom(ev, roomID)
		return nil
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("connID", ev.SRC).
		Str("type", ev.Type).
		Float64("position", position).
		Msg("playback updated")

	if relay {
		svc.broadcast(ctx, roomID, ev.SRC, ev.Type, position)
	}
	return nil
}

func (svc *Service) syncRequest(ctx context.Context, ev model.Event) error {
	roomID, err := decodeRoom(ev)
	if err != nil {
		return err
	}
	var (
		state model.SyncState
		now   = svc.clock.Now()
	)
	ok := svc.store.View(roomID, func(room *model.Room) {
		state.CurrentTime = room.Playback.Effective(now)
		state.IsPlaying = room.Playback.Playing()
		if room.MediaLabel != "" {
			label := room.MediaLabel
			state.FileName = &label
		}
	})
	if !ok {
		svc.unknownRoom(ev, roomID)
		return nil
	}
	svc.unicast(ctx, ev.SRC, model.EventSyncState, state)
	return nil
}

func (svc *Service) chat(ctx context.Context, ev model.Event) error {
	var req model.ChatRequest
	if err := ev.Decode(&req); err != nil {
		return malformed(ev.Type, err)
	}
	if req.RoomID == "" {
		return malformed(ev.Type, errMissingRoomID)
	}
	if req.Text == "" {
		return malformed(ev.Type, errMissingText)
	}
	if !svc.store.View(req.RoomID, func(*model.Room) {}) {
		svc.unknownRoom(ev, req.RoomID)
		return nil
	}
	userID := req.UserID
	if userID == "" {
		userID = ev.SRC
	}
	svc.broadcast(ctx, req.RoomID, "", model.EventChatMessage, model.ChatMessage{
		Type:      model.ChatTypeUser,
		Text:      req.Text,
		UserID:    userID,
		Timestamp: svc.clock.Now().UnixMilli(),
	})
	return nil
}

// ping is answered immediately; payload is echoed so the prober can match it.
func (svc *Service) ping(ctx context.Context, ev model.Event) error {
	var p model.Ping
	if err := ev.Decode(&p); err != nil {
		return malformed(ev.Type, err)
	}
	svc.unicast(ctx, ev.SRC, model.EventPong, p)
	return nil
}

func (svc *Service) unknownRoom(ev model.Event, roomID string) {
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("connID", ev.SRC).
		Str("type", ev.Type).
		Msg("event for unknown room ignored")
}

func (svc *Service) broadcast(ctx context.Context, roomID, src, typ string, payload any) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshall outgoing event")
		return
	}
	ev.SRC = src
	svc.sw.Broadcast(ctx, roomID, ev)
}

func (svc *Service) unicast(ctx context.Context, dst, typ string, payload any) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshall outgoing event")
		return
	}
	ev.DST = dst
	svc.sw.Unicast(ctx, ev)
}

func decodeRoom(ev model.Event) (string, error) {
	var req model.RoomRequest
	if err := ev.Decode(&req); err != nil {
		return "", malformed(ev.Type, err)
	}
	if req.RoomID == "" {
		return "", malformed(ev.Type, errMissingRoomID)
	}
	return req.RoomID, nil
}

func decodePosition(ev model.Event) (string, float64, error) {
	var req model.PositionRequest
	if err := ev.Decode(&req); err != nil {
		return "", 0, malformed(ev.Type, err)
	}
	if req.RoomID == "" {
		return "", 0, malformed(ev.Type, errMissingRoomID)
	}
	if req.CurrentTime == nil {
		return "", 0, malformed(ev.Type, errMissingCurrentTime)
	}
	if !playback.ValidPosition(*req.CurrentTime) {
		return "", 0, malformed(ev.Type, errInvalidCurrentTime)
	}
	return req.RoomID, playback.ClampPosition(*req.CurrentTime), nil
}

func malformed(typ string, err error) error {
	return errors.Join(ErrMalformedPayload, fmt.Errorf("%s: %w", typ, err))
}
