package client

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/adwski/watchsync/backend/model"
	"github.com/rs/zerolog"
)

const (
	// DefaultTolerance is how far the local player may be from a remote
	// play/pause position before it is forced to seek, in seconds.
	DefaultTolerance = 0.5
	DefaultSkipStep  = 5.0
)

var (
	ErrPlayer = errors.New("player command failed")
	ErrEmit   = errors.New("unable to emit event")
)

// Origin tags each player mutation with who asked for it.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// EchoMode selects how remotely applied changes are kept from being re-emitted.
type EchoMode int

const (
	// EchoByOrigin drops intents tagged OriginRemote and emits every local one.
	EchoByOrigin EchoMode = iota
	// EchoSingleShot sets a marker on every remote application and swallows
	// the next intent whatever its origin.
	EchoSingleShot
)

// PausedSyncPolicy decides what to do with a sync_state reporting a paused room.
type PausedSyncPolicy int

const (
	PausedSyncIgnore PausedSyncPolicy = iota
	PausedSyncApply
)

// Player is the host media capability.
type Player interface {
	Position() float64
	SetPosition(seconds float64) error
	Play() error
	Pause() error
}

type Emitter interface {
	Emit(ctx context.Context, typ string, payload any) error
}

type ReconcilerConfig struct {
	RoomID     string
	Player     Player
	Emitter    Emitter
	Logger     *zerolog.Logger
	Tolerance  float64
	EchoMode   EchoMode
	PausedSync PausedSyncPolicy
}

// Reconciler applies remote playback events to the local player and turns
// local control intents into protocol events.
type Reconciler struct {
	mx sync.Mutex

	roomID     string
	player     Player
	emitter    Emitter
	tolerance  float64
	echo       EchoMode
	pausedSync PausedSyncPolicy

	marker   bool
	playing  bool
	duration float64

	logger zerolog.Logger
}

// Snapshot is a debug view of reconciler state.
type Snapshot struct {
	RoomID   string
	Playing  bool
	Position float64
	Duration float64
	Marker   bool
	EchoMode EchoMode
}

type emission struct {
	typ     string
	payload any
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{
		roomID:     cfg.RoomID,
		player:     cfg.Player,
		emitter:    cfg.Emitter,
		tolerance:  tolerance,
		echo:       cfg.EchoMode,
		pausedSync: cfg.PausedSync,
		logger: cfg.Logger.With().
			Str("component", "reconciler").
			Str("roomID", cfg.RoomID).Logger(),
	}
}

// HandleEvent applies a server event. It reports false for events that
// are not about playback.
func (r *Reconciler) HandleEvent(ev model.Event) bool {
	switch ev.Type {
	case model.EventPlay, model.EventPause, model.EventSeek:
		var position float64
		if err := ev.Decode(&position); err != nil {
			r.logger.Error().Err(err).Str("type", ev.Type).Msg("bad relay payload")
			return true
		}
		switch ev.Type {
		case model.EventPlay:
			r.RemotePlay(position)
		case model.EventPause:
			r.RemotePause(position)
		default:
			r.RemoteSeek(position)
		}
	case model.EventSyncState:
		var st model.SyncState
		if err := ev.Decode(&st); err != nil {
			r.logger.Error().Err(err).Msg("bad sync_state payload")
			return true
		}
		r.ApplySyncState(st)
	default:
		return false
	}
	return true
}

func (r *Reconciler) RemotePlay(position float64) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.markRemote()
	r.resync(position)
	if r.command("play", r.player.Play) {
		r.playing = true
	}
}

func (r *Reconciler) RemotePause(position float64) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.markRemote()
	if r.command("pause", r.player.Pause) {
		r.playing = false
	}
	r.resync(position)
}

// RemoteSeek always moves to the exact position.
func (r *Reconciler) RemoteSeek(position float64) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.markRemote()
	r.setPosition(position)
}

func (r *Reconciler) ApplySyncState(st model.SyncState) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if !st.IsPlaying {
		if r.pausedSync != PausedSyncApply {
			r.logger.Debug().Float64("position", st.CurrentTime).Msg("paused sync state not applied")
			return
		}
		r.markRemote()
		if r.command("pause", r.player.Pause) {
			r.playing = false
		}
		r.setPosition(st.CurrentTime)
		return
	}
	r.markRemote()
	r.setPosition(st.CurrentTime)
	if r.command("play", r.player.Play) {
		r.playing = true
	}
}

// TogglePlay flips the play state, like a play/pause button.
func (r *Reconciler) TogglePlay(ctx context.Context, origin Origin) error {
	r.mx.Lock()
	playing := r.playing
	r.mx.Unlock()

	if playing {
		return r.Pause(ctx, origin)
	}
	return r.Play(ctx, origin)
}

func (r *Reconciler) Play(ctx context.Context, origin Origin) error {
	return r.intent(ctx, origin, func() (*emission, error) {
		if err := r.player.Play(); err != nil {
			return nil, errors.Join(ErrPlayer, err)
		}
		r.playing = true
		return &emission{model.EventPlay, r.positionRequest(r.player.Position())}, nil
	})
}

func (r *Reconciler) Pause(ctx context.Context, origin Origin) error {
	return r.intent(ctx, origin, func() (*emission, error) {
		if err := r.player.Pause(); err != nil {
			return nil, errors.Join(ErrPlayer, err)
		}
		r.playing = false
		return &emission{model.EventPause, r.positionRequest(r.player.Position())}, nil
	})
}

func (r *Reconciler) Seek(ctx context.Context, origin Origin, position float64) error {
	return r.intent(ctx, origin, func() (*emission, error) {
		return r.seekTo(position)
	})
}

// Skip moves by delta seconds, clamped to the media bounds.
func (r *Reconciler) Skip(ctx context.Context, origin Origin, delta float64) error {
	return r.intent(ctx, origin, func() (*emission, error) {
		return r.seekTo(r.player.Position() + delta)
	})
}

// Join asks the server to add this connection to the room.
func (r *Reconciler) Join(ctx context.Context) error {
	return r.emit(ctx, &emission{model.EventJoin, model.RoomRequest{RoomID: r.roomID}})
}

// RequestSync asks the server for the drift-compensated room state.
func (r *Reconciler) RequestSync(ctx context.Context) error {
	return r.emit(ctx, &emission{model.EventSyncRequest, model.RoomRequest{RoomID: r.roomID}})
}

// ReportPosition refreshes the server checkpoint without notifying peers.
func (r *Reconciler) ReportPosition(ctx context.Context) error {
	r.mx.Lock()
	position := r.player.Position()
	r.mx.Unlock()
	return r.emit(ctx, &emission{model.EventTimeUpdate, r.positionRequest(position)})
}

func (r *Reconciler) FileLoaded(ctx context.Context, name string) error {
	return r.emit(ctx, &emission{model.EventFileLoaded, model.FileRequest{RoomID: r.roomID, FileName: name}})
}

// MetadataLoaded records the media duration reported by the host player.
func (r *Reconciler) MetadataLoaded(duration float64) {
	r.mx.Lock()
	r.duration = duration
	r.mx.Unlock()
}

// Ended is called by the host when playback reaches the end. Nothing is emitted.
func (r *Reconciler) Ended() {
	r.mx.Lock()
	r.playing = false
	r.mx.Unlock()
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mx.Lock()
	defer r.mx.Unlock()
	return Snapshot{
		RoomID:   r.roomID,
		Playing:  r.playing,
		Position: r.player.Position(),
		Duration: r.duration,
		Marker:   r.marker,
		EchoMode: r.echo,
	}
}

// intent runs act if the echo policy admits it and emits what act returns.
func (r *Reconciler) intent(ctx context.Context, origin Origin, act func() (*emission, error)) error {
	r.mx.Lock()
	if !r.admit(origin) {
		r.mx.Unlock()
		r.logger.Debug().Stringer("origin", origin).Msg("intent suppressed")
		return nil
	}
	em, err := act()
	r.mx.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Msg("local intent failed")
		return err
	}
	return r.emit(ctx, em)
}

// admit must be called with mx held.
func (r *Reconciler) admit(origin Origin) bool {
	if r.echo == EchoSingleShot {
		if r.marker {
			r.marker = false
			return false
		}
		return true
	}
	return origin == OriginLocal
}

func (r *Reconciler) markRemote() {
	if r.echo == EchoSingleShot {
		r.marker = true
	}
}

// resync seeks only when the player is outside the tolerance band.
func (r *Reconciler) resync(position float64) {
	if math.Abs(r.player.Position()-position) > r.tolerance {
		r.setPosition(position)
	}
}

func (r *Reconciler) setPosition(position float64) {
	if err := r.player.SetPosition(position); err != nil {
		r.logger.Error().Err(err).Float64("position", position).Msg("player seek failed")
	}
}

func (r *Reconciler) seekTo(position float64) (*emission, error) {
	if position < 0 {
		position = 0
	}
	if r.duration > 0 && position > r.duration {
		position = r.duration
	}
	if err := r.player.SetPosition(position); err != nil {
		return nil, errors.Join(ErrPlayer, err)
	}
	return &emission{model.EventSeek, r.positionRequest(position)}, nil
}

// command runs a player command and reports whether it succeeded.
// Failures are logged and never propagate.
func (r *Reconciler) command(name string, fn func() error) bool {
	if err := fn(); err != nil {
		r.logger.Error().Err(err).Str("command", name).Msg("player command failed")
		return false
	}
	return true
}

func (r *Reconciler) positionRequest(position float64) model.PositionRequest {
	return model.PositionRequest{RoomID: r.roomID, CurrentTime: &position}
}

func (r *Reconciler) emit(ctx context.Context, em *emission) error {
	if err := r.emitter.Emit(ctx, em.typ, em.payload); err != nil {
		r.logger.Warn().Err(err).Str("type", em.typ).Msg("emit failed")
		return errors.Join(ErrEmit, err)
	}
	r.logger.Debug().Str("type", em.typ).Msg("event emitted")
	return nil
}
