// Package player provides a headless media player driven by a clock.
// It stands in for a real decoder when running peers without a UI.
package player

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrNotLoaded = errors.New("no media loaded")
)

type Virtual struct {
	clock clockwork.Clock
	mx    sync.Mutex

	loaded   bool
	playing  bool
	position float64 // at since
	since    time.Time
	duration float64

	onEnded func()
}

func NewVirtual(clock clockwork.Clock) *Virtual {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Virtual{clock: clock, since: clock.Now()}
}

// Load resets the player to a paused state at zero for media of the given length.
// Zero duration means unknown length.
func (v *Virtual) Load(duration float64) {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.loaded = true
	v.playing = false
	v.position = 0
	v.duration = duration
	v.since = v.clock.Now()
}

// OnEnded registers fn to be called from Position or Playing when playback
// reaches the end.
func (v *Virtual) OnEnded(fn func()) {
	v.mx.Lock()
	v.onEnded = fn
	v.mx.Unlock()
}

func (v *Virtual) Duration() float64 {
	v.mx.Lock()
	defer v.mx.Unlock()
	return v.duration
}

func (v *Virtual) Position() float64 {
	v.mx.Lock()
	pos, ended := v.current()
	fn := v.onEnded
	v.mx.Unlock()

	if ended && fn != nil {
		fn()
	}
	return pos
}

func (v *Virtual) SetPosition(seconds float64) error {
	v.mx.Lock()
	defer v.mx.Unlock()
	if !v.loaded {
		return ErrNotLoaded
	}
	if seconds < 0 {
		seconds = 0
	}
	if v.duration > 0 && seconds > v.duration {
		seconds = v.duration
	}
	v.position = seconds
	v.since = v.clock.Now()
	return nil
}

func (v *Virtual) Play() error {
	v.mx.Lock()
	defer v.mx.Unlock()
	if !v.loaded {
		return ErrNotLoaded
	}
	if !v.playing {
		v.since = v.clock.Now()
		v.playing = true
	}
	return nil
}

func (v *Virtual) Pause() error {
	v.mx.Lock()
	defer v.mx.Unlock()
	if !v.loaded {
		return ErrNotLoaded
	}
	v.position, _ = v.current()
	v.since = v.clock.Now()
	v.playing = false
	return nil
}

func (v *Virtual) Playing() bool {
	v.mx.Lock()
	_, ended := v.current()
	playing := v.playing
	fn := v.onEnded
	v.mx.Unlock()

	if ended && fn != nil {
		fn()
	}
	return playing
}

// current must be called with mx held. Reaching the end stops playback.
func (v *Virtual) current() (float64, bool) {
	if !v.playing {
		return v.position, false
	}
	pos := v.position + v.clock.Since(v.since).Seconds()
	if v.duration > 0 && pos >= v.duration {
		v.position = v.duration
		v.since = v.clock.Now()
		v.playing = false
		return v.duration, true
	}
	return pos, false
}
