// Package playback holds the authoritative playback timeline of a room.
//
// The server never ticks a position forward. Position and LastUpdate form a
// checkpoint, and the current position is derived from it on demand.
package playback

import (
	"math"
	"time"
)

type Status int

const (
	StatusPaused Status = iota
	StatusPlaying
)

func (s Status) String() string {
	if s == StatusPlaying {
		return "playing"
	}
	return "paused"
}

type State struct {
	Status     Status
	Position   float64
	LastUpdate time.Time
}

func New(now time.Time) State {
	return State{
		Status:     StatusPaused,
		LastUpdate: now,
	}
}

func (s *State) Play(position float64, now time.Time) {
	s.Status = StatusPlaying
	s.checkpoint(position, now)
}

func (s *State) Pause(position float64, now time.Time) {
	s.Status = StatusPaused
	s.checkpoint(position, now)
}

// Seek moves the checkpoint and keeps the status.
func (s *State) Seek(position float64, now time.Time) {
	s.checkpoint(position, now)
}

// Refresh re-anchors the checkpoint with a client-reported position.
// Semantically it is a seek that is never relayed.
func (s *State) Refresh(position float64, now time.Time) {
	s.checkpoint(position, now)
}

func (s *State) checkpoint(position float64, now time.Time) {
	s.Position = ClampPosition(position)
	s.LastUpdate = now
}

func (s State) Playing() bool {
	return s.Status == StatusPlaying
}

// Effective returns the drift-compensated position at now.
func (s State) Effective(now time.Time) float64 {
	if s.Status != StatusPlaying {
		return s.Position
	}
	elapsed := now.Sub(s.LastUpdate).Seconds()
	if elapsed < 0 {
		// clock went backwards, keep the checkpoint
		elapsed = 0
	}
	return s.Position + elapsed
}

// ClampPosition pins negative positions to zero.
func ClampPosition(position float64) float64 {
	if position < 0 {
		return 0
	}
	return position
}

// ValidPosition reports whether position is a usable number of seconds.
func ValidPosition(position float64) bool {
	return !math.IsNaN(position) && !math.IsInf(position, 0)
}
