package client

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/watchsync/backend/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeInterval = 2 * time.Second

	// probes unanswered for this many intervals are forgotten
	probeExpiry = 5
)

type ProbeConfig struct {
	Emitter  Emitter
	Clock    clockwork.Clock
	Logger   *zerolog.Logger
	Interval time.Duration
}

// Probe measures round-trip time to the server with ping/pong events.
// It has no effect on playback.
type Probe struct {
	emitter  Emitter
	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger

	mx      sync.Mutex
	seq     uint64
	pending map[uint64]time.Time
	latency time.Duration
}

func NewProbe(cfg ProbeConfig) *Probe {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Probe{
		emitter:  cfg.Emitter,
		clock:    clock,
		interval: interval,
		pending:  make(map[uint64]time.Time),
		logger:   cfg.Logger.With().Str("component", "probe").Logger(),
	}
}

func (p *Probe) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := p.Fire(ctx); err != nil {
				p.logger.Trace().Err(err).Msg("probe not sent")
			}
		}
	}
}

// Fire sends one probe.
func (p *Probe) Fire(ctx context.Context) error {
	p.mx.Lock()
	p.seq++
	seq := p.seq
	now := p.clock.Now()
	p.pending[seq] = now
	for s, sent := range p.pending {
		if now.Sub(sent) > probeExpiry*p.interval {
			delete(p.pending, s)
		}
	}
	p.mx.Unlock()

	if err := p.emitter.Emit(ctx, model.EventPing, model.Ping{Seq: seq}); err != nil {
		p.mx.Lock()
		delete(p.pending, seq)
		p.mx.Unlock()
		return err
	}
	return nil
}

// Complete records the answer for probe seq. It reports false for
// unknown or expired probes.
func (p *Probe) Complete(seq uint64) (time.Duration, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()

	sent, ok := p.pending[seq]
	if !ok {
		return 0, false
	}
	delete(p.pending, seq)
	p.latency = p.clock.Since(sent)
	p.logger.Trace().Dur("latency", p.latency).Msg("probe completed")
	return p.latency, true
}

// HandleEvent consumes pong events.
func (p *Probe) HandleEvent(ev model.Event) bool {
	if ev.Type != model.EventPong {
		return false
	}
	var pong model.Ping
	if err := ev.Decode(&pong); err != nil {
		p.logger.Error().Err(err).Msg("bad pong payload")
		return true
	}
	p.Complete(pong.Seq)
	return true
}

// Latency returns the last measured round trip.
func (p *Probe) Latency() time.Duration {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.latency
}
