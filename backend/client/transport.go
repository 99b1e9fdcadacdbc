package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchsync/backend/model"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second

	defaultDialTimeout   = 5 * time.Second
	defaultWriteDeadline = 5 * time.Second

	// DefaultPingWait must exceed the server ping interval.
	DefaultPingWait = 7 * time.Second
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

type TransportConfig struct {
	URL    string
	Logger *zerolog.Logger
	Clock  clockwork.Clock

	// Attempts bounds dial retries per outage, Delay is the fixed pause between them.
	Attempts int
	Delay    time.Duration

	// PingWait is how long the connection may stay silent before it is
	// considered dead. Server pings and events both extend it.
	PingWait time.Duration

	// OnConnect runs after every successful dial, before events are read.
	// Rejoining the room and asking for sync is the caller's job.
	OnConnect func(ctx context.Context) error
	// Handler receives every inbound event on the read goroutine.
	Handler func(ev model.Event)
}

// Transport is a reconnecting websocket connection to the sync server.
type Transport struct {
	url       string
	attempts  int
	delay     time.Duration
	pingWait  time.Duration
	clock     clockwork.Clock
	dialer    *websocket.Dialer
	onConnect func(ctx context.Context) error
	handler   func(ev model.Event)

	mx   sync.Mutex
	conn *websocket.Conn

	logger zerolog.Logger
}

func NewTransport(cfg TransportConfig) *Transport {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	pingWait := cfg.PingWait
	if pingWait <= 0 {
		pingWait = DefaultPingWait
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	handler := cfg.Handler
	if handler == nil {
		handler = func(model.Event) {}
	}
	return &Transport{
		url:       cfg.URL,
		attempts:  attempts,
		delay:     delay,
		pingWait:  pingWait,
		clock:     clock,
		dialer:    &websocket.Dialer{HandshakeTimeout: defaultDialTimeout},
		onConnect: cfg.OnConnect,
		handler:   handler,
		logger:    cfg.Logger.With().Str("component", "transport").Logger(),
	}
}

// Emit sends one event. It fails with ErrNotConnected between reconnects.
// The write deadline is the earlier of ctx's deadline and the default one.
func (t *Transport) Emit(ctx context.Context, typ string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(&ev)
	if err != nil {
		return err
	}

	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(defaultWriteDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// Run keeps the connection up until ctx is done or a reconnect cycle fails.
func (t *Transport) Run(ctx context.Context) error {
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			return err
		}
		t.setConn(conn)
		t.logger.Info().Str("url", t.url).Msg("connected")

		if t.onConnect != nil {
			if err = t.onConnect(ctx); err != nil {
				t.logger.Error().Err(err).Msg("connect hook failed")
			}
		}

		t.readLoop(ctx, conn)
		t.setConn(nil)
		t.close(conn)

		if ctx.Err() != nil {
			return nil
		}
		t.logger.Warn().Msg("connection lost, reconnecting")
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		t.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("attempts", t.attempts).
			Msg("dial failed")

		if attempt == t.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.clock.After(t.delay):
		}
	}
	return nil, errors.Join(ErrReconnectExhausted, lastErr)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	// once ctx is done the deadline stays pinned to unblock ReadMessage
	readDeadLineFunc := func() error {
		if ctx.Err() != nil {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(t.pingWait))
	}
	conn.SetPingHandler(func(data string) error {
		t.logger.Trace().Msg("got ping")
		if err := readDeadLineFunc(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := readDeadLineFunc(); err != nil {
		t.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err = readDeadLineFunc(); err != nil {
			t.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		var ev model.Event
		if err = json.Unmarshal(msg, &ev); err != nil {
			t.logger.Error().Err(err).Msg("failed to unmarshall incoming event")
			continue
		}
		t.handler(ev)
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mx.Lock()
	t.conn = conn
	t.mx.Unlock()
}

func (t *Transport) close(conn *websocket.Conn) {
	t.mx.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mx.Unlock()
	if err := conn.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("close failed")
	}
}
