package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/adwski/watchsync/backend/model"
	"github.com/adwski/watchsync/backend/playback"
	"github.com/adwski/watchsync/backend/storage/memory"
	sw "github.com/adwski/watchsync/backend/switch"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type harness struct {
	svc   *Service
	store *memory.MemStore
	clock *clockwork.FakeClock
	wires map[string]model.Wire
}

func newHarness(t *testing.T, conns ...string) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		store: memory.NewMemStore(nil),
		clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		wires: make(map[string]model.Wire),
	}
	h.svc = NewService(Config{
		RoomStore: h.store,
		Switch:    sw.NewSwitch(&logger),
		Clock:     h.clock,
		Logger:    &logger,
	})
	for _, id := range conns {
		h.wires[id] = model.NewWire()
		h.svc.process(context.Background(), envelope{kind: kindOpen, connID: id, wire: h.wires[id]})
	}
	return h
}

func (h *harness) send(t *testing.T, src, typ string, payload any) {
	t.Helper()
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	ev.SRC = src
	h.svc.process(context.Background(), envelope{kind: kindEvent, connID: src, ev: ev})
}

// drain returns every queued event for conn.
func (h *harness) drain(conn string) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-h.wires[conn].TX:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) room(t *testing.T, roomID string) playback.State {
	t.Helper()
	var st playback.State
	if !h.store.View(roomID, func(r *model.Room) { st = r.Playback }) {
		t.Fatalf("room %q not found", roomID)
	}
	return st
}

func ofType(evs []model.Event, typ string) []model.Event {
	var out []model.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func pos(roomID string, p float64) model.PositionRequest {
	return model.PositionRequest{RoomID: roomID, CurrentTime: &p}
}

func TestSyncRequestDriftCompensation(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "a", model.EventPlay, pos("abc", 10))
	h.drain("b")

	h.clock.Advance(3 * time.Second)
	h.send(t, "b", model.EventSyncRequest, model.RoomRequest{RoomID: "abc"})

	states := ofType(h.drain("b"), model.EventSyncState)
	if len(states) != 1 {
		t.Fatalf("got %d sync_state events, want 1", len(states))
	}
	var st model.SyncState
	if err := states[0].Decode(&st); err != nil {
		t.Fatalf("decode sync_state: %v", err)
	}
	if !st.IsPlaying || math.Abs(st.CurrentTime-13) > 1e-9 {
		t.Fatalf("got %+v, want playing at 13", st)
	}
	if st.FileName != nil {
		t.Fatalf("fileName must be omitted when unknown, got %q", *st.FileName)
	}
	if n := len(ofType(h.drain("a"), model.EventSyncState)); n != 0 {
		t.Fatalf("sync_state leaked to non-requester: %d", n)
	}
}

func TestPauseThenSeek(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})

	h.send(t, "a", model.EventPause, pos("abc", 42))
	h.clock.Advance(time.Second)
	h.send(t, "b", model.EventSeek, pos("abc", 50))

	st := h.room(t, "abc")
	if st.Status != playback.StatusPaused || st.Position != 50 {
		t.Fatalf("got %s at %f, want paused at 50", st.Status, st.Position)
	}
}

func TestPauseIdempotent(t *testing.T) {
	h := newHarness(t, "a")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "a", model.EventPlay, pos("abc", 1))

	h.send(t, "a", model.EventPause, pos("abc", 30))
	first := h.room(t, "abc").Effective(h.clock.Now())
	h.clock.Advance(10 * time.Second)
	h.send(t, "a", model.EventPause, pos("abc", 30))
	second := h.room(t, "abc").Effective(h.clock.Now())

	if first != 30 || second != 30 {
		t.Fatalf("effective drifted across pauses: %f then %f", first, second)
	}
}

func TestRelayExclusivity(t *testing.T) {
	members := []string{"a", "b", "c"}
	h := newHarness(t, members...)
	for _, id := range members {
		h.send(t, id, model.EventJoin, model.RoomRequest{RoomID: "abc"})
	}
	for _, id := range members {
		h.drain(id)
	}

	for _, sender := range members {
		for _, typ := range []string{model.EventPlay, model.EventPause, model.EventSeek} {
			h.send(t, sender, typ, pos("abc", 7.5))
			for _, id := range members {
				got := ofType(h.drain(id), typ)
				if id == sender {
					if len(got) != 0 {
						t.Fatalf("%s received its own %s relay", id, typ)
					}
					continue
				}
				if len(got) != 1 {
					t.Fatalf("%s got %d %s relays from %s, want 1", id, len(got), typ, sender)
				}
				var p float64
				if err := json.Unmarshal(got[0].Payload, &p); err != nil || p != 7.5 {
					t.Fatalf("relay payload: got %s (%v), want 7.5", got[0].Payload, err)
				}
			}
		}
	}
}

func TestUnknownRoomSilence(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "known"})
	h.drain("b")

	h.send(t, "a", model.EventPlay, pos("ghost", 1))
	h.send(t, "a", model.EventPause, pos("ghost", 1))
	h.send(t, "a", model.EventSeek, pos("ghost", 1))
	h.send(t, "a", model.EventTimeUpdate, pos("ghost", 1))
	h.send(t, "a", model.EventFileLoaded, model.FileRequest{RoomID: "ghost", FileName: "x.mkv"})
	h.send(t, "a", model.EventSyncRequest, model.RoomRequest{RoomID: "ghost"})
	h.send(t, "a", model.EventChat, model.ChatRequest{RoomID: "ghost", Text: "hi"})

	if evs := h.drain("a"); len(evs) != 0 {
		t.Fatalf("sender got %d events for unknown room, first %q", len(evs), evs[0].Type)
	}
	if evs := h.drain("b"); len(evs) != 0 {
		t.Fatalf("bystander got %d events", len(evs))
	}
	if h.store.Len() != 1 {
		t.Fatalf("unknown-room events created rooms: %d", h.store.Len())
	}
}

func TestJoinDoesNotPushState(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "a", model.EventPlay, pos("abc", 10))
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})

	evs := h.drain("b")
	if n := len(ofType(evs, model.EventSyncState)); n != 0 {
		t.Fatalf("joiner received %d sync_state events", n)
	}
	notes := ofType(evs, model.EventChatMessage)
	if len(notes) != 1 {
		t.Fatalf("joiner got %d system notifications, want 1", len(notes))
	}
	var msg model.ChatMessage
	if err := notes[0].Decode(&msg); err != nil || msg.Type != model.ChatTypeSystem {
		t.Fatalf("notification: %+v (%v)", msg, err)
	}
	// a sees both join notifications
	if n := len(ofType(h.drain("a"), model.EventChatMessage)); n != 2 {
		t.Fatalf("first member got %d notifications, want 2", n)
	}
}

func TestFileLoaded(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.drain("a")
	h.drain("b")

	h.send(t, "a", model.EventFileLoaded, model.FileRequest{RoomID: "abc", FileName: "movie.mkv"})
	if n := len(h.drain("a")); n != 0 {
		t.Fatalf("sender got %d events", n)
	}
	got := ofType(h.drain("b"), model.EventPeerFileLoaded)
	if len(got) != 1 {
		t.Fatalf("peer got %d peer_file_loaded, want 1", len(got))
	}
	var name string
	if err := got[0].Decode(&name); err != nil || name != "movie.mkv" {
		t.Fatalf("peer_file_loaded payload: %q (%v)", name, err)
	}

	h.send(t, "b", model.EventSyncRequest, model.RoomRequest{RoomID: "abc"})
	var st model.SyncState
	if err := ofType(h.drain("b"), model.EventSyncState)[0].Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.FileName == nil || *st.FileName != "movie.mkv" {
		t.Fatalf("sync_state fileName: %v", st.FileName)
	}
}

func TestTimeUpdateIsNotRelayed(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "a", model.EventPlay, pos("abc", 0))
	h.drain("b")

	h.clock.Advance(5 * time.Second)
	h.send(t, "a", model.EventTimeUpdate, pos("abc", 4.5))

	if n := len(h.drain("b")); n != 0 {
		t.Fatalf("time_update relayed %d events", n)
	}
	st := h.room(t, "abc")
	if !st.Playing() || st.Effective(h.clock.Now()) != 4.5 {
		t.Fatalf("checkpoint not refreshed: %+v", st)
	}
}

func TestMalformedPayloads(t *testing.T) {
	testCases := []struct {
		name    string
		typ     string
		payload string
		wantErr error
	}{
		{"play without position", model.EventPlay, `{"roomId":"abc"}`, ErrMalformedPayload},
		{"seek without room", model.EventSeek, `{"currentTime":3}`, ErrMalformedPayload},
		{"pause with string position", model.EventPause, `{"roomId":"abc","currentTime":"3"}`, ErrMalformedPayload},
		{"join without room", model.EventJoin, `{}`, ErrMalformedPayload},
		{"join without payload", model.EventJoin, ``, ErrMalformedPayload},
		{"file without name", model.EventFileLoaded, `{"roomId":"abc"}`, ErrMalformedPayload},
		{"chat without text", model.EventChat, `{"roomId":"abc"}`, ErrMalformedPayload},
		{"unknown type", "rewind", `{}`, ErrUnknownEvent},
	}

	for _, tc := range testCases {
		h := newHarness(t, "a")
		h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
		h.drain("a")

		ev := model.Event{SRC: "a", Type: tc.typ, Payload: json.RawMessage(tc.payload)}
		if err := h.svc.Handle(context.Background(), ev); !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.wantErr)
			continue
		}

		h.svc.process(context.Background(), envelope{kind: kindEvent, connID: "a", ev: ev})
		replies := ofType(h.drain("a"), model.EventError)
		if len(replies) != 1 {
			t.Errorf("%s: got %d error replies, want 1", tc.name, len(replies))
		}
	}
}

func TestNegativePositionClamped(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.drain("b")

	h.send(t, "a", model.EventSeek, pos("abc", -12))
	if st := h.room(t, "abc"); st.Position != 0 {
		t.Fatalf("position %f, want 0", st.Position)
	}
	relays := ofType(h.drain("b"), model.EventSeek)
	if len(relays) != 1 || string(relays[0].Payload) != "0" {
		t.Fatalf("relay payload: %v", relays)
	}
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventPing, model.Ping{Seq: 9})

	pongs := ofType(h.drain("a"), model.EventPong)
	if len(pongs) != 1 {
		t.Fatalf("got %d pongs, want 1", len(pongs))
	}
	var p model.Ping
	if err := pongs[0].Decode(&p); err != nil || p.Seq != 9 {
		t.Fatalf("pong payload: %+v (%v)", p, err)
	}
	if n := len(h.drain("b")); n != 0 {
		t.Fatalf("pong leaked to other connection")
	}
}

func TestChatReachesSender(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.drain("a")
	h.drain("b")

	h.send(t, "a", model.EventChat, model.ChatRequest{RoomID: "abc", Text: "hello"})
	for _, id := range []string{"a", "b"} {
		msgs := ofType(h.drain(id), model.EventChatMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d chat messages, want 1", id, len(msgs))
		}
		var msg model.ChatMessage
		if err := msgs[0].Decode(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != model.ChatTypeUser || msg.Text != "hello" || msg.UserID != "a" {
			t.Fatalf("chat message: %+v", msg)
		}
	}
}

func TestCloseSessionLeavesRooms(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.send(t, "a", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "b", model.EventJoin, model.RoomRequest{RoomID: "abc"})
	h.send(t, "a", model.EventPlay, pos("abc", 3))
	h.drain("a")

	h.svc.process(context.Background(), envelope{kind: kindClose, connID: "b"})

	info, err := h.svc.RoomInfo("abc")
	if err != nil {
		t.Fatalf("RoomInfo: %v", err)
	}
	if len(info.Members) != 1 || info.Members[0] != "a" {
		t.Fatalf("members after leave: %v", info.Members)
	}
	if !info.IsPlaying {
		t.Fatalf("leave mutated playback state")
	}
	if n := len(h.drain("a")); n != 0 {
		t.Fatalf("leave produced %d notifications", n)
	}
}

func TestRunDispatchesAndReaps(t *testing.T) {
	logger := zerolog.Nop()
	clock := clockwork.NewFakeClock()
	store := memory.NewMemStore(memory.IdleTimeout{TTL: time.Minute})
	svc := NewService(Config{
		RoomStore:    store,
		Switch:       sw.NewSwitch(&logger),
		Clock:        clock,
		Logger:       &logger,
		ReapInterval: 30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.Run(ctx, wg)

	wire := model.NewWire()
	if err := svc.OpenSession(ctx, "a", wire); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	ev, _ := model.NewEvent(model.EventPing, model.Ping{Seq: 1})
	ev.SRC = "a"
	if err := svc.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case got := <-wire.TX:
		if got.Type != model.EventPong {
			t.Fatalf("got %q, want pong", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no pong from dispatch loop")
	}

	join, _ := model.NewEvent(model.EventJoin, model.RoomRequest{RoomID: "abc"})
	join.SRC = "a"
	_ = svc.Dispatch(ctx, join)
	<-wire.TX // join notification
	if err := svc.CloseSession(ctx, "a"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 0 && time.Now().Before(deadline) {
		clock.Advance(30 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	if store.Len() != 0 {
		t.Fatalf("idle room was not reaped")
	}

	cancel()
	wg.Wait()
}
