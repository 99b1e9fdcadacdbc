package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/watchsync/backend/model"
	"github.com/adwski/watchsync/backend/storage/memory"
	"github.com/rs/zerolog"
)

type stubRooms map[string]model.RoomInfo

func (s stubRooms) RoomInfo(roomID string) (model.RoomInfo, error) {
	info, ok := s[roomID]
	if !ok {
		return model.RoomInfo{}, errors.Join(errors.New("unable to get room"), memory.ErrRoomNotFound)
	}
	return info, nil
}

func TestGetRoom(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger: &logger,
		RoomService: stubRooms{
			"abc": {ID: "abc", Members: []string{"a"}, IsPlaying: true, CurrentTime: 13},
		},
	})

	testCases := []struct {
		path     string
		wantCode int
	}{
		{"/api/rooms/abc", http.StatusOK},
		{"/api/rooms/nope", http.StatusNotFound},
		{"/healthz", http.StatusOK},
	}

	for _, tc := range testCases {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.wantCode {
			t.Errorf("GET %s: got %d, want %d", tc.path, rec.Code, tc.wantCode)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/abc", nil))
	var resp struct {
		Data model.RoomInfo `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Data.ID != "abc" || !resp.Data.IsPlaying || resp.Data.CurrentTime != 13 {
		t.Fatalf("room payload: %+v", resp.Data)
	}
}

func TestCORSPreflight(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: stubRooms{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms/abc", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin: got %q, want *", got)
	}
}
