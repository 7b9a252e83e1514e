package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"noos/audio"
	"noos/controller"
	"noos/database"
)

// instantBackend starts every url immediately; tests end media by hand.
type instantBackend struct {
	mutex sync.Mutex
	media []*instantMedia
}

func (b *instantBackend) NewContext() (audio.Context, error) {
	return &instantContext{backend: b}, nil
}

func (b *instantBackend) last() *instantMedia {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.media[len(b.media)-1]
}

type instantContext struct {
	backend *instantBackend
}

func (c *instantContext) Now() time.Duration { return 0 }

func (c *instantContext) Load(url string, gain *audio.Gain) (audio.Media, error) {
	m := &instantMedia{}
	c.backend.mutex.Lock()
	c.backend.media = append(c.backend.media, m)
	c.backend.mutex.Unlock()
	return m, nil
}

func (c *instantContext) Close() error { return nil }

type instantMedia struct {
	mutex   sync.Mutex
	onEnded func()
}

func (m *instantMedia) Play(ctx context.Context) error { return nil }
func (m *instantMedia) Pause()                         {}
func (m *instantMedia) Close() error                   { return nil }

func (m *instantMedia) SetListeners(onEnded func(), onError func(error)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onEnded = onEnded
}

func (m *instantMedia) end() {
	m.mutex.Lock()
	cb := m.onEnded
	m.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

// stateBody mirrors the PlaybackState json.
type stateBody struct {
	Catalog *struct {
		ParentID string `json:"parentId"`
	} `json:"catalog"`
	Status      string  `json:"status"`
	ActiveURL   string  `json:"activeUrl"`
	SelectedURL string  `json:"selectedUrl"`
	Volume      float64 `json:"volume"`
	Muted       bool    `json:"muted"`
	Shuffle     bool    `json:"shuffle"`
	RepeatOne   bool    `json:"repeatOne"`
}

type sessionBody struct {
	ID        string    `json:"id"`
	State     stateBody `json:"state"`
	StreamURL string    `json:"streamUrl"`
}

type testServer struct {
	router     *gin.Engine
	controller *controller.Controller
	db         *database.Database
	backend    *instantBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(filepath.Join(t.TempDir(), "noos.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertPack(database.Pack{ID: "drums", Name: "Dusty Drums", Author: "kit"}); err != nil {
		t.Fatal(err)
	}
	for _, track := range []audio.Track{
		{URL: "kick.wav", Title: "Kick", Order: 0},
		{URL: "snare.wav", Title: "Snare", Order: 1},
		{URL: "hat.wav", Title: "Hat", Order: 2},
	} {
		if err := db.AddTrack("drums", track); err != nil {
			t.Fatal(err)
		}
	}

	backend := &instantBackend{}
	storeOpts := audio.DefaultStoreOptions()
	storeOpts.Sleep = func(time.Duration) {}
	c := controller.NewController(db, controller.Options{
		Store:      storeOpts,
		NewBackend: func(audio.Sink) audio.Backend { return backend },
	})
	t.Cleanup(c.Close)

	router := gin.New()
	NewManager(c, db).RegisterRoutes(router)
	return &testServer{router: router, controller: c, db: db, backend: backend}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSession(t *testing.T, body string) sessionBody {
	t.Helper()
	w := s.do(t, http.MethodPost, "/sessions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /sessions = %d %s", w.Code, w.Body.String())
	}
	var session sessionBody
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	return session
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) stateBody {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	var state stateBody
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	return state
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("GET /healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestPacks(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/packs", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Dusty Drums"`) {
		t.Errorf("GET /packs = %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/packs/drums", "")
	var pack struct {
		Name   string        `json:"name"`
		Tracks []audio.Track `json:"tracks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &pack); err != nil {
		t.Fatalf("decoding pack: %v", err)
	}
	if len(pack.Tracks) != 3 || pack.Tracks[0].URL != "kick.wav" {
		t.Errorf("pack tracks = %+v", pack.Tracks)
	}

	for _, path := range []string{"/packs/nope", "/packs/nope/top"} {
		if w := s.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d; want 404", path, w.Code)
		}
	}
}

func TestPlayerPage(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/packs/drums/player", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET player = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `data-url="snare.wav"`) {
		t.Error("player page does not list the pack's tracks")
	}

	if w := s.do(t, http.MethodGet, "/packs/nope/player", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET player for unknown pack = %d; want 404", w.Code)
	}
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)

	empty := s.createSession(t, "")
	if empty.State.Status != "idle" || empty.State.Catalog != nil {
		t.Errorf("empty session state = %+v", empty.State)
	}

	loaded := s.createSession(t, `{"packId":"drums"}`)
	if loaded.State.Catalog == nil || loaded.State.Catalog.ParentID != "drums" || loaded.State.ActiveURL != "kick.wav" {
		t.Errorf("loaded session state = %+v", loaded.State)
	}
	if loaded.StreamURL != "/sessions/"+loaded.ID+"/stream.mp3" {
		t.Errorf("stream url = %q", loaded.StreamURL)
	}

	w := s.do(t, http.MethodPost, "/sessions", `{"packId":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("POST /sessions with unknown pack = %d; want 404", w.Code)
	}
	if n := s.controller.SessionCount(); n != 2 {
		t.Errorf("SessionCount = %d; want 2", n)
	}
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/sessions/nope", ""},
		{http.MethodDelete, "/sessions/nope", ""},
		{http.MethodPost, "/sessions/nope/play", `{"url":"kick.wav"}`},
		{http.MethodPut, "/sessions/nope/volume", `{"volume":0.5}`},
		{http.MethodGet, "/sessions/nope/events", ""},
		{http.MethodGet, "/sessions/nope/stream.mp3", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			if w.Code != http.StatusNotFound {
				t.Errorf("got %d; want 404", w.Code)
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("body %s has no error", w.Body.String())
			}
		})
	}
}

func TestBadBodies(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, `{"packId":"drums"}`).ID

	tests := []struct {
		name, method, path, body string
	}{
		{"play without url", http.MethodPost, "/play", `{}`},
		{"malformed json", http.MethodPost, "/play", `{"url":`},
		{"volume missing", http.MethodPut, "/volume", `{}`},
		{"volume wrong type", http.MethodPut, "/volume", `{"volume":"loud"}`},
		{"muted missing", http.MethodPut, "/muted", `{}`},
		{"catalog missing pack", http.MethodPut, "/catalog", `{}`},
		{"selection missing url", http.MethodPut, "/selection", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, "/sessions/"+id+tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("got %d %s; want 400", w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaybackControls(t *testing.T) {
	s := newTestServer(t)
	base := "/sessions/" + s.createSession(t, `{"packId":"drums"}`).ID

	state := decodeState(t, s.do(t, http.MethodPost, base+"/play", `{"url":"snare.wav"}`))
	if state.Status != "playing" || state.ActiveURL != "snare.wav" {
		t.Errorf("after play = %+v", state)
	}

	state = decodeState(t, s.do(t, http.MethodPost, base+"/next", ""))
	if state.ActiveURL != "hat.wav" {
		t.Errorf("after next = %+v; want hat.wav", state)
	}
	state = decodeState(t, s.do(t, http.MethodPost, base+"/next", ""))
	if state.ActiveURL != "kick.wav" {
		t.Errorf("next from the last track = %q; want kick.wav", state.ActiveURL)
	}
	state = decodeState(t, s.do(t, http.MethodPost, base+"/previous", ""))
	if state.ActiveURL != "hat.wav" {
		t.Errorf("previous from the first track = %q; want hat.wav", state.ActiveURL)
	}

	state = decodeState(t, s.do(t, http.MethodPut, base+"/volume", `{"volume":0.4}`))
	if state.Volume != 0.4 {
		t.Errorf("volume = %v; want 0.4", state.Volume)
	}
	state = decodeState(t, s.do(t, http.MethodPut, base+"/volume", `{"volume":3}`))
	if state.Volume != 1 {
		t.Errorf("volume = %v; want clamped to 1", state.Volume)
	}
	state = decodeState(t, s.do(t, http.MethodPut, base+"/muted", `{"enabled":true}`))
	if !state.Muted {
		t.Error("muted not set")
	}
	state = decodeState(t, s.do(t, http.MethodPut, base+"/shuffle", `{"enabled":true}`))
	if !state.Shuffle {
		t.Error("shuffle not set")
	}
	state = decodeState(t, s.do(t, http.MethodPut, base+"/repeat", `{"enabled":true}`))
	if !state.RepeatOne {
		t.Error("repeat one not set")
	}

	state = decodeState(t, s.do(t, http.MethodPost, base+"/stop", ""))
	if state.Status != "stopped" {
		t.Errorf("after stop = %+v", state)
	}
	state = decodeState(t, s.do(t, http.MethodPut, base+"/selection", `{"url":"kick.wav"}`))
	if state.SelectedURL != "kick.wav" {
		t.Errorf("selection = %q; want kick.wav", state.SelectedURL)
	}

	state = decodeState(t, s.do(t, http.MethodPost, base+"/unload", ""))
	if state.Status != "idle" || state.Catalog != nil {
		t.Errorf("after unload = %+v", state)
	}
	if state.Volume != 1 || !state.Muted || !state.Shuffle || !state.RepeatOne {
		t.Errorf("unload dropped preferences: %+v", state)
	}
}

func TestPlayUnknownURLIsNoop(t *testing.T) {
	s := newTestServer(t)
	base := "/sessions/" + s.createSession(t, `{"packId":"drums"}`).ID

	state := decodeState(t, s.do(t, http.MethodPost, base+"/play", `{"url":"elsewhere.wav"}`))
	if state.Status != "idle" || state.ActiveURL != "kick.wav" {
		t.Errorf("state = %+v; want idle on the first track", state)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, "").ID

	if w := s.do(t, http.MethodDelete, "/sessions/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d; want 204", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d; want 404", w.Code)
	}
}

func TestCompletedPreviewShowsInHistory(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, `{"packId":"drums"}`).ID
	session, err := s.controller.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}

	s.do(t, http.MethodPost, "/sessions/"+id+"/play", `{"url":"kick.wav"}`)
	session.Store.Flush()
	s.backend.last().end()

	var history []database.PreviewRecord
	deadline := time.Now().Add(2 * time.Second)
	for len(history) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("preview never recorded")
		}
		w := s.do(t, http.MethodGet, "/sessions/"+id+"/history", "")
		if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
			t.Fatalf("decoding history: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if history[0].URL != "kick.wav" || history[0].Title != "Kick" {
		t.Errorf("history = %+v", history)
	}

	w := s.do(t, http.MethodGet, "/packs/drums/top", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "kick.wav") {
		t.Errorf("GET /packs/drums/top = %d %s", w.Code, w.Body.String())
	}
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.router)
	defer server.Close()
	id := s.createSession(t, `{"packId":"drums"}`).ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/sessions/"+id+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("reading events: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, data := readEvent()
	if name != "state" || !strings.Contains(data, `"parentId":"drums"`) {
		t.Fatalf("first event = %s %s; want the current state", name, data)
	}

	s.do(t, http.MethodPost, "/sessions/"+id+"/play", `{"url":"kick.wav"}`)
	for {
		name, data = readEvent()
		if name == "started" {
			if !strings.Contains(data, "kick.wav") {
				t.Errorf("started event data = %s", data)
			}
			return
		}
	}
}

func TestWebRTCRejectsEmptyOffer(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, "").ID
	w := s.do(t, http.MethodPost, "/sessions/"+id+"/webrtc", `{"type":"offer","sdp":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST webrtc = %d; want 400", w.Code)
	}
}
