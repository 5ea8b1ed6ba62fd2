package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/needledrop/needledrop/internal/config"
	"github.com/needledrop/needledrop/internal/recognize"
	recognizemock "github.com/needledrop/needledrop/internal/recognize/mock"
	scrobblemock "github.com/needledrop/needledrop/internal/scrobble/mock"
	"github.com/needledrop/needledrop/internal/session"
	"github.com/needledrop/needledrop/pkg/audio"
	audiomock "github.com/needledrop/needledrop/pkg/audio/mock"
)

// newTestServer builds an API server around a manager wired to mocks that
// immediately detect a track once a session starts.
func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, *scrobblemock.Sink) {
	t.Helper()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{
		DevicesResult: []audio.Device{
			{Index: 0, Name: "Built-in Line In", Channels: 2},
			{Index: 1, Name: "USB Audio CODEC", Channels: 2},
		},
		Streams: []*audiomock.Stream{stream},
	}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Can", Title: "Vitamin C", Confidence: 0.9}},
	}}
	sink := &scrobblemock.Sink{}

	m := session.NewManager(session.ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Audio: config.AudioConfig{
			SampleRate:    48000,
			Channels:      1,
			Encoding:      config.EncodingFloat32LE,
			ChunkFrames:   16,
			RecordSeconds: 0.001,
		},
		Detection: config.DetectionConfig{
			LevelMetric:          config.MetricRMS,
			SilenceThreshold:     0.05,
			ActivityThreshold:    0.1,
			ActivityWindow:       1,
			StandbyWindow:        1,
			CheckInterval:        time.Millisecond,
			ConsistencyChecks:    3,
			ConsistencyThreshold: 2,
			CheckDelay:           time.Millisecond,
			AggressiveRounds:     2,
			AggressiveInterval:   time.Millisecond,
			MissLimit:            2,
		},
	})

	mux := http.NewServeMux()
	NewServer(m).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		if m.IsRunning() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Stop(ctx)
		}
		srv.Close()
	})
	return srv, m, sink
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding %s response: %v", url, err)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestDevicesEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	var resp devicesResponse
	if code := getJSON(t, srv.URL+"/devices", &resp); code != http.StatusOK {
		t.Fatalf("GET /devices status = %d, want 200", code)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(resp.Devices))
	}
	if resp.Devices[1].Name != "USB Audio CODEC" || resp.Devices[1].Index != 1 {
		t.Errorf("device[1] = %+v, want USB Audio CODEC at index 1", resp.Devices[1])
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	t.Parallel()

	srv, m, sink := newTestServer(t)

	var st session.Status
	if code := postJSON(t, srv.URL+"/start", `{"device_index": 1}`, &st); code != http.StatusOK {
		t.Fatalf("POST /start status = %d, want 200", code)
	}
	if !st.Running || st.SessionID == "" {
		t.Fatalf("start response = %+v, want running with session id", st)
	}
	if st.DeviceIndex == nil || *st.DeviceIndex != 1 {
		t.Errorf("device index = %v, want 1", st.DeviceIndex)
	}

	// A second start while active is a conflict.
	var errResp errorResponse
	if code := postJSON(t, srv.URL+"/start", `{"device_index": 1}`, &errResp); code != http.StatusConflict {
		t.Fatalf("second POST /start status = %d, want 409", code)
	}
	if !strings.Contains(errResp.Error, "already active") {
		t.Errorf("conflict error = %q, want mention of active session", errResp.Error)
	}

	// Let the loop detect and scrobble before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for sink.Scrobbles() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sink.Scrobbles() == 0 {
		t.Fatal("no scrobble before deadline")
	}

	var stopped session.Status
	if code := postJSON(t, srv.URL+"/stop", "", &stopped); code != http.StatusOK {
		t.Fatalf("POST /stop status = %d, want 200", code)
	}
	if stopped.Running {
		t.Error("stop response still reports running")
	}
	if m.IsRunning() {
		t.Error("manager still running after /stop")
	}

	// Stopping again is a conflict.
	if code := postJSON(t, srv.URL+"/stop", "", nil); code != http.StatusConflict {
		t.Errorf("second POST /stop status = %d, want 409", code)
	}
}

func TestStartInvalidBody(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	var errResp errorResponse
	if code := postJSON(t, srv.URL+"/start", `{"device_index": "one"}`, &errResp); code != http.StatusBadRequest {
		t.Fatalf("POST /start status = %d, want 400", code)
	}
}

func TestStartEmptyBodyUsesDefaultDevice(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	var st session.Status
	if code := postJSON(t, srv.URL+"/start", "", &st); code != http.StatusOK {
		t.Fatalf("POST /start status = %d, want 200", code)
	}
	if st.DeviceIndex == nil || *st.DeviceIndex != -1 {
		t.Errorf("device index = %v, want -1 (backend default)", st.DeviceIndex)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	var st session.Status
	if code := getJSON(t, srv.URL+"/status", &st); code != http.StatusOK {
		t.Fatalf("GET /status status = %d, want 200", code)
	}
	if st.Running {
		t.Error("fresh manager reports running")
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing /ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// First frame is always the status snapshot.
	var first session.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if first.Type != session.EventStatus || first.Status == nil {
		t.Fatalf("first event = %+v, want status snapshot", first)
	}
	if first.Status.Running {
		t.Fatal("snapshot reports running before start")
	}

	if code := postJSON(t, srv.URL+"/start", `{"device_index": 0}`, nil); code != http.StatusOK {
		t.Fatalf("POST /start status = %d, want 200", code)
	}

	// The session emits a status update on start and a track update once
	// the consistency vote settles. Scan until the track arrives.
	for {
		var ev session.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("reading event: %v", err)
		}
		if ev.Type != session.EventTrack {
			continue
		}
		if ev.Track == nil || ev.Track.Title != "Vitamin C" {
			t.Fatalf("track event = %+v, want Vitamin C", ev.Track)
		}
		break
	}
}
