package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/needledrop/needledrop/internal/config"
	"github.com/needledrop/needledrop/internal/recognize"
	recognizemock "github.com/needledrop/needledrop/internal/recognize/mock"
	"github.com/needledrop/needledrop/internal/scrobble"
	scrobblemock "github.com/needledrop/needledrop/internal/scrobble/mock"
	"github.com/needledrop/needledrop/pkg/audio"
	audiomock "github.com/needledrop/needledrop/pkg/audio/mock"
)

// fastAudioCfg keeps clips tiny so tests run in milliseconds.
func fastAudioCfg() config.AudioConfig {
	return config.AudioConfig{
		SampleRate:    48000,
		Channels:      1,
		Encoding:      config.EncodingFloat32LE,
		ChunkFrames:   16,
		RecordSeconds: 0.001,
	}
}

// fastDetectCfg compresses every interval so the loop spins quickly.
func fastDetectCfg() config.DetectionConfig {
	return config.DetectionConfig{
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
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestManagerDetectsAndScrobbles(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Steely Dan", Title: "Peg", Confidence: 0.9}},
	}}
	sink := &scrobblemock.Sink{}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "scrobble", func() bool { return sink.Scrobbles() == 1 })

	got := sink.ScrobbleReports()[0]
	if got.Artist != "Steely Dan" || got.Title != "Peg" {
		t.Errorf("scrobbled %q / %q, want Steely Dan / Peg", got.Artist, got.Title)
	}

	st := m.Status()
	if st.CurrentTrack == nil || st.CurrentTrack.Title != "Peg" {
		t.Errorf("status current track = %+v, want Peg", st.CurrentTrack)
	}
	if st.Debug.DetectionCount == 0 {
		t.Error("detection count not incremented")
	}

	stopManager(t, m)

	// The same track detected over and over must scrobble exactly once.
	if got := sink.Scrobbles(); got != 1 {
		t.Errorf("scrobble count = %d, want 1", got)
	}
	if st := m.Status(); st.Running {
		t.Error("status still reports running after Stop")
	}
}

func TestManagerStandbyWakeDetect(t *testing.T) {
	t.Parallel()

	// Three quiet probes put the loop into standby; the stream then goes
	// loud, which wakes it and feeds the recognition clip.
	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.01, 16)},
		{Buffer: audiomock.LevelBuffer(0.01, 16)},
		{Buffer: audiomock.LevelBuffer(0.01, 16)},
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Can", Title: "Vitamin C", Confidence: 0.8}},
	}}
	sink := &scrobblemock.Sink{}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	events, cancel := m.Subscribe(32)
	defer cancel()

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	// Expected order: session start status, standby entered, standby left,
	// track detected.
	var sawStandby, sawWake bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventStatus:
				if ev.Status.Running && ev.Status.Standby {
					if sawWake {
						t.Fatal("re-entered standby after waking")
					}
					sawStandby = true
				}
				if ev.Status.Running && !ev.Status.Standby && sawStandby {
					sawWake = true
				}
			case EventTrack:
				if !sawStandby || !sawWake {
					t.Fatalf("track event before standby cycle completed (standby=%v wake=%v)",
						sawStandby, sawWake)
				}
				if ev.Track == nil || ev.Track.Title != "Vitamin C" {
					t.Fatalf("track event = %+v, want Vitamin C", ev.Track)
				}
				waitFor(t, "scrobble", func() bool { return sink.Scrobbles() == 1 })
				return
			}
		case <-deadline:
			t.Fatalf("timed out (standby=%v wake=%v)", sawStandby, sawWake)
		}
	}
}

func TestManagerStandbySkipsRecognition(t *testing.T) {
	t.Parallel()

	// The stream stays quiet forever, so the loop enters standby and keeps
	// probing the level without ever cutting a recognition clip.
	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.01, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Faust", Title: "Jennifer", Confidence: 0.9}},
	}}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "standby", func() bool { return m.Status().Standby })
	waitFor(t, "standby probes", func() bool { return stream.Reads() >= 10 })

	if got := rec.Calls(); got != 0 {
		t.Errorf("recognizer called %d times while in standby, want 0", got)
	}
}

func TestManagerSurvivesScatteredReadErrors(t *testing.T) {
	t.Parallel()

	// Each read error is followed by a clean quiet probe, so the failures
	// never form a consecutive streak and must not end the session no
	// matter how many accumulate over its lifetime.
	var script []audiomock.ReadResult
	for range maxConsecutiveErrors + 2 {
		script = append(script,
			audiomock.ReadResult{Err: errors.New("buffer overrun")},
			audiomock.ReadResult{Buffer: audiomock.LevelBuffer(0.01, 16)},
		)
	}
	stream := &audiomock.Stream{Script: script}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})
	m.backoff = time.Millisecond

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "script consumed", func() bool { return stream.Reads() >= len(script) })

	if !m.IsRunning() {
		t.Error("session shut down over scattered read errors")
	}
}

func TestManagerEnrichesDetectedTrack(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Can", Title: "Vitamin C", Confidence: 0.9}},
	}}
	enricher := &scrobblemock.Enricher{Info: scrobble.TrackInfo{
		Album:     "Ege Bamyasi",
		Year:      "1972",
		Duration:  211 * time.Second,
		Tags:      []string{"krautrock", "70s", "experimental"},
		Listeners: 250000,
		Playcount: 1000000,
	}}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       &scrobblemock.Sink{},
		Enricher:   enricher,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	events, cancel := m.Subscribe(32)
	defer cancel()

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "detection", func() bool { return m.Status().CurrentTrack != nil })

	track := m.Status().CurrentTrack
	if track.Album != "Ege Bamyasi" || track.Year != "1972" {
		t.Errorf("track metadata = album %q year %q, want Ege Bamyasi / 1972", track.Album, track.Year)
	}
	if track.Duration != 211 {
		t.Errorf("track duration = %d seconds, want 211", track.Duration)
	}
	if len(track.Tags) != 3 || track.Tags[0] != "krautrock" {
		t.Errorf("track tags = %v", track.Tags)
	}
	if track.Listeners != 250000 || track.Playcount != 1000000 {
		t.Errorf("popularity = %d/%d, want 250000/1000000", track.Listeners, track.Playcount)
	}

	// Listeners get the enriched track, not the bare recognition result.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventTrack {
				continue
			}
			if ev.Track == nil || ev.Track.Album != "Ege Bamyasi" {
				t.Fatalf("track event = %+v, want enriched Ege Bamyasi", ev.Track)
			}
			// The same track keeps being detected; the lookup must not
			// repeat per cycle.
			waitFor(t, "steady detection", func() bool {
				return m.Status().Debug.DetectionCount >= 3
			})
			if got := enricher.TrackInfos(); got != 1 {
				t.Errorf("enricher called %d times for one track, want 1", got)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for track event")
		}
	}
}

func TestManagerEnrichmentFailureKeepsTrack(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Neu!", Title: "Hallogallo", Confidence: 0.7}},
	}}
	enricher := &scrobblemock.Enricher{Err: errors.New("service unavailable")}
	sink := &scrobblemock.Sink{}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Enricher:   enricher,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "scrobble", func() bool { return sink.Scrobbles() == 1 })

	track := m.Status().CurrentTrack
	if track == nil || track.Title != "Hallogallo" {
		t.Fatalf("current track = %+v, want Hallogallo", track)
	}
	if track.Album != "" || len(track.Tags) != 0 {
		t.Errorf("failed lookup left metadata %q %v, want none", track.Album, track.Tags)
	}
}

func TestManagerSingleFlight(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.01, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stopManager(t, m)

	err := m.Start(context.Background(), 1)
	if err == nil {
		t.Fatal("second Start should fail while a session is active")
	}
	if !strings.Contains(err.Error(), "already active") {
		t.Errorf("error = %v, want mention of already active", err)
	}
}

func TestManagerStopWithoutStart(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{
		Input:      &audiomock.Input{},
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Stop(context.Background()); err == nil {
		t.Fatal("Stop without Start should fail")
	}
}

func TestManagerStartFailsWhenDeviceUnavailable(t *testing.T) {
	t.Parallel()

	input := &audiomock.Input{OpenError: errors.New("device busy")}
	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err == nil {
		t.Fatal("Start should surface device open errors")
	}
	if m.IsRunning() {
		t.Error("manager reports running after failed Start")
	}
}

func TestManagerReopensDroppedStream(t *testing.T) {
	t.Parallel()

	dead := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Err: audio.ErrStreamClosed},
	}}
	live := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{dead, live}}
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Neu!", Title: "Hallogallo", Confidence: 0.7}},
	}}
	sink := &scrobblemock.Sink{}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "scrobble after reopen", func() bool { return sink.Scrobbles() == 1 })

	if dead.CallCountClose == 0 {
		t.Error("dead stream was never closed")
	}
	if got := len(input.OpenCalls); got < 2 {
		t.Errorf("open calls = %d, want at least 2 (start + reopen)", got)
	}
}

func TestManagerShutsDownWhenStreamKeepsDying(t *testing.T) {
	t.Parallel()

	dead := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Err: audio.ErrStreamClosed},
	}}
	// Every reopen hands back the same dead stream.
	input := &audiomock.Input{Streams: []*audiomock.Stream{dead}}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "self shutdown", func() bool { return !m.IsRunning() })

	if st := m.Status(); st.Debug.LastError == "" {
		t.Error("fatal shutdown should leave the error in debug info")
	}
}

func TestManagerClearsTrackAfterMisses(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Script: []audiomock.ReadResult{
		{Buffer: audiomock.LevelBuffer(0.5, 16)},
	}}
	input := &audiomock.Input{Streams: []*audiomock.Stream{stream}}
	// One clean detection (three agreeing samples), then silence from the
	// recognizer: the track should be cleared after MissLimit empty cycles.
	rec := &recognizemock.Service{Script: []recognizemock.IdentifyResult{
		{Match: recognize.Match{Artist: "Harmonia", Title: "Dino", Confidence: 0.8}},
		{Match: recognize.Match{Artist: "Harmonia", Title: "Dino", Confidence: 0.8}},
		{Match: recognize.Match{Artist: "Harmonia", Title: "Dino", Confidence: 0.8}},
		{Err: recognize.ErrNoMatch},
	}}
	sink := &scrobblemock.Sink{}

	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: rec,
		Sink:       sink,
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, "detection", func() bool { return m.Status().CurrentTrack != nil })
	waitFor(t, "track cleared", func() bool { return m.Status().CurrentTrack == nil })

	if got := sink.Scrobbles(); got != 1 {
		t.Errorf("scrobble count = %d, want 1", got)
	}
}

func TestManagerUpdateDetection(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{
		Input:      &audiomock.Input{},
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	cfg := fastDetectCfg()
	cfg.SilenceThreshold = 0.09
	m.UpdateDetection(cfg)

	if got := m.currentDetectCfg().SilenceThreshold; got != 0.09 {
		t.Errorf("silence threshold = %.2f, want 0.09", got)
	}
}

func TestManagerDevices(t *testing.T) {
	t.Parallel()

	input := &audiomock.Input{DevicesResult: []audio.Device{
		{Index: 0, Name: "USB Audio CODEC"},
		{Index: 2, Name: "Loopback"},
	}}
	m := NewManager(ManagerConfig{
		Input:      input,
		Recognizer: &recognizemock.Service{},
		Sink:       &scrobblemock.Sink{},
		Audio:      fastAudioCfg(),
		Detection:  fastDetectCfg(),
	})

	devs, err := m.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 2 || devs[0].Name != "USB Audio CODEC" {
		t.Errorf("devices = %+v", devs)
	}
}
