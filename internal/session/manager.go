package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/needledrop/needledrop/internal/config"
	"github.com/needledrop/needledrop/internal/detect"
	"github.com/needledrop/needledrop/internal/observe"
	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/internal/scrobble"
	"github.com/needledrop/needledrop/pkg/audio"
)

// maxConsecutiveErrors is the number of back-to-back hard cycle failures
// tolerated before the session shuts itself down.
const maxConsecutiveErrors = 5

// errorBackoff is the pause after a failed cycle before trying again.
const errorBackoff = 5 * time.Second

// enrichTimeout bounds the metadata lookup for a freshly detected track.
const enrichTimeout = 10 * time.Second

// Manager runs the detection loop. Only one session can be active at a
// time (enforced by mutex). All exported methods are safe for concurrent
// use.
type Manager struct {
	input      audio.Input
	recognizer recognize.Service
	dedup      *scrobble.Deduplicator
	enricher   scrobble.Enricher
	metrics    *observe.Metrics
	audioCfg   config.AudioConfig

	// backoff is the pause after a failed cycle. Tests shrink it.
	backoff time.Duration

	events *broadcaster

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	status    Status
	detectCfg config.DetectionConfig
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Input captures audio from the turntable.
	Input audio.Input

	// Recognizer identifies clips.
	Recognizer recognize.Service

	// Sink receives accepted tracks. The manager wraps it in a
	// [scrobble.Deduplicator] so repeats within a track are suppressed.
	Sink scrobble.Sink

	// Enricher looks up album, year, tags, and popularity for each newly
	// detected track. Nil disables enrichment.
	Enricher scrobble.Enricher

	// Metrics receives instrumentation. Nil disables it.
	Metrics *observe.Metrics

	// Audio is the capture format and clip sizing.
	Audio config.AudioConfig

	// Detection is the detection tuning.
	Detection config.DetectionConfig
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		input:      cfg.Input,
		recognizer: cfg.Recognizer,
		dedup:      scrobble.NewDeduplicator(cfg.Sink),
		enricher:   cfg.Enricher,
		metrics:    cfg.Metrics,
		audioCfg:   cfg.Audio,
		detectCfg:  cfg.Detection,
		backoff:    errorBackoff,
		events:     newBroadcaster(cfg.Metrics),
	}
}

// Devices lists the capture devices available to this session's input.
func (m *Manager) Devices() ([]audio.Device, error) {
	return m.input.Devices()
}

// Status returns a snapshot of the current session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers an event listener with the given queue depth (0 means
// the default). The cancel function removes the listener and closes its
// channel.
func (m *Manager) Subscribe(queue int) (<-chan Event, func()) {
	return m.events.subscribe(queue)
}

// UpdateDetection replaces the detection tuning. The running loop picks the
// new values up at the start of its next cycle.
func (m *Manager) UpdateDetection(cfg config.DetectionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectCfg = cfg
	slog.Info("detection tuning updated",
		"silence_threshold", cfg.SilenceThreshold,
		"activity_threshold", cfg.ActivityThreshold,
		"consistency", fmt.Sprintf("%d/%d", cfg.ConsistencyThreshold, cfg.ConsistencyChecks),
	)
}

// Start begins a new detection session on the given capture device. The
// stream is opened synchronously so device errors surface to the caller;
// the detection loop itself runs in a background goroutine until [Stop] is
// called or a fatal error occurs.
//
// Returns an error if a session is already active.
func (m *Manager) Start(ctx context.Context, deviceIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("session: a session is already active (id=%s)", m.status.SessionID)
	}

	stream, err := m.input.Open(ctx, deviceIndex)
	if err != nil {
		return fmt.Errorf("session: open device %d: %w", deviceIndex, err)
	}

	// The loop outlives the Start call, so it gets its own context.
	loopCtx, cancel := context.WithCancel(context.Background())

	idx := deviceIndex
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = Status{
		Running:     true,
		SessionID:   newSessionID(),
		StartedAt:   time.Now().UTC(),
		DeviceIndex: &idx,
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(loopCtx, 1)
	}

	slog.Info("session started",
		"session_id", m.status.SessionID,
		"device", deviceIndex,
	)

	go m.run(loopCtx, stream, deviceIndex, m.done)

	m.publishStatusLocked()
	return nil
}

// Stop gracefully ends the active session. It cancels the detection loop
// and waits for it to finish (or ctx to expire).
//
// Returns an error if no session is active.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("session: no active session to stop")
	}
	sessionID := m.status.SessionID
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("session: waiting for loop shutdown: %w", ctx.Err())
	}

	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsRunning reports whether a session is currently active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// run is the detection loop. It owns the stream and closes it on exit.
func (m *Manager) run(ctx context.Context, stream audio.Stream, deviceIndex int, done chan struct{}) {
	defer close(done)
	defer m.finish(ctx)
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("closing audio stream", "err", err)
		}
	}()

	reopener := NewReopener(ReopenerConfig{Input: m.input, DeviceIndex: deviceIndex})

	detectCfg := m.currentDetectCfg()
	monitor := detect.NewMonitor(monitorConfig(detectCfg))
	checker := detect.NewChecker(m.recognizer, checkerConfig(detectCfg))
	fallback := detect.NewFallback(checker, fallbackConfig(detectCfg))

	clipFrames := int(m.audioCfg.RecordSeconds * float64(m.audioCfg.SampleRate))
	missStreak := 0
	errStreak := 0
	readErrStreak := 0
	reopenStreak := 0

	for {
		if ctx.Err() != nil {
			return
		}

		// Pick up hot-reloaded tuning at cycle boundaries.
		if cfg := m.currentDetectCfg(); cfg != detectCfg {
			detectCfg = cfg
			monitor = detect.NewMonitor(monitorConfig(detectCfg))
			checker = detect.NewChecker(m.recognizer, checkerConfig(detectCfg))
			fallback = detect.NewFallback(checker, fallbackConfig(detectCfg))
		}

		buf, err := stream.Read(m.audioCfg.ChunkFrames)
		if err != nil {
			if errors.Is(err, audio.ErrStreamClosed) {
				reopenStreak++
				if reopenStreak > maxConsecutiveErrors {
					slog.Error("session: stream keeps dying after reopen, shutting down")
					m.noteError(err)
					return
				}
				stream, err = m.recoverStream(ctx, stream, reopener)
				if err != nil {
					slog.Error("session: stream lost and reopen failed", "err", err)
					m.noteError(err)
					return
				}
				monitor.Reset()
				continue
			}
			m.noteError(err)
			readErrStreak++
			if readErrStreak >= maxConsecutiveErrors {
				slog.Error("session: too many consecutive read errors, shutting down", "err", err)
				return
			}
			if !sleepCtx(ctx, m.backoff) {
				return
			}
			continue
		}

		// A clean read ends any read-error streak; only back-to-back
		// failures count toward the shutdown limit.
		reopenStreak = 0
		readErrStreak = 0
		state, level := monitor.Observe(buf)
		m.noteLevel(ctx, level, state)

		if state == detect.StateStandby {
			// Quiet turntable: skip recognition entirely, keep probing
			// the level.
			if !sleepCtx(ctx, detectCfg.CheckInterval) {
				return
			}
			continue
		}

		sampler := m.clipSampler(stream, clipFrames)

		// One vote per cycle normally; after MissLimit consecutive empty
		// cycles, hunt harder with a bounded aggressive burst.
		aggressive := missStreak >= detectCfg.MissLimit
		var match recognize.Match
		if aggressive {
			match, err = fallback.Run(ctx, sampler)
		} else {
			match, err = checker.Check(ctx, sampler)
		}

		switch {
		case err == nil:
			errStreak = 0
			missStreak = 0
			m.acceptMatch(ctx, match)

		case errors.Is(err, recognize.ErrNoMatch):
			errStreak = 0
			missStreak++
			if missStreak == detectCfg.MissLimit && m.currentTrack() != nil {
				m.clearTrack()
			}
			if aggressive {
				// The burst came up empty; back to the normal cadence
				// until the streak builds up again.
				missStreak = 0
			}

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return

		case errors.Is(err, audio.ErrStreamClosed):
			reopenStreak++
			if reopenStreak > maxConsecutiveErrors {
				slog.Error("session: stream keeps dying after reopen, shutting down")
				m.noteError(err)
				return
			}
			stream, err = m.recoverStream(ctx, stream, reopener)
			if err != nil {
				slog.Error("session: stream lost and reopen failed", "err", err)
				m.noteError(err)
				return
			}
			monitor.Reset()
			continue

		default:
			m.noteError(err)
			errStreak++
			if errStreak >= maxConsecutiveErrors {
				slog.Error("session: too many consecutive detection errors, shutting down", "err", err)
				return
			}
			if !sleepCtx(ctx, m.backoff) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, detectCfg.CheckInterval) {
			return
		}
	}
}

// recoverStream closes the dead stream and asks the reopener for a fresh one.
func (m *Manager) recoverStream(ctx context.Context, dead audio.Stream, r *Reopener) (audio.Stream, error) {
	_ = dead.Close()
	return r.Reopen(ctx)
}

// clipSampler returns a [detect.Sampler] that records a recognition clip of
// the configured length from the stream.
func (m *Manager) clipSampler(stream audio.Stream, clipFrames int) detect.Sampler {
	return func(ctx context.Context) (audio.Buffer, error) {
		if err := ctx.Err(); err != nil {
			return audio.Buffer{}, err
		}

		var clip audio.Buffer
		remaining := clipFrames
		for remaining > 0 {
			n := min(remaining, m.audioCfg.ChunkFrames)
			buf, err := stream.Read(n)
			if err != nil {
				return audio.Buffer{}, err
			}
			if clip.Data == nil {
				clip.Format = buf.Format
			}
			clip.Data = append(clip.Data, buf.Data...)
			remaining -= n
		}
		return clip, nil
	}
}

// acceptMatch records an accepted vote: scrobble (deduplicated), metadata
// enrichment, status update, and a track event for listeners.
func (m *Manager) acceptMatch(ctx context.Context, match recognize.Match) {
	now := time.Now().UTC()

	if m.metrics != nil {
		m.metrics.TracksDetected.Add(ctx, 1)
	}

	if err := m.dedup.Apply(ctx, &match, now); err != nil {
		m.noteError(err)
	}

	// A repeated detection of the same track keeps the enriched copy from
	// its first appearance and only refreshes the debug counters.
	cur := m.currentTrack()
	if cur != nil && cur.Artist == match.Artist && cur.Title == match.Title {
		m.mu.Lock()
		m.status.Debug.LastDetectionAt = now
		m.status.Debug.DetectionCount++
		m.status.Debug.LastError = ""
		m.mu.Unlock()
		return
	}

	track := &Track{
		Artist:     match.Artist,
		Title:      match.Title,
		Confidence: match.Confidence,
		DetectedAt: now,
	}
	m.enrich(ctx, track)

	m.mu.Lock()
	m.status.CurrentTrack = track
	m.status.Debug.LastDetectionAt = now
	m.status.Debug.DetectionCount++
	m.status.Debug.LastError = ""
	m.mu.Unlock()

	slog.Info("now playing",
		"artist", track.Artist,
		"title", track.Title,
		"confidence", track.Confidence,
		"album", track.Album,
	)
	m.events.publish(Event{Type: EventTrack, Track: track})
}

// enrich fills in supplementary metadata for a freshly detected track.
// Best effort: a failed lookup leaves the recognition fields intact.
func (m *Manager) enrich(ctx context.Context, track *Track) {
	if m.enricher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	info, err := m.enricher.TrackInfo(ctx, track.Artist, track.Title)
	if err != nil {
		slog.Warn("track metadata lookup failed",
			"artist", track.Artist,
			"title", track.Title,
			"err", err,
		)
		return
	}
	track.Album = info.Album
	track.Year = info.Year
	if info.Duration > 0 {
		track.Duration = int(info.Duration / time.Second)
	}
	track.Tags = info.Tags
	track.Listeners = info.Listeners
	track.Playcount = info.Playcount
}

// clearTrack forgets the current track after too many empty cycles.
func (m *Manager) clearTrack() {
	m.mu.Lock()
	had := m.status.CurrentTrack
	m.status.CurrentTrack = nil
	m.mu.Unlock()

	// Forgetting the dedup anchor lets a replayed side scrobble again.
	m.dedup.Reset()

	if had != nil {
		slog.Info("track ended", "artist", had.Artist, "title", had.Title)
		m.events.publish(Event{Type: EventTrack, Track: nil})
	}
}

// noteLevel records a level probe and publishes a status event. Every cycle
// produces one, so WebSocket listeners double as a live level meter; the
// bounded listener queues absorb the volume.
func (m *Manager) noteLevel(ctx context.Context, level float64, state detect.State) {
	if m.metrics != nil {
		m.metrics.AudioLevel.Record(ctx, level)
	}

	m.mu.Lock()
	m.status.Debug.AudioLevel = level
	standby := state == detect.StateStandby
	transitioned := m.status.Standby != standby
	m.status.Standby = standby
	snapshot := m.status
	m.mu.Unlock()

	if transitioned {
		slog.Info("standby transition", "standby", standby, "level", level)
	}
	m.events.publish(Event{Type: EventStatus, Status: &snapshot})
}

// noteError records a non-fatal error in the debug info.
func (m *Manager) noteError(err error) {
	slog.Warn("detection cycle error", "err", err)
	m.mu.Lock()
	m.status.Debug.LastError = err.Error()
	m.mu.Unlock()
}

// publishStatusLocked pushes the current status to listeners. Callers must
// hold m.mu.
func (m *Manager) publishStatusLocked() {
	snapshot := m.status
	m.events.publish(Event{Type: EventStatus, Status: &snapshot})
}

// currentTrack returns the track currently believed to be playing.
func (m *Manager) currentTrack() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.CurrentTrack
}

// currentDetectCfg returns the detection tuning under the lock.
func (m *Manager) currentDetectCfg() config.DetectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectCfg
}

// finish clears the session state once the loop exits, for any reason.
func (m *Manager) finish(ctx context.Context) {
	m.mu.Lock()
	lastError := m.status.Debug.LastError
	m.running = false
	m.cancel = nil
	m.status = Status{Debug: DebugInfo{LastError: lastError}}
	snapshot := m.status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	m.events.publish(Event{Type: EventStatus, Status: &snapshot})
}

// monitorConfig maps the detection tuning onto the level monitor.
func monitorConfig(d config.DetectionConfig) detect.MonitorConfig {
	metric := audio.MetricRMS
	if d.LevelMetric == config.MetricPeak {
		metric = audio.MetricPeak
	}
	return detect.MonitorConfig{
		Metric:            metric,
		SilenceThreshold:  d.SilenceThreshold,
		ActivityThreshold: d.ActivityThreshold,
		ActivityWindow:    d.ActivityWindow,
		StandbyWindow:     d.StandbyWindow,
	}
}

// checkerConfig maps the detection tuning onto the consistency checker.
func checkerConfig(d config.DetectionConfig) detect.CheckerConfig {
	return detect.CheckerConfig{
		Checks:              d.ConsistencyChecks,
		Threshold:           d.ConsistencyThreshold,
		ConfidenceThreshold: d.ConfidenceThreshold,
		Delay:               d.CheckDelay,
		FuzzyThreshold:      d.FuzzyMatchThreshold,
	}
}

// fallbackConfig maps the detection tuning onto the aggressive fallback.
func fallbackConfig(d config.DetectionConfig) detect.FallbackConfig {
	return detect.FallbackConfig{
		Rounds:   d.AggressiveRounds,
		Interval: d.AggressiveInterval,
	}
}

// sleepCtx pauses for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
