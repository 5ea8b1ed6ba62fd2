// Package session runs the detection loop that turns a spinning record into
// scrobbles.
//
// The central type is [Manager]: it owns the audio stream, the standby gate,
// the consistency vote, and the scrobble deduplicator, and exposes the
// current [Status] plus an event feed for API listeners. Only one session
// can be active at a time.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Track is a detected track as reported to listeners and the API. The
// fields below DetectedAt carry metadata looked up through the configured
// [scrobble.Enricher]; they stay zero when no enricher is wired or the
// lookup failed.
type Track struct {
	Artist     string    `json:"artist"`
	Title      string    `json:"title"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`

	Album string `json:"album,omitempty"`
	Year  string `json:"year,omitempty"`

	// Duration is the canonical track length in seconds.
	Duration int `json:"duration,omitempty"`

	Tags      []string `json:"tags,omitempty"`
	Listeners int64    `json:"listeners,omitempty"`
	Playcount int64    `json:"playcount,omitempty"`
}

// DebugInfo exposes the detection loop's internals for the status endpoint.
type DebugInfo struct {
	// AudioLevel is the most recent normalized level probe.
	AudioLevel float64 `json:"audio_level"`

	// LastDetectionAt is when a track was last accepted. Zero if none yet.
	LastDetectionAt time.Time `json:"last_detection_at,omitzero"`

	// DetectionCount is the number of accepted detections this session.
	DetectionCount int `json:"detection_count"`

	// LastError is the most recent non-fatal error, empty if none.
	LastError string `json:"last_error,omitempty"`
}

// Status is a snapshot of the session state.
type Status struct {
	Running bool `json:"running"`

	// SessionID identifies the current session. Empty when not running.
	SessionID string `json:"session_id,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`

	// DeviceIndex is the capture device in use. Nil when not running.
	DeviceIndex *int `json:"device_index,omitempty"`

	// Standby reports whether the loop is in the low-power standby state
	// (quiet input, recognition paused).
	Standby bool `json:"standby"`

	// CurrentTrack is the track currently believed to be playing, nil
	// between tracks.
	CurrentTrack *Track `json:"current_track,omitempty"`

	Debug DebugInfo `json:"debug"`
}

// EventType discriminates the events pushed to listeners.
type EventType string

const (
	// EventTrack signals that the current track changed (or was cleared).
	EventTrack EventType = "track_update"

	// EventStatus signals that the session state changed (started, stopped,
	// or standby transition).
	EventStatus EventType = "status_update"
)

// Event is a single notification pushed to subscribed listeners.
type Event struct {
	Type EventType `json:"type"`

	// Track is set for [EventTrack]. Nil means the current track was
	// cleared (the record side ended or the needle lifted).
	Track *Track `json:"track,omitempty"`

	// Status is set for [EventStatus].
	Status *Status `json:"status,omitempty"`
}

// newSessionID returns a fresh identifier for a detection session.
func newSessionID() string {
	return "session-" + uuid.NewString()
}
