// Package recognize defines the interface to external audio fingerprint
// recognition services and the [Match] result type.
//
// The recognition algorithm itself is a black box behind [Service];
// implementations wrap provider-specific APIs (e.g. recognize/audd). The
// detection engine only cares about three outcomes per clip: a usable
// match, a clean "nothing recognised" ([ErrNoMatch]), or a transport
// failure (any other error) — the latter two are treated identically by
// the consistency vote.
package recognize

import (
	"context"
	"errors"
	"strings"

	"github.com/needledrop/needledrop/pkg/audio"
)

// ErrNoMatch is returned by [Service.Identify] when the service responded
// but did not recognise the clip. Distinct from transport errors so logs
// can separate "quiet groove" from "API down".
var ErrNoMatch = errors.New("recognize: no match")

// Match is one recognition result for a single audio clip.
type Match struct {
	// Artist is the performing artist as reported by the service.
	Artist string

	// Title is the track title as reported by the service.
	Title string

	// Confidence is the service's own score in [0, 1]. Some services
	// report 0 even for correct matches, so callers must not filter on it
	// by default.
	Confidence float64
}

// Valid reports whether the match carries a usable artist/title pair.
// Empty fields and the textual sentinels some services emit for unknown
// tracks ("None", "unknown") are rejected.
func (m Match) Valid() bool {
	return !isSentinel(m.Artist) && !isSentinel(m.Title)
}

// isSentinel reports whether s is empty or a known "no value" placeholder.
func isSentinel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null", "unknown":
		return true
	}
	return false
}

// Service identifies tracks from PCM clips. Implementations must be safe
// for concurrent use and must respect ctx cancellation — a hung
// recognition call would otherwise stall the whole detection loop.
type Service interface {
	// Identify submits one clip and returns the service's best guess.
	// Returns [ErrNoMatch] when the service found nothing, or another
	// error for transport/API failures.
	Identify(ctx context.Context, clip audio.Buffer) (Match, error)
}
