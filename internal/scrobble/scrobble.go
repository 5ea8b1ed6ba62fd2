// Package scrobble defines the reporting side of needledrop: the [Sink]
// interface over scrobbling services and the [Deduplicator] that decides
// when a freshly identified track actually gets reported.
package scrobble

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors a [Sink] implementation may return. Callers dispatch on
// these with errors.Is; anything else is a transport failure.
var (
	// ErrNotConfigured means the sink has no credentials and cannot report.
	ErrNotConfigured = errors.New("scrobble: not configured")

	// ErrUnauthorized means the service rejected the sink's credentials.
	ErrUnauthorized = errors.New("scrobble: unauthorized")

	// ErrRateLimited means the service is throttling this client.
	ErrRateLimited = errors.New("scrobble: rate limited")
)

// Sink submits track reports to a scrobbling service. Implementations must
// be safe for concurrent use and must respect ctx cancellation.
type Sink interface {
	// UpdateNowPlaying sends the transient "currently playing" status.
	UpdateNowPlaying(ctx context.Context, artist, title string) error

	// Scrobble submits a timestamped "this track was played" report.
	Scrobble(ctx context.Context, artist, title string, at time.Time) error
}

// TrackInfo is supplementary metadata a scrobbling service knows about a
// track beyond what audio recognition returns. All fields are best effort;
// the zero value means the service had nothing.
type TrackInfo struct {
	// Album is the title of the release the track appears on.
	Album string

	// Year is the four-digit release year, empty when unknown.
	Year string

	// Duration is the canonical track length.
	Duration time.Duration

	// Tags holds up to three community tags, most popular first.
	Tags []string

	// Listeners is the number of unique listeners the service has seen.
	Listeners int64

	// Playcount is the total play count across the service.
	Playcount int64
}

// Enricher looks up supplementary metadata for a detected track. Sinks that
// can answer metadata queries (Last.fm via track.getInfo) implement it in
// addition to [Sink]; callers treat lookup failures as non-fatal.
type Enricher interface {
	TrackInfo(ctx context.Context, artist, title string) (TrackInfo, error)
}
