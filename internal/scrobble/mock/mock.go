// Package mock provides in-memory mock implementations of the
// [scrobble.Sink] and [scrobble.Enricher] interfaces for use in unit tests.
//
// The mocks are safe for concurrent use. They record every call so tests
// can assert on call counts and arguments, and expose error fields to
// inject failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/needledrop/needledrop/internal/scrobble"
)

// Report records the arguments of one UpdateNowPlaying or Scrobble call.
type Report struct {
	Artist string
	Title  string
	At     time.Time
}

// Sink is a mock implementation of [scrobble.Sink].
type Sink struct {
	mu sync.Mutex

	// NowPlayingError is returned by every UpdateNowPlaying call.
	NowPlayingError error

	// ScrobbleError is returned by every Scrobble call.
	ScrobbleError error

	// NowPlayingCalls records every UpdateNowPlaying call, in order.
	NowPlayingCalls []Report

	// ScrobbleCalls records every Scrobble call, in order.
	ScrobbleCalls []Report
}

// UpdateNowPlaying implements [scrobble.Sink].
func (s *Sink) UpdateNowPlaying(_ context.Context, artist, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NowPlayingCalls = append(s.NowPlayingCalls, Report{Artist: artist, Title: title})
	return s.NowPlayingError
}

// Scrobble implements [scrobble.Sink].
func (s *Sink) Scrobble(_ context.Context, artist, title string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScrobbleCalls = append(s.ScrobbleCalls, Report{Artist: artist, Title: title, At: at})
	return s.ScrobbleError
}

// Scrobbles returns the number of Scrobble calls made so far.
func (s *Sink) Scrobbles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ScrobbleCalls)
}

// NowPlayings returns the number of UpdateNowPlaying calls made so far.
func (s *Sink) NowPlayings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.NowPlayingCalls)
}

// ScrobbleReports returns a copy of the recorded Scrobble calls, safe to
// inspect while other goroutines keep scrobbling.
func (s *Sink) ScrobbleReports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.ScrobbleCalls))
	copy(out, s.ScrobbleCalls)
	return out
}

// Enricher is a mock implementation of [scrobble.Enricher].
type Enricher struct {
	mu sync.Mutex

	// Info is returned by every TrackInfo call.
	Info scrobble.TrackInfo

	// Err is returned by every TrackInfo call.
	Err error

	// TrackInfoCalls records the artist/title of every call, in order.
	TrackInfoCalls []Report
}

// TrackInfo implements [scrobble.Enricher].
func (e *Enricher) TrackInfo(_ context.Context, artist, title string) (scrobble.TrackInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TrackInfoCalls = append(e.TrackInfoCalls, Report{Artist: artist, Title: title})
	return e.Info, e.Err
}

// TrackInfos returns the number of TrackInfo calls made so far.
func (e *Enricher) TrackInfos() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.TrackInfoCalls)
}
