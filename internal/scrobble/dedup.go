package scrobble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/needledrop/needledrop/internal/recognize"
)

// TrackKey is the identity of a track for deduplication purposes: the
// (artist, title) pair. Confidence and timestamps are informational and do
// not participate in identity.
type TrackKey struct {
	Artist string
	Title  string
}

// Deduplicator decides whether a freshly identified track gets reported to
// the sink, suppressing repeat reports while the same record keeps
// playing.
//
// Policy: scrobble-on-change. The moment the identified pair differs from
// the last reported pair, a now-playing update and a scrobble for the new
// pair are issued together. (The alternative dwell-time policy — scrobble
// the previous track once it has played long enough — is not implemented.)
//
// Deduplicator is not safe for concurrent use; the session run loop owns
// it.
type Deduplicator struct {
	sink Sink

	last    TrackKey
	hasLast bool
}

// NewDeduplicator creates a [Deduplicator] reporting through sink.
func NewDeduplicator(sink Sink) *Deduplicator {
	return &Deduplicator{sink: sink}
}

// Last returns the most recently reported pair and whether one exists.
func (d *Deduplicator) Last() (TrackKey, bool) {
	return d.last, d.hasLast
}

// Reset forgets the last reported pair. Called when a track ends, so that
// replaying the same side scrobbles it again.
func (d *Deduplicator) Reset() {
	d.last = TrackKey{}
	d.hasLast = false
}

// Apply processes one identification outcome. A nil match (nothing
// identified this cycle) and a repeat of the last reported pair are both
// no-ops. A genuinely new pair is reported as now-playing and scrobbled
// with the given timestamp.
//
// Sink failures are logged and returned, but leave the dedup anchor
// untouched: the previous pair is retained so the report is retried on the
// next genuinely new detection rather than silently lost.
func (d *Deduplicator) Apply(ctx context.Context, m *recognize.Match, at time.Time) error {
	if m == nil || !m.Valid() {
		return nil
	}

	key := TrackKey{Artist: m.Artist, Title: m.Title}
	if d.hasLast && key == d.last {
		slog.Debug("still playing, not re-scrobbling", "artist", key.Artist, "title", key.Title)
		return nil
	}

	if err := d.sink.UpdateNowPlaying(ctx, key.Artist, key.Title); err != nil {
		slog.Warn("now-playing update failed", "artist", key.Artist, "title", key.Title, "err", err)
		return fmt.Errorf("now playing: %w", err)
	}
	if err := d.sink.Scrobble(ctx, key.Artist, key.Title, at); err != nil {
		slog.Warn("scrobble failed", "artist", key.Artist, "title", key.Title, "err", err)
		return fmt.Errorf("scrobble: %w", err)
	}

	d.last = key
	d.hasLast = true
	slog.Info("scrobbled", "artist", key.Artist, "title", key.Title)
	return nil
}
