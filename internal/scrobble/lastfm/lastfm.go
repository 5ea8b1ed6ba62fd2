// Package lastfm provides a Last.fm-backed [scrobble.Sink] and
// [scrobble.Enricher] using the Last.fm 2.0 web service API
// (track.updateNowPlaying / track.scrobble / track.getInfo with md5
// request signatures).
package lastfm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/needledrop/needledrop/internal/scrobble"
)

const (
	defaultEndpoint = "https://ws.audioscrobbler.com/2.0/"
	defaultTimeout  = 10 * time.Second
)

// Last.fm API error codes that map onto the scrobble error taxonomy.
const (
	codeAuthFailed        = 4
	codeInvalidSessionKey = 9
	codeInvalidAPIKey     = 10
	codeRateLimited       = 29
)

// Option is a functional option for configuring the Last.fm Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Useful for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.endpoint = u
	}
}

// WithSessionKey sets a previously obtained session key, skipping the
// [Client.Authenticate] step.
func WithSessionKey(sk string) Option {
	return func(c *Client) {
		c.sessionKey = sk
	}
}

// WithTimeout sets the per-request HTTP timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// Client implements [scrobble.Sink] against the Last.fm API.
// Safe for concurrent use after Authenticate has completed.
type Client struct {
	apiKey     string
	apiSecret  string
	sessionKey string
	endpoint   string
	client     *http.Client
}

// New creates a Last.fm Client. apiKey and apiSecret must be non-empty;
// a session key is obtained via [Client.Authenticate] unless supplied with
// [WithSessionKey].
func New(apiKey, apiSecret string, opts ...Option) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("lastfm: api key and secret must not be empty")
	}
	c := &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		endpoint:  defaultEndpoint,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Authenticate obtains a session key via auth.getMobileSession and stores
// it on the client. Must be called before the first report unless a
// session key was provided at construction.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	params := map[string]string{
		"method":   "auth.getMobileSession",
		"username": username,
		"password": password,
	}
	body, err := c.call(ctx, params)
	if err != nil {
		return fmt.Errorf("lastfm: authenticate: %w", err)
	}

	var parsed struct {
		Session struct {
			Key string `json:"key"`
		} `json:"session"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("lastfm: authenticate: decode: %w", err)
	}
	if parsed.Session.Key == "" {
		return fmt.Errorf("lastfm: authenticate: empty session key: %w", scrobble.ErrUnauthorized)
	}
	c.sessionKey = parsed.Session.Key
	return nil
}

// UpdateNowPlaying implements [scrobble.Sink].
func (c *Client) UpdateNowPlaying(ctx context.Context, artist, title string) error {
	if c.sessionKey == "" {
		return scrobble.ErrNotConfigured
	}
	_, err := c.call(ctx, map[string]string{
		"method": "track.updateNowPlaying",
		"artist": artist,
		"track":  title,
		"sk":     c.sessionKey,
	})
	if err != nil {
		return fmt.Errorf("lastfm: now playing: %w", err)
	}
	return nil
}

// yearPattern extracts a plausible release year from wiki prose, which is
// the only place the API exposes one.
var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// topTagCount caps how many community tags a lookup keeps.
const topTagCount = 3

// TrackInfo implements [scrobble.Enricher] via track.getInfo. The call is
// unauthenticated, so it works before [Client.Authenticate]. Fields the
// service does not know stay at their zero value.
func (c *Client) TrackInfo(ctx context.Context, artist, title string) (scrobble.TrackInfo, error) {
	body, err := c.call(ctx, map[string]string{
		"method": "track.getInfo",
		"artist": artist,
		"track":  title,
	})
	if err != nil {
		return scrobble.TrackInfo{}, fmt.Errorf("lastfm: track info: %w", err)
	}

	var parsed struct {
		Track struct {
			Duration  string `json:"duration"`
			Listeners string `json:"listeners"`
			Playcount string `json:"playcount"`
			Album     struct {
				Title string `json:"title"`
			} `json:"album"`
			TopTags struct {
				Tag []struct {
					Name string `json:"name"`
				} `json:"tag"`
			} `json:"toptags"`
			Wiki struct {
				Content string `json:"content"`
			} `json:"wiki"`
		} `json:"track"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return scrobble.TrackInfo{}, fmt.Errorf("lastfm: track info: decode: %w", err)
	}

	info := scrobble.TrackInfo{
		Album: parsed.Track.Album.Title,
		Year:  yearPattern.FindString(parsed.Track.Wiki.Content),
	}
	if ms, err := strconv.ParseInt(parsed.Track.Duration, 10, 64); err == nil && ms > 0 {
		info.Duration = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.ParseInt(parsed.Track.Listeners, 10, 64); err == nil {
		info.Listeners = n
	}
	if n, err := strconv.ParseInt(parsed.Track.Playcount, 10, 64); err == nil {
		info.Playcount = n
	}
	for _, tag := range parsed.Track.TopTags.Tag {
		if len(info.Tags) == topTagCount {
			break
		}
		info.Tags = append(info.Tags, tag.Name)
	}
	return info, nil
}

// Scrobble implements [scrobble.Sink].
func (c *Client) Scrobble(ctx context.Context, artist, title string, at time.Time) error {
	if c.sessionKey == "" {
		return scrobble.ErrNotConfigured
	}
	_, err := c.call(ctx, map[string]string{
		"method":    "track.scrobble",
		"artist":    artist,
		"track":     title,
		"timestamp": strconv.FormatInt(at.Unix(), 10),
		"sk":        c.sessionKey,
	})
	if err != nil {
		return fmt.Errorf("lastfm: scrobble: %w", err)
	}
	return nil
}

// call performs one signed POST request and returns the raw JSON body.
// API-level errors are mapped onto the scrobble sentinel errors where a
// mapping exists.
func (c *Client) call(ctx context.Context, params map[string]string) ([]byte, error) {
	params["api_key"] = c.apiKey

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("api_sig", Signature(params, c.apiSecret))
	form.Set("format", "json") // excluded from the signature by the API spec

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var apiErr struct {
		Error   int    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
		return nil, mapError(apiErr.Error, apiErr.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return body, nil
}

// mapError converts a Last.fm error code into the taxonomy error, keeping
// the service message for logs.
func mapError(code int, message string) error {
	switch code {
	case codeAuthFailed, codeInvalidSessionKey, codeInvalidAPIKey:
		return fmt.Errorf("api error %d: %s: %w", code, message, scrobble.ErrUnauthorized)
	case codeRateLimited:
		return fmt.Errorf("api error %d: %s: %w", code, message, scrobble.ErrRateLimited)
	default:
		return fmt.Errorf("api error %d: %s", code, message)
	}
}

// Signature computes the Last.fm request signature: the md5 hex digest of
// all parameters concatenated as name+value in lexical name order,
// followed by the shared secret. The "format" parameter never participates.
func Signature(params map[string]string, secret string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		if k == "format" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
