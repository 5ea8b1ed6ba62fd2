// Package audd provides an AudD-backed recognition service using the AudD
// music recognition HTTP API. It implements the recognize.Service interface.
package audd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/pkg/audio"
)

const (
	defaultEndpoint = "https://api.audd.io/"
	defaultTimeout  = 15 * time.Second
)

// Option is a functional option for configuring the AudD Provider.
type Option func(*Provider)

// WithBaseURL overrides the AudD API endpoint. Useful for tests and
// self-hosted proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithTimeout sets the per-request HTTP timeout. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.client.Timeout = d
	}
}

// Provider implements recognize.Service backed by the AudD API.
type Provider struct {
	apiToken string
	endpoint string
	client   *http.Client
}

// New creates a new AudD Provider. apiToken must be non-empty.
func New(apiToken string, opts ...Option) (*Provider, error) {
	if apiToken == "" {
		return nil, errors.New("audd: apiToken must not be empty")
	}
	p := &Provider{
		apiToken: apiToken,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// auddResponse is the JSON structure returned by the AudD recognition
// endpoint. Result is null when nothing was recognised.
type auddResponse struct {
	Status string `json:"status"`
	Error  *struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
	Result *struct {
		Artist string  `json:"artist"`
		Title  string  `json:"title"`
		Score  float64 `json:"score"`
	} `json:"result"`
}

// Identify implements [recognize.Service]. The clip is converted to a
// 16-bit WAV and uploaded as a multipart form.
func (p *Provider) Identify(ctx context.Context, clip audio.Buffer) (recognize.Match, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	if err := mw.WriteField("api_token", p.apiToken); err != nil {
		return recognize.Match{}, fmt.Errorf("audd: build request: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		return recognize.Match{}, fmt.Errorf("audd: build request: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(clip)); err != nil {
		return recognize.Match{}, fmt.Errorf("audd: build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return recognize.Match{}, fmt.Errorf("audd: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return recognize.Match{}, fmt.Errorf("audd: new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return recognize.Match{}, fmt.Errorf("audd: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return recognize.Match{}, fmt.Errorf("audd: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return recognize.Match{}, fmt.Errorf("audd: read response: %w", err)
	}

	var parsed auddResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return recognize.Match{}, fmt.Errorf("audd: decode response: %w", err)
	}
	if parsed.Status != "success" {
		if parsed.Error != nil {
			return recognize.Match{}, fmt.Errorf("audd: api error %d: %s", parsed.Error.ErrorCode, parsed.Error.ErrorMessage)
		}
		return recognize.Match{}, fmt.Errorf("audd: api status %q", parsed.Status)
	}
	if parsed.Result == nil {
		return recognize.Match{}, recognize.ErrNoMatch
	}

	// AudD scores are 0–100; normalise to [0, 1]. A missing score stays 0,
	// which downstream code treats as "no opinion".
	confidence := parsed.Result.Score / 100
	if confidence < 0 || confidence > 1 {
		confidence = 0
	}

	m := recognize.Match{
		Artist:     parsed.Result.Artist,
		Title:      parsed.Result.Title,
		Confidence: confidence,
	}
	if !m.Valid() {
		return recognize.Match{}, recognize.ErrNoMatch
	}
	return m, nil
}
