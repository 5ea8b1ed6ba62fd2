package detect_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/needledrop/needledrop/internal/detect"
	"github.com/needledrop/needledrop/internal/recognize"
	recmock "github.com/needledrop/needledrop/internal/recognize/mock"
	"github.com/needledrop/needledrop/pkg/audio"
	audiomock "github.com/needledrop/needledrop/pkg/audio/mock"
)

// stubSampler returns a fixed buffer for every capture.
func stubSampler() detect.Sampler {
	buf := audiomock.LevelBuffer(0.3, 64)
	return func(context.Context) (audio.Buffer, error) {
		return buf, nil
	}
}

func fastConfig() detect.CheckerConfig {
	return detect.CheckerConfig{Checks: 3, Threshold: 2, Delay: time.Millisecond}
}

func TestCheckerMajorityWins(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.8}},
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.6}},
		{Match: recognize.Match{Artist: "B", Title: "U", Confidence: 0.9}},
	}}
	c := detect.NewChecker(svc, fastConfig())

	got, err := c.Check(context.Background(), stubSampler())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if got.Artist != "A" || got.Title != "T" {
		t.Errorf("Check() = %q/%q, want A/T", got.Artist, got.Title)
	}
	if math.Abs(got.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want mean 0.7 over the two agreeing samples", got.Confidence)
	}
	if svc.Calls() != 3 {
		t.Errorf("Identify calls = %d, want exactly 3", svc.Calls())
	}
}

func TestCheckerAllDistinctReturnsNoMatch(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "A", Title: "T"}},
		{Match: recognize.Match{Artist: "B", Title: "U"}},
		{Match: recognize.Match{Artist: "C", Title: "V"}},
	}}
	c := detect.NewChecker(svc, fastConfig())

	_, err := c.Check(context.Background(), stubSampler())
	if !errors.Is(err, recognize.ErrNoMatch) {
		t.Fatalf("Check() error = %v, want ErrNoMatch", err)
	}
}

func TestCheckerTieBreaksFirstEncountered(t *testing.T) {
	t.Parallel()

	// Two pairs at 2 votes each over K=4: the pair seen first wins.
	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "B", Title: "U"}},
		{Match: recognize.Match{Artist: "A", Title: "T"}},
		{Match: recognize.Match{Artist: "A", Title: "T"}},
		{Match: recognize.Match{Artist: "B", Title: "U"}},
	}}
	c := detect.NewChecker(svc, detect.CheckerConfig{Checks: 4, Threshold: 2, Delay: time.Millisecond})

	got, err := c.Check(context.Background(), stubSampler())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if got.Artist != "B" || got.Title != "U" {
		t.Errorf("tie-break = %q/%q, want first-encountered B/U", got.Artist, got.Title)
	}
}

func TestCheckerIgnoresErrorsAndSentinels(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Err: recognize.ErrNoMatch},
		{Err: errors.New("api down")},
		{Match: recognize.Match{Artist: "None", Title: "None"}},
	}}
	c := detect.NewChecker(svc, fastConfig())

	_, err := c.Check(context.Background(), stubSampler())
	if !errors.Is(err, recognize.ErrNoMatch) {
		t.Fatalf("Check() error = %v, want ErrNoMatch", err)
	}
	if svc.Calls() != 3 {
		t.Errorf("Identify calls = %d, want 3 (failures must not abort the vote)", svc.Calls())
	}
}

func TestCheckerConfidenceThreshold(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.1}},
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.2}},
	}}
	cfg := fastConfig()
	cfg.ConfidenceThreshold = 0.5
	c := detect.NewChecker(svc, cfg)

	_, err := c.Check(context.Background(), stubSampler())
	if !errors.Is(err, recognize.ErrNoMatch) {
		t.Fatalf("Check() error = %v, want ErrNoMatch for low mean confidence", err)
	}
}

func TestCheckerSamplerErrorAborts(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{}
	c := detect.NewChecker(svc, fastConfig())

	wantErr := errors.New("device unplugged")
	sampler := func(context.Context) (audio.Buffer, error) {
		return audio.Buffer{}, wantErr
	}

	_, err := c.Check(context.Background(), sampler)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Check() error = %v, want sampler error", err)
	}
	if svc.Calls() != 0 {
		t.Errorf("Identify calls = %d, want 0 after sampler failure", svc.Calls())
	}
}

func TestCheckerContextCancellation(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "A", Title: "T"}},
	}}
	c := detect.NewChecker(svc, detect.CheckerConfig{Checks: 3, Threshold: 2, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Check(ctx, stubSampler())
		done <- err
	}()

	// Let the first attempt land, then cancel during the inter-check delay.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Check() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Check() did not return after cancellation")
	}
}

func TestCheckerFuzzyMerge(t *testing.T) {
	t.Parallel()

	// Same track with drifting punctuation; exact tallying would split
	// the vote, fuzzy merging keeps it together.
	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Match: recognize.Match{Artist: "Steely Dan", Title: "Do It Again", Confidence: 0.8}},
		{Match: recognize.Match{Artist: "Steely Dan", Title: "Do It Again.", Confidence: 0.6}},
		{Match: recognize.Match{Artist: "B", Title: "U"}},
	}}
	cfg := fastConfig()
	cfg.FuzzyThreshold = 0.95
	c := detect.NewChecker(svc, cfg)

	got, err := c.Check(context.Background(), stubSampler())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if got.Artist != "Steely Dan" || got.Title != "Do It Again" {
		t.Errorf("fuzzy merge = %q/%q, want first-encountered form", got.Artist, got.Title)
	}
}
