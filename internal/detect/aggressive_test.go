package detect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/needledrop/needledrop/internal/detect"
	"github.com/needledrop/needledrop/internal/recognize"
	recmock "github.com/needledrop/needledrop/internal/recognize/mock"
)

func fastFallback(c *detect.Checker) *detect.Fallback {
	return detect.NewFallback(c, detect.FallbackConfig{Rounds: 3, Interval: time.Millisecond})
}

func TestFallbackReturnsFirstHit(t *testing.T) {
	t.Parallel()

	// Round 1 (K=3) yields nothing; round 2 agrees on a pair.
	svc := &recmock.Service{Script: []recmock.IdentifyResult{
		{Err: recognize.ErrNoMatch},
		{Err: recognize.ErrNoMatch},
		{Err: recognize.ErrNoMatch},
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.5}},
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.5}},
		{Match: recognize.Match{Artist: "A", Title: "T", Confidence: 0.5}},
	}}
	f := fastFallback(detect.NewChecker(svc, fastConfig()))

	got, err := f.Run(context.Background(), stubSampler())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got.Artist != "A" || got.Title != "T" {
		t.Errorf("Run() = %q/%q, want A/T", got.Artist, got.Title)
	}
	if svc.Calls() != 6 {
		t.Errorf("Identify calls = %d, want 6 (two rounds of three)", svc.Calls())
	}
}

func TestFallbackBoundedRounds(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{} // empty script: ErrNoMatch forever
	f := fastFallback(detect.NewChecker(svc, fastConfig()))

	_, err := f.Run(context.Background(), stubSampler())
	if !errors.Is(err, recognize.ErrNoMatch) {
		t.Fatalf("Run() error = %v, want ErrNoMatch", err)
	}
	if svc.Calls() != 9 {
		t.Errorf("Identify calls = %d, want 9 (three bounded rounds of three)", svc.Calls())
	}
}

func TestFallbackPropagatesAborts(t *testing.T) {
	t.Parallel()

	svc := &recmock.Service{}
	f := fastFallback(detect.NewChecker(svc, fastConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Run(ctx, stubSampler())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
