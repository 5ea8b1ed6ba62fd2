// Package mock provides an in-memory mock implementation of the
// [recognize.Service] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on call counts and clip arguments, and consumes a scripted result
// sequence so tests can describe the recognizer's behaviour over time.
package mock

import (
	"context"
	"sync"

	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/pkg/audio"
)

// IdentifyResult is one scripted response from [Service.Identify].
type IdentifyResult struct {
	Match recognize.Match
	Err   error
}

// Service is a mock implementation of [recognize.Service]. Identify
// consumes Script in order; once exhausted the final entry is repeated. An
// empty script returns [recognize.ErrNoMatch] forever.
type Service struct {
	mu sync.Mutex

	// Script holds the sequence of identify responses, consumed in order.
	Script []IdentifyResult

	// CallCountIdentify records how many times Identify was called.
	CallCountIdentify int

	// Clips records the buffer passed to every Identify call, in order.
	Clips []audio.Buffer

	next int
}

// Identify implements [recognize.Service].
func (s *Service) Identify(ctx context.Context, clip audio.Buffer) (recognize.Match, error) {
	if err := ctx.Err(); err != nil {
		return recognize.Match{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountIdentify++
	s.Clips = append(s.Clips, clip)

	if len(s.Script) == 0 {
		return recognize.Match{}, recognize.ErrNoMatch
	}
	r := s.Script[s.next]
	if s.next < len(s.Script)-1 {
		s.next++
	}
	return r.Match, r.Err
}

// Calls returns the number of Identify calls made so far.
func (s *Service) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountIdentify
}
