// Package mock provides in-memory mock implementations of the [audio.Input]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{Script: []mock.ReadResult{
//	    {Buffer: mock.LevelBuffer(0.02, 4096)},
//	    {Buffer: mock.LevelBuffer(0.5, 4096)},
//	}}
//	input := &mock.Input{Streams: []*mock.Stream{stream}}
//	s, err := input.Open(ctx, 1)
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/needledrop/needledrop/pkg/audio"
)

// ReadResult is one scripted response from [Stream.Read].
type ReadResult struct {
	Buffer audio.Buffer
	Err    error
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Reads consume Script in
// order; once the script is exhausted the final entry is repeated, so a
// test can describe a transition once and let the loop idle on the last
// state.
type Stream struct {
	mu sync.Mutex

	// Script holds the sequence of read responses, consumed in order.
	Script []ReadResult

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// ReadFrames records the frames argument of every Read call, in order.
	ReadFrames []int

	next int
}

// Read implements [audio.Stream]. Returns the next scripted result. If the
// script is empty, returns [audio.ErrStreamClosed].
func (s *Stream) Read(frames int) (audio.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRead++
	s.ReadFrames = append(s.ReadFrames, frames)

	if len(s.Script) == 0 {
		return audio.Buffer{}, audio.ErrStreamClosed
	}
	r := s.Script[s.next]
	if s.next < len(s.Script)-1 {
		s.next++
	}
	return r.Buffer, r.Err
}

// Reads returns the number of Read calls made so far.
func (s *Stream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountRead
}

// Close implements [audio.Stream]. Returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.Input]. Each Open call consumes
// the next entry from Streams; once exhausted the final entry is reused, so
// reopen-after-failure tests can script distinct streams per open.
type Input struct {
	mu sync.Mutex

	// DevicesResult is returned by [Input.Devices].
	DevicesResult []audio.Device

	// DevicesError is returned by [Input.Devices].
	DevicesError error

	// Streams holds the streams handed out by successive Open calls.
	Streams []*Stream

	// OpenError, when non-nil, is returned by every Open call instead of a
	// stream.
	OpenError error

	// OpenCalls records the deviceIndex argument of every Open call.
	OpenCalls []int

	next int
}

// Devices implements [audio.Input].
func (in *Input) Devices() ([]audio.Device, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.DevicesResult, in.DevicesError
}

// Open implements [audio.Input]. Returns the next entry from Streams, or
// OpenError if set.
func (in *Input) Open(_ context.Context, deviceIndex int) (audio.Stream, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.OpenCalls = append(in.OpenCalls, deviceIndex)
	if in.OpenError != nil {
		return nil, in.OpenError
	}
	if len(in.Streams) == 0 {
		return nil, audio.ErrStreamClosed
	}
	s := in.Streams[in.next]
	if in.next < len(in.Streams)-1 {
		in.next++
	}
	return s, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// LevelBuffer builds a mono float32 buffer at 48 kHz whose samples alternate
// between +level and -level, so both the peak and RMS metrics report
// approximately level.
func LevelBuffer(level float64, frames int) audio.Buffer {
	data := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		v := float32(level)
		if i%2 == 1 {
			v = -v
		}
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return audio.Buffer{
		Data: data,
		Format: audio.Format{
			SampleRate: 48000,
			Channels:   1,
			Encoding:   audio.EncodingFloat32LE,
		},
	}
}
