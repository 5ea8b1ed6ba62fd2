// Package audio defines the types and interfaces for audio capture within
// needledrop.
//
// The two primary abstractions are:
//
//   - [Input] — enumerates capture devices and opens a [Stream] on one of them.
//   - [Stream] — an open capture handle delivering PCM in fixed-size reads.
//
// Implementations are provided by backend-specific adapter packages (e.g.
// audio/arecord for ALSA). The interfaces are intentionally narrow so the
// detection engine stays decoupled from capture details.
//
// This package lives under pkg/ because external code (alternative capture
// backends) is expected to implement [Input] and [Stream].
package audio

import "time"

// Encoding identifies the sample format of a [Buffer].
type Encoding string

const (
	// EncodingFloat32LE is 32-bit little-endian IEEE float samples in [-1, 1].
	EncodingFloat32LE Encoding = "f32le"

	// EncodingInt16LE is 16-bit little-endian signed integer samples.
	EncodingInt16LE Encoding = "s16le"
)

// IsValid reports whether e is a recognised sample encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingFloat32LE || e == EncodingInt16LE
}

// SampleBytes returns the size of one sample in bytes, or 0 for an
// unrecognised encoding.
func (e Encoding) SampleBytes() int {
	switch e {
	case EncodingFloat32LE:
		return 4
	case EncodingInt16LE:
		return 2
	default:
		return 0
	}
}

// Format describes the wire layout of PCM data in a [Buffer].
type Format struct {
	// SampleRate in Hz (e.g. 48000).
	SampleRate int

	// Channels: 1 for mono. Recognition clips are always mono.
	Channels int

	// Encoding is the per-sample binary layout.
	Encoding Encoding
}

// BytesPerFrame returns the size of one frame (one sample per channel).
func (f Format) BytesPerFrame() int {
	return f.Encoding.SampleBytes() * f.Channels
}

// Buffer is a clip of raw PCM captured from a [Stream]. Buffers are
// immutable once returned from a read; the detection engine never writes
// to Data.
type Buffer struct {
	// Data holds the raw PCM bytes laid out according to Format.
	Data []byte

	// Format describes how to interpret Data.
	Format Format
}

// Frames returns the number of complete frames in the buffer.
func (b Buffer) Frames() int {
	fb := b.Format.BytesPerFrame()
	if fb == 0 {
		return 0
	}
	return len(b.Data) / fb
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.Format.SampleRate)
}
