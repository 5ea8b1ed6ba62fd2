package audio

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [Stream.Read] when the underlying capture
// stream has been torn down (device unplugged, backend process exited).
// Callers recover by re-opening the stream via [Input.Open].
var ErrStreamClosed = errors.New("audio: stream closed")

// Device describes one capture device reported by an [Input].
type Device struct {
	// Index is the backend-specific device index used with [Input.Open].
	Index int

	// Name is the human-readable device name (e.g. "USB Audio CODEC").
	Name string

	// Channels is the maximum number of input channels the device supports.
	Channels int
}

// Input is the entry point for an audio capture backend.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Devices enumerates the capture devices currently available.
	Devices() ([]Device, error)

	// Open starts capturing from the device with the given index and returns
	// an active [Stream]. The supplied ctx governs the lifetime of the open
	// attempt only; once open, the Stream remains alive until
	// [Stream.Close] is called. A negative index selects the backend's
	// default device.
	//
	// Open must succeed again after a previous Stream on the same device
	// failed with [ErrStreamClosed].
	Open(ctx context.Context, deviceIndex int) (Stream, error)
}

// Stream is an open capture handle. Reads are blocking and sequential; a
// Stream is owned by exactly one goroutine at a time.
type Stream interface {
	// Read blocks until frames complete frames have been captured and
	// returns them as a single [Buffer]. Returns [ErrStreamClosed] when the
	// stream is no longer usable, or another error for transient I/O
	// failures.
	Read(frames int) (Buffer, error)

	// Close releases the capture handle. It is safe to call Close more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}
