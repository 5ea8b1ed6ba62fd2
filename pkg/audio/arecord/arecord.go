// Package arecord provides an ALSA capture backend for [audio.Input] by
// wrapping the arecord(1) command-line tool. It is the default backend on
// Linux, where the daemon typically runs next to a USB phono preamp.
//
// The adapter is deliberately thin: device enumeration shells out to
// "arecord -l" and capture streams raw PCM from an arecord subprocess's
// stdout. All detection logic lives elsewhere.
package arecord

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/needledrop/needledrop/pkg/audio"
)

// defaultBinary is the arecord executable looked up on PATH when no explicit
// path is configured.
const defaultBinary = "arecord"

// cardLine matches device lines in "arecord -l" output, e.g.
//
//	card 1: CODEC [USB Audio CODEC], device 0: USB Audio [USB Audio]
var cardLine = regexp.MustCompile(`^card (\d+): \S+ \[([^\]]+)\], device (\d+):`)

// Option is a functional option for configuring an [Input].
type Option func(*Input)

// WithBinary sets an explicit path to the arecord executable.
func WithBinary(path string) Option {
	return func(in *Input) {
		in.binary = path
	}
}

// Input implements [audio.Input] backed by arecord subprocesses.
// It is safe for concurrent use.
type Input struct {
	binary string
	format audio.Format
}

// New creates an arecord-backed [Input] capturing in the given format.
// Returns an error if the format's encoding is not supported by arecord.
func New(format audio.Format, opts ...Option) (*Input, error) {
	if _, err := alsaFormat(format.Encoding); err != nil {
		return nil, err
	}
	in := &Input{
		binary: defaultBinary,
		format: format,
	}
	for _, o := range opts {
		o(in)
	}
	return in, nil
}

// alsaFormat maps a sample encoding to the arecord -f argument.
func alsaFormat(e audio.Encoding) (string, error) {
	switch e {
	case audio.EncodingFloat32LE:
		return "FLOAT_LE", nil
	case audio.EncodingInt16LE:
		return "S16_LE", nil
	default:
		return "", fmt.Errorf("arecord: unsupported encoding %q", e)
	}
}

// Devices implements [audio.Input] by parsing "arecord -l". The returned
// Device.Index is the ALSA card number.
func (in *Input) Devices() ([]audio.Device, error) {
	out, err := exec.Command(in.binary, "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("arecord: list devices: %w", err)
	}

	var devices []audio.Device
	seen := make(map[int]bool)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		m := cardLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		card, err := strconv.Atoi(m[1])
		if err != nil || seen[card] {
			continue
		}
		seen[card] = true
		devices = append(devices, audio.Device{
			Index:    card,
			Name:     m[2],
			Channels: in.format.Channels,
		})
	}
	return devices, nil
}

// Open implements [audio.Input]. It spawns an arecord subprocess capturing
// raw PCM from the given ALSA card (negative index selects the "default"
// PCM) and returns a [audio.Stream] reading from its stdout.
func (in *Input) Open(ctx context.Context, deviceIndex int) (audio.Stream, error) {
	alsaFmt, err := alsaFormat(in.format.Encoding)
	if err != nil {
		return nil, err
	}

	pcm := "default"
	if deviceIndex >= 0 {
		pcm = fmt.Sprintf("plughw:%d,0", deviceIndex)
	}

	cmd := exec.Command(in.binary,
		"-q",
		"-D", pcm,
		"-f", alsaFmt,
		"-c", strconv.Itoa(in.format.Channels),
		"-r", strconv.Itoa(in.format.SampleRate),
		"-t", "raw",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("arecord: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("arecord: start %q: %w", pcm, err)
	}

	s := &stream{
		cmd:    cmd,
		out:    stdout,
		format: in.format,
	}

	// If the open context is cancelled before the first read, tear the
	// subprocess down rather than leaking it.
	if ctx != nil && ctx.Err() != nil {
		_ = s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

// stream reads raw PCM from a running arecord subprocess.
type stream struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	format audio.Format

	mu     sync.Mutex
	closed bool
}

// Read implements [audio.Stream]. Blocks until the requested number of
// frames has been captured.
func (s *stream) Read(frames int) (audio.Buffer, error) {
	data := make([]byte, frames*s.format.BytesPerFrame())
	if _, err := io.ReadFull(s.out, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.EPIPE) {
			return audio.Buffer{}, audio.ErrStreamClosed
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return audio.Buffer{}, audio.ErrStreamClosed
		}
		return audio.Buffer{}, fmt.Errorf("arecord: read: %w", err)
	}
	return audio.Buffer{Data: data, Format: s.format}, nil
}

// Close implements [audio.Stream]. Kills the subprocess and reaps it.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.out.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	// Wait returns an *ExitError after Kill; that is the expected shutdown
	// path, not a failure.
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("arecord: wait: %w", err)
		}
	}
	return nil
}
