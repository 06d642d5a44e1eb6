package capture

import (
	"errors"
	"fmt"
	"time"
)

// ErrCaptureUnavailable is returned when no audio input can be opened.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// Format describes signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesFor returns the size of d worth of audio, rounded down to whole frames.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.Channels * 2
}

// DurationOf is the inverse of BytesFor.
func (f Format) DurationOf(n int) time.Duration {
	frameSize := f.Channels * 2
	if f.SampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	return time.Duration(int64(n/frameSize) * int64(time.Second) / int64(f.SampleRate))
}

// AudioSource opens audio streams. Implementations are used from the
// capture worker goroutine only.
type AudioSource interface {
	Name() string
	Open(f Format) (Stream, error)
}

// Stream yields captured audio. Read returns the next d of audio and must
// not block for much longer than d.
type Stream interface {
	Read(d time.Duration) ([]byte, error)
	Close() error
}

// NewSource returns the source registered under name.
func NewSource(name string) (AudioSource, error) {
	switch name {
	case "silence":
		return SilenceSource{}, nil
	case "none":
		return UnavailableSource{}, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", name)
	}
}

// SilenceSource produces zeroed PCM. It stands in for a microphone on hosts
// without one.
type SilenceSource struct{}

func (SilenceSource) Name() string { return "silence" }

func (SilenceSource) Open(f Format) (Stream, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("invalid format %d Hz x %d", f.SampleRate, f.Channels)
	}
	return &silenceStream{format: f}, nil
}

type silenceStream struct {
	format Format
	closed bool
}

func (s *silenceStream) Read(d time.Duration) ([]byte, error) {
	if s.closed {
		return nil, errors.New("stream closed")
	}
	return make([]byte, s.format.BytesFor(d)), nil
}

func (s *silenceStream) Close() error {
	s.closed = true
	return nil
}

// UnavailableSource models a host with no usable input device.
type UnavailableSource struct{}

func (UnavailableSource) Name() string { return "none" }

func (UnavailableSource) Open(Format) (Stream, error) {
	return nil, ErrCaptureUnavailable
}
