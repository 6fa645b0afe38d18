// Package audio provides microphone capture, utterance encoding, playback
// and silence detection for the tutoring client.
package audio

import (
	"context"
	"errors"
)

const (
	// WAVHeaderSize is the size of a canonical PCM16 mono RIFF header.
	WAVHeaderSize = 44

	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

var (
	ErrPermissionDenied  = errors.New("microphone unavailable")
	ErrUnsupportedFormat = errors.New("no supported audio encoding")
	ErrNotRecording      = errors.New("recorder not started")
	ErrAlreadyRecording  = errors.New("recorder already started")
)

// DataCallback receives raw PCM16LE bytes from a capture device.
type DataCallback func(data []byte, frameCount uint32)

type DeviceConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// Context abstracts the platform audio backend so tests can run without
// real devices.
type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config DeviceConfig, callback DataCallback) (CaptureDevice, error)
	NewPlayback(config DeviceConfig) (PlaybackDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
}

// PlaybackDevice renders PCM16LE mono audio. Play blocks until the buffer
// drains or the context is cancelled.
type PlaybackDevice interface {
	Play(ctx context.Context, pcm []byte) error
	Close()
}

func pcm16FromBytes(data []byte) []int16 {
	n := len(data) / 2
	block := make([]int16, n)
	for i := 0; i < n; i++ {
		block[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return block
}
