package audio

import (
	"context"
	"sync"
)

const fakeChunkFrames = 1024

// FakeContext is a deterministic audio backend for tests. Capture devices
// feed the configured PCM synchronously on Start; playback devices record
// what was played.
type FakeContext struct {
	pcm []byte

	mu     sync.Mutex
	played [][]byte
}

func NewFakeContext(pcm []byte) *FakeContext {
	return &FakeContext{pcm: pcm}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ DeviceConfig, callback DataCallback) (CaptureDevice, error) {
	return &fakeCapture{pcm: f.pcm, callback: callback}, nil
}

func (f *FakeContext) NewPlayback(_ DeviceConfig) (PlaybackDevice, error) {
	return &fakePlayback{ctx: f}, nil
}

func (f *FakeContext) Close() {}

// Played returns every buffer handed to fake playback devices.
func (f *FakeContext) Played() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.played))
	copy(out, f.played)
	return out
}

type fakeCapture struct {
	pcm      []byte
	callback DataCallback
}

func (c *fakeCapture) Start() error {
	chunkBytes := fakeChunkFrames * 2
	for pos := 0; pos < len(c.pcm); {
		end := pos + chunkBytes
		if end > len(c.pcm) {
			end = len(c.pcm)
		}
		chunk := make([]byte, end-pos)
		copy(chunk, c.pcm[pos:end])
		c.callback(chunk, uint32(len(chunk)/2))
		pos = end
	}
	return nil
}

func (c *fakeCapture) Stop()  {}
func (c *fakeCapture) Close() {}

type fakePlayback struct {
	ctx *FakeContext
}

func (p *fakePlayback) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.ctx.mu.Lock()
	p.ctx.played = append(p.ctx.played, pcm)
	p.ctx.mu.Unlock()
	return nil
}

func (p *fakePlayback) Close() {}
