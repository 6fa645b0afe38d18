package audio

import (
	"errors"
	"fmt"
)

// Encoder compresses PCM16 mono blocks into an upload container. Bytes is
// valid after Close.
type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	MIME() string
}

type encoderFactory func(sampleRate int) (Encoder, error)

var encoderFactories = map[string]encoderFactory{
	"flac": newFlacEncoder,
	"wav":  newWAVEncoder,
}

// NewEncoder returns the first encoder from the preference list that
// initializes, mirroring how a recorder probes container support in
// preference order. When every candidate fails, the error reports each
// candidate's failure so the losing preference is diagnosable.
func NewEncoder(preference []string, sampleRate int) (Encoder, error) {
	var errs []error
	for _, name := range preference {
		factory, ok := encoderFactories[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown encoder", name))
			continue
		}
		enc, err := factory(sampleRate)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return enc, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: tried %v", ErrUnsupportedFormat, preference)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, errors.Join(errs...))
}

// ExtensionForMIME maps an upload MIME type to a filename extension.
func ExtensionForMIME(mime string) string {
	switch mime {
	case "audio/flac":
		return ".flac"
	case "audio/wav":
		return ".wav"
	default:
		return ".bin"
	}
}

type wavEncoder struct {
	sampleRate int
	pcm        []byte
	out        []byte
}

func newWAVEncoder(sampleRate int) (Encoder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wav encoder: invalid sample rate %d", sampleRate)
	}
	return &wavEncoder{sampleRate: sampleRate}, nil
}

func (e *wavEncoder) EncodeBlock(block []int16) error {
	for _, s := range block {
		e.pcm = append(e.pcm, byte(uint16(s)), byte(uint16(s)>>8))
	}
	return nil
}

func (e *wavEncoder) Close() error {
	out, err := EncodeWAVPCM16LE(e.pcm, e.sampleRate)
	if err != nil {
		return err
	}
	e.out = out
	return nil
}

func (e *wavEncoder) Bytes() []byte { return e.out }

func (e *wavEncoder) MIME() string { return "audio/wav" }
