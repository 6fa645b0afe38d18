package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	if len(out) != WAVHeaderSize+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), WAVHeaderSize+len(pcm))
	}
	if !IsWAV(out) {
		t.Fatal("IsWAV() = false for encoded output")
	}
	if rate := binary.LittleEndian.Uint32(out[24:28]); rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if size := binary.LittleEndian.Uint32(out[40:44]); size != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", size, len(pcm))
	}
}

func TestDecodeWAVPCM16LERoundTrip(t *testing.T) {
	pcm := []byte{10, 0, 20, 0, 30, 0}
	wav, err := EncodeWAVPCM16LE(pcm, 22050)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	got, rate, err := DecodeWAVPCM16LE(wav, 16000)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 22050 {
		t.Fatalf("rate = %d, want 22050", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAVPCM16LEPassThrough(t *testing.T) {
	raw := []byte{9, 9, 9, 9}
	got, rate, err := DecodeWAVPCM16LE(raw, 16000)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want fallback 16000", rate)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("non-wav input modified: %v", got)
	}
}
