package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pcm := make([]byte, 9600)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	wav := EncodeWAVPCM16LE(pcm, 24000)
	got, rate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("decoded payload differs from input (%d vs %d bytes)", len(got), len(pcm))
	}
}

func TestDecodeRejectsNonWAV(t *testing.T) {
	if _, _, err := DecodeWAVPCM16LE([]byte("OggS0000000000000000")); err != ErrNotWAV {
		t.Fatalf("error = %v, want ErrNotWAV", err)
	}
	if _, _, err := DecodeWAVPCM16LE(nil); err != ErrNotWAV {
		t.Fatalf("error = %v, want ErrNotWAV", err)
	}
}

func TestDecodeSkipsExtraChunks(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := EncodeWAVPCM16LE(pcm, 16000)

	// Splice a LIST chunk between fmt and data, as Coqui and ffmpeg do.
	list := append([]byte("LIST"), 0x04, 0x00, 0x00, 0x00, 'I', 'N', 'F', 'O')
	spliced := append([]byte{}, wav[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, wav[36:]...)

	got, rate, err := DecodeWAVPCM16LE(spliced)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 || !bytes.Equal(got, pcm) {
		t.Fatalf("got rate=%d payload=%v, want rate=16000 payload=%v", rate, got, pcm)
	}
}

func TestDecodeFoldsStereo(t *testing.T) {
	// Two stereo samples: L=0x0102, R=0x0304, then L=0x0506, R=0x0708.
	stereo := []byte{0x02, 0x01, 0x04, 0x03, 0x06, 0x05, 0x08, 0x07}
	wav := EncodeWAVPCM16LE(stereo, 48000)
	// Patch channel count to 2.
	wav[22] = 2

	got, _, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	want := []byte{0x02, 0x01, 0x06, 0x05}
	if !bytes.Equal(got, want) {
		t.Fatalf("mono payload = %v, want %v", got, want)
	}
}

func TestFramePadsFinalFrame(t *testing.T) {
	// 48kHz, 20ms frames: 1920 bytes each.
	pcm := make([]byte, 1920+100)
	for i := range pcm {
		pcm[i] = 0xAA
	}

	frames := Frame(pcm, 48000, 20*time.Millisecond)
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != 1920 {
			t.Fatalf("frame %d length = %d, want 1920", i, len(f))
		}
	}
	if frames[1][99] != 0xAA || frames[1][100] != 0x00 {
		t.Fatalf("final frame not zero-padded after payload")
	}
}

func TestFrameEmptyInput(t *testing.T) {
	if got := Frame(nil, 48000, 20*time.Millisecond); got != nil {
		t.Fatalf("Frame(nil) = %v, want nil", got)
	}
	if got := Frame([]byte{1}, 0, 20*time.Millisecond); got != nil {
		t.Fatalf("Frame with zero rate = %v, want nil", got)
	}
}
