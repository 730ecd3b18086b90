package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(audioFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAVPCM16LE extracts the raw PCM payload and sample rate from a WAV
// stream. Only uncompressed PCM16 is supported; stereo payloads are folded
// down to mono by keeping the left channel.
func DecodeWAVPCM16LE(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate  int
		numChannels int
		bitsPer     int
		pcm         []byte
		haveFmt     bool
	)

	// Walk the chunk list; TTS engines emit extra chunks (LIST, fact)
	// between fmt and data.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			// Truncated chunk; some encoders write a placeholder size for
			// streamed data chunks, take what is there.
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			numChannels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPer = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 || bitsPer != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported format %d/%d-bit, want PCM16", format, bitsPer)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if !haveFmt || pcm == nil {
		return nil, 0, errors.New("audio: missing fmt or data chunk")
	}
	if numChannels == 2 {
		pcm = foldStereo(pcm)
	} else if numChannels != 1 {
		return nil, 0, fmt.Errorf("audio: unsupported channel count %d", numChannels)
	}
	return pcm, sampleRate, nil
}

// Frame slices PCM16LE mono audio into frames of the given duration. The
// final partial frame is zero-padded so downstream pacing stays uniform.
func Frame(pcm []byte, sampleRate int, frame time.Duration) [][]byte {
	if len(pcm) == 0 || sampleRate <= 0 || frame <= 0 {
		return nil
	}
	frameBytes := int(int64(sampleRate) * 2 * int64(frame) / int64(time.Second))
	if frameBytes <= 0 {
		return nil
	}
	frames := make([][]byte, 0, len(pcm)/frameBytes+1)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			padded := make([]byte, frameBytes)
			copy(padded, pcm[off:])
			frames = append(frames, padded)
			break
		}
		frames = append(frames, pcm[off:end])
	}
	return frames
}

func foldStereo(pcm []byte) []byte {
	mono := make([]byte, 0, len(pcm)/2)
	for off := 0; off+4 <= len(pcm); off += 4 {
		mono = append(mono, pcm[off], pcm[off+1])
	}
	return mono
}
