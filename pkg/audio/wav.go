// Package audio provides the PCM framing primitives used by the relay:
// a per-client accumulator that turns many small binary frames into
// transcription-ready payloads, and a minimal RIFF/WAVE codec for the
// 16 kHz mono 16-bit PCM format spoken on the wire.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Wire format constants. Mobile clients capture at 16 kHz mono 16-bit
// signed little-endian PCM; every WAV produced by this package uses the
// same parameters unless the caller overrides them.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	BitsPerSample     = 16

	headerSize = 44
)

// ErrNotWAV is returned by DecodeWAV when the payload does not start with a
// RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: payload is not a RIFF/WAVE container")

// Format describes the PCM parameters of a decoded WAV payload.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, headerSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// IsWAV reports whether payload starts with a RIFF/WAVE header.
func IsWAV(payload []byte) bool {
	return len(payload) >= 12 &&
		string(payload[0:4]) == "RIFF" &&
		string(payload[8:12]) == "WAVE"
}

// DecodeWAV parses a RIFF/WAVE container and returns the raw PCM frames of
// the data sub-chunk together with the declared format. Sub-chunks other
// than "fmt " and "data" (LIST, fact, …) are skipped.
func DecodeWAV(payload []byte) ([]byte, Format, error) {
	if !IsWAV(payload) {
		return nil, Format{}, ErrNotWAV
	}

	var f Format
	var pcm []byte
	haveFmt := false

	// Walk the sub-chunks starting after the 12-byte RIFF descriptor.
	off := 12
	for off+8 <= len(payload) {
		id := string(payload[off : off+4])
		size := int(binary.LittleEndian.Uint32(payload[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(payload) {
			return nil, Format{}, fmt.Errorf("audio: truncated %q sub-chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: fmt sub-chunk too short (%d bytes)", size)
			}
			f.Channels = int(binary.LittleEndian.Uint16(payload[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(payload[body+4 : body+8]))
			f.BitDepth = int(binary.LittleEndian.Uint16(payload[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = payload[body : body+size]
		}

		// Sub-chunks are word-aligned; odd sizes carry a pad byte.
		off = body + size + size%2
	}

	if !haveFmt {
		return nil, Format{}, errors.New("audio: missing fmt sub-chunk")
	}
	if pcm == nil {
		return nil, Format{}, errors.New("audio: missing data sub-chunk")
	}
	return pcm, f, nil
}

// CombineWAV parses each chunk (raw PCM or complete WAV container), extracts
// the PCM frames, and re-emits a single WAV holding the union of samples.
// Chunks whose format disagrees with the first decoded chunk are skipped
// with a warning rather than corrupting the output.
func CombineWAV(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.New("audio: no chunks to combine")
	}

	want := Format{SampleRate: sampleRate, Channels: channels, BitDepth: BitsPerSample}
	var pcm []byte

	for i, chunk := range chunks {
		if !IsWAV(chunk) {
			// Raw PCM is assumed to match the requested parameters.
			pcm = append(pcm, chunk...)
			continue
		}
		frames, f, err := DecodeWAV(chunk)
		if err != nil {
			slog.Warn("skipping undecodable audio chunk", "index", i, "err", err)
			continue
		}
		if f != want {
			slog.Warn("skipping audio chunk with mismatched parameters",
				"index", i,
				"sample_rate", f.SampleRate,
				"channels", f.Channels,
				"bit_depth", f.BitDepth,
			)
			continue
		}
		pcm = append(pcm, frames...)
	}

	if len(pcm) == 0 {
		return nil, errors.New("audio: no usable PCM frames in any chunk")
	}
	return EncodeWAV(pcm, sampleRate, channels), nil
}

// DurationMs returns the playback duration in milliseconds of a raw PCM
// buffer with the given parameters. Returns 0 for invalid parameters.
func DurationMs(pcm []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * BitsPerSample / 8
	return len(pcm) * 1000 / bytesPerSec
}
