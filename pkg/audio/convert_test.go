package audio

import (
	"bytes"
	"testing"
)

// pcm16 builds little-endian int16 PCM from samples.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestStereoToMonoAverages(t *testing.T) {
	t.Parallel()

	// Two stereo frames: (100, 200) and (-100, -300).
	in := pcm16(100, 200, -100, -300)
	got := StereoToMono(in)
	want := pcm16(150, -200)
	if !bytes.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestStereoToMonoClamps(t *testing.T) {
	t.Parallel()

	in := pcm16(-32768, -32768)
	got := StereoToMono(in)
	want := pcm16(-32768)
	if !bytes.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestMonoToStereoDuplicates(t *testing.T) {
	t.Parallel()

	in := pcm16(42, -7)
	got := MonoToStereo(in)
	want := pcm16(42, 42, -7, -7)
	if !bytes.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestResampleMono16Halves(t *testing.T) {
	t.Parallel()

	// 8 samples at 32 kHz resample to 4 samples at 16 kHz.
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	got := ResampleMono16(in, 32000, 16000)
	if len(got) != 8 {
		t.Fatalf("resampled to %d bytes, want 8", len(got))
	}
}

func TestResampleMono16SameRate(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3)
	got := ResampleMono16(in, 16000, 16000)
	if !bytes.Equal(got, in) {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestToMono16kPassthrough(t *testing.T) {
	t.Parallel()

	wav := EncodeWAV(pcm16(1, 2, 3, 4), DefaultSampleRate, DefaultChannels)
	got, err := ToMono16k(wav)
	if err != nil {
		t.Fatalf("ToMono16k: %v", err)
	}
	if !bytes.Equal(got, wav) {
		t.Error("payload already in target layout should pass through")
	}
}

func TestToMono16kDownmixesAndResamples(t *testing.T) {
	t.Parallel()

	// One second of stereo audio at 48 kHz.
	stereo := make([]byte, 48000*4)
	wav := EncodeWAV(stereo, 48000, 2)

	got, err := ToMono16k(wav)
	if err != nil {
		t.Fatalf("ToMono16k: %v", err)
	}
	pcm, format, err := DecodeWAV(got)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != DefaultSampleRate || format.Channels != DefaultChannels {
		t.Errorf("format = %+v, want 16 kHz mono", format)
	}
	// One second at 16 kHz mono is 32000 bytes.
	if len(pcm) != 32000 {
		t.Errorf("pcm length = %d, want 32000", len(pcm))
	}
}

func TestToMono16kRejectsNonWAV(t *testing.T) {
	t.Parallel()

	if _, err := ToMono16k([]byte("not a wav")); err == nil {
		t.Error("expected error for non-WAV payload")
	}
}
