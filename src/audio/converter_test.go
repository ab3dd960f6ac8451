package audio

import (
	"testing"
)

func TestMulawRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	for _, s := range samples {
		decoded := mulawDecode(mulawEncode(s))
		diff := int32(decoded) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		// Mulaw is lossy; error grows with magnitude.
		tolerance := int32(s)/16 + 64
		if tolerance < 0 {
			tolerance = -tolerance
		}
		if diff > tolerance {
			t.Errorf("sample %d: decoded %d, error %d exceeds %d", s, decoded, diff, tolerance)
		}
	}
}

func TestAlawRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	for _, s := range samples {
		decoded := alawDecode(alawEncode(s))
		diff := int32(decoded) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		tolerance := int32(s)/8 + 64
		if tolerance < 0 {
			tolerance = -tolerance
		}
		if diff > tolerance {
			t.Errorf("sample %d: decoded %d, error %d exceeds %d", s, decoded, diff, tolerance)
		}
	}
}

func TestBytesToPCMRejectsOddLength(t *testing.T) {
	if _, err := BytesToPCM([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd-length input")
	}
}

func TestPCMBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out, err := BytesToPCM(PCMToBytes(in))
	if err != nil {
		t.Fatalf("BytesToPCM: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestResample(t *testing.T) {
	in := make([]int16, 160)
	for i := range in {
		in[i] = int16(i * 100)
	}

	up := Resample(in, 8000, 16000)
	if len(up) != 320 {
		t.Errorf("upsampled length %d, want 320", len(up))
	}

	down := Resample(in, 16000, 8000)
	if len(down) != 80 {
		t.Errorf("downsampled length %d, want 80", len(down))
	}

	same := Resample(in, 16000, 16000)
	if len(same) != len(in) {
		t.Errorf("same-rate length %d, want %d", len(same), len(in))
	}
}

func TestConvertMulawToLinear16Upsamples(t *testing.T) {
	p := NewAudioConverterProcessor(AudioConverterConfig{
		InputSampleRate:  8000,
		InputCodec:       "mulaw",
		OutputSampleRate: 16000,
		OutputCodec:      "linear16",
	})

	// 20ms of 8kHz mulaw.
	in := make([]byte, 160)
	out, err := p.convertAudio(in, 8000)
	if err != nil {
		t.Fatalf("convertAudio: %v", err)
	}
	// 20ms of 16kHz linear16 is 320 samples, 2 bytes each.
	if len(out) != 640 {
		t.Errorf("output length %d, want 640", len(out))
	}
}

func TestConvertLinear16ToMulawDownsamples(t *testing.T) {
	p := NewAudioConverterProcessor(AudioConverterConfig{
		InputSampleRate:  16000,
		InputCodec:       "linear16",
		OutputSampleRate: 8000,
		OutputCodec:      "ulaw",
	})

	in := make([]byte, 640)
	out, err := p.convertAudio(in, 16000)
	if err != nil {
		t.Fatalf("convertAudio: %v", err)
	}
	if len(out) != 160 {
		t.Errorf("output length %d, want 160", len(out))
	}
}

func TestConvertRejectsUnknownCodec(t *testing.T) {
	p := NewAudioConverterProcessor(AudioConverterConfig{
		InputSampleRate:  8000,
		InputCodec:       "opus",
		OutputSampleRate: 16000,
		OutputCodec:      "linear16",
	})
	if _, err := p.convertAudio(make([]byte, 160), 8000); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}

func TestClipAudio(t *testing.T) {
	out := ClipAudio([]int16{-20000, -5000, 0, 5000, 20000}, 10000)
	want := []int16{-10000, -5000, 0, 5000, 10000}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}
