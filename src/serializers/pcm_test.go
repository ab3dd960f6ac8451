package serializers

import (
	"bytes"
	"testing"

	"github.com/voxmedica/voxmedica/src/frames"
)

func TestPCMSerializeAudioFrames(t *testing.T) {
	s := NewPCMFrameSerializer(PCMSerializerConfig{})

	data := []byte{0x01, 0x02, 0x03, 0x04}

	out, err := s.Serialize(frames.NewTTSAudioFrame(data, 16000, 1))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Equal(out.([]byte), data) {
		t.Errorf("TTS audio must pass through unchanged, got %v", out)
	}

	out, err = s.Serialize(frames.NewAudioFrame(data, 16000, 1))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Equal(out.([]byte), data) {
		t.Errorf("raw audio must pass through unchanged, got %v", out)
	}
}

func TestPCMSerializeSkipsNonAudioFrames(t *testing.T) {
	s := NewPCMFrameSerializer(PCMSerializerConfig{})

	out, err := s.Serialize(frames.NewTextFrame("not audio"))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if out != nil {
		t.Errorf("non-audio frames must serialize to nil, got %v", out)
	}
}

func TestPCMDeserialize(t *testing.T) {
	s := NewPCMFrameSerializer(PCMSerializerConfig{SampleRate: 8000, NumChannels: 2})

	frame, err := s.Deserialize([]byte{0x10, 0x20})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	af, ok := frame.(*frames.AudioFrame)
	if !ok {
		t.Fatalf("expected AudioFrame, got %T", frame)
	}
	if af.SampleRate != 8000 || af.NumChannels != 2 {
		t.Errorf("config not applied: rate=%d channels=%d", af.SampleRate, af.NumChannels)
	}
	if !bytes.Equal(af.Data, []byte{0x10, 0x20}) {
		t.Errorf("unexpected audio data: %v", af.Data)
	}
}

func TestPCMDeserializeDefaults(t *testing.T) {
	s := NewPCMFrameSerializer(PCMSerializerConfig{})

	frame, err := s.Deserialize([]byte{0x00, 0x00})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	af := frame.(*frames.AudioFrame)
	if af.SampleRate != 16000 || af.NumChannels != 1 {
		t.Errorf("expected 16 kHz mono defaults, got rate=%d channels=%d", af.SampleRate, af.NumChannels)
	}
}

func TestPCMDeserializeEmptyAndInvalid(t *testing.T) {
	s := NewPCMFrameSerializer(PCMSerializerConfig{})

	frame, err := s.Deserialize([]byte{})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if frame != nil {
		t.Errorf("empty payload must deserialize to nil, got %T", frame)
	}

	if _, err := s.Deserialize("text payload"); err == nil {
		t.Error("expected error for non-binary payload")
	}
}
