package interruptions

import (
	"encoding/binary"
	"testing"
	"time"
)

// loudPCM builds n samples of a square wave: high energy, high zero-crossing
// rate, which is what the voice-activity heuristics key on.
func loudPCM(n int) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(8000)
		if i%2 == 1 {
			sample = -8000
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

func silentPCM(n int) []byte {
	return make([]byte, n*2)
}

func TestMinWordsCountsAccumulatedWords(t *testing.T) {
	s := NewMinWordsInterruptionStrategy(3)

	if err := s.AppendText("stop "); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("one word should not interrupt")
	}

	if err := s.AppendText("right there"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); !got {
		t.Error("three words should interrupt")
	}
}

func TestMinWordsReset(t *testing.T) {
	s := NewMinWordsInterruptionStrategy(1)
	_ = s.AppendText("hello")
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("reset strategy should not interrupt")
	}
}

func TestVolumeRequiresSustainedLoudness(t *testing.T) {
	s := NewVolumeInterruptionStrategy(&VolumeInterruptionStrategyParams{
		Threshold:  0.02,
		WindowSize: 10,
		MinFrames:  3,
	})

	// Two loud frames are below the minimum.
	for i := 0; i < 2; i++ {
		if err := s.AppendAudio(loudPCM(160), 16000); err != nil {
			t.Fatalf("AppendAudio: %v", err)
		}
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("two loud frames should not interrupt")
	}

	if err := s.AppendAudio(loudPCM(160), 16000); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); !got {
		t.Error("three loud frames should interrupt")
	}
}

func TestVolumeIgnoresSilence(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)
	for i := 0; i < 10; i++ {
		if err := s.AppendAudio(silentPCM(160), 16000); err != nil {
			t.Fatalf("AppendAudio: %v", err)
		}
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("silence should not interrupt")
	}
}

func TestVolumeReset(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)
	for i := 0; i < 5; i++ {
		_ = s.AppendAudio(loudPCM(160), 16000)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("reset strategy should not interrupt")
	}
}

func TestVADRequiresSustainedSpeech(t *testing.T) {
	s := NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     30 * time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})

	if err := s.AppendAudio(loudPCM(160), 16000); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); got {
		t.Error("speech that just started should not interrupt")
	}

	time.Sleep(50 * time.Millisecond)
	if err := s.AppendAudio(loudPCM(160), 16000); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if got, _ := s.ShouldInterrupt(); !got {
		t.Error("sustained speech should interrupt")
	}
}

func TestVADSilenceResetsSpeechState(t *testing.T) {
	s := NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     10 * time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})

	_ = s.AppendAudio(loudPCM(160), 16000)
	time.Sleep(20 * time.Millisecond)
	_ = s.AppendAudio(silentPCM(160), 16000)

	if got, _ := s.ShouldInterrupt(); got {
		t.Error("silence after speech should not interrupt")
	}
}
