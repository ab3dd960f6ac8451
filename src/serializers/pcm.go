package serializers

import (
	"fmt"

	"github.com/voxmedica/voxmedica/src/frames"
)

// PCMFrameSerializer handles the raw voice wire contract: every inbound
// binary websocket message is a chunk of 16 kHz mono little-endian signed
// 16-bit PCM, and outbound synthesized audio is sent the same way.
type PCMFrameSerializer struct {
	sampleRate  int
	numChannels int
}

// PCMSerializerConfig holds configuration for the PCM serializer
type PCMSerializerConfig struct {
	SampleRate  int // default: 16000
	NumChannels int // default: 1
}

// NewPCMFrameSerializer creates a raw PCM serializer
func NewPCMFrameSerializer(config PCMSerializerConfig) *PCMFrameSerializer {
	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	numChannels := config.NumChannels
	if numChannels == 0 {
		numChannels = 1
	}
	return &PCMFrameSerializer{
		sampleRate:  sampleRate,
		numChannels: numChannels,
	}
}

// Type returns the serialization type
func (s *PCMFrameSerializer) Type() SerializerType {
	return SerializerTypeBinary
}

// Setup initializes the serializer
func (s *PCMFrameSerializer) Setup(frame frames.Frame) error {
	if frame != nil {
		if meta := frame.Metadata(); meta != nil {
			if rate, ok := meta["sample_rate"].(int); ok && rate > 0 {
				s.sampleRate = rate
			}
		}
	}
	return nil
}

// Serialize converts outbound frames to raw PCM bytes. Frames that have no
// wire representation serialize to nil and are skipped by the transport.
func (s *PCMFrameSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	switch f := frame.(type) {
	case *frames.TTSAudioFrame:
		return f.Data, nil
	case *frames.AudioFrame:
		return f.Data, nil
	default:
		return nil, nil
	}
}

// Deserialize converts raw PCM bytes into an AudioFrame.
func (s *PCMFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	raw, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("PCM serializer expects []byte, got %T", data)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return frames.NewAudioFrame(raw, s.sampleRate, s.numChannels), nil
}

// Cleanup releases any resources held by the serializer
func (s *PCMFrameSerializer) Cleanup() error {
	return nil
}
