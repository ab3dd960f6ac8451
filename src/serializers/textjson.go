package serializers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxmedica/voxmedica/src/frames"
)

// TextJSONFrameSerializer handles the text-mode chat protocol: JSON messages
// over a websocket. Inbound user messages become final transcriptions;
// outbound assistant text is streamed as chunks and repeated as one complete
// message at the end of each response.
type TextJSONFrameSerializer struct {
	response strings.Builder
}

type textJSONMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewTextJSONFrameSerializer creates a text chat serializer
func NewTextJSONFrameSerializer() *TextJSONFrameSerializer {
	return &TextJSONFrameSerializer{}
}

// Type returns the serialization type
func (s *TextJSONFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Setup initializes the serializer
func (s *TextJSONFrameSerializer) Setup(frame frames.Frame) error {
	return nil
}

// Serialize converts outbound frames to protocol messages. Frames with no
// wire representation serialize to nil and are skipped.
func (s *TextJSONFrameSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	switch f := frame.(type) {
	case *frames.StartFrame:
		return marshalTextJSON(textJSONMessage{Type: "system_ready"})

	case *frames.TextFrame:
		s.response.WriteString(f.Text)
		return marshalTextJSON(textJSONMessage{Type: "assistant_message_chunk", Text: f.Text})

	case *frames.LLMTextFrame:
		s.response.WriteString(f.Text)
		return marshalTextJSON(textJSONMessage{Type: "assistant_message_chunk", Text: f.Text})

	case *frames.LLMFullResponseEndFrame:
		text := s.response.String()
		s.response.Reset()
		if text == "" {
			return nil, nil
		}
		return marshalTextJSON(textJSONMessage{Type: "assistant_message_complete", Text: text})

	case *frames.TTSSpeakFrame:
		// Verbatim utterances arrive outside a model response.
		return marshalTextJSON(textJSONMessage{Type: "assistant_message_complete", Text: f.Text})

	case *frames.EndFrame:
		return marshalTextJSON(textJSONMessage{Type: "session_end"})

	case *frames.ErrorFrame:
		return marshalTextJSON(textJSONMessage{Type: "error", Text: f.Error.Error()})

	default:
		return nil, nil
	}
}

// Deserialize converts an inbound protocol message into a frame.
func (s *TextJSONFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	var raw []byte
	switch d := data.(type) {
	case []byte:
		raw = d
	case string:
		raw = []byte(d)
	default:
		return nil, fmt.Errorf("text serializer expects string or []byte, got %T", data)
	}

	var msg textJSONMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch msg.Type {
	case "user_message":
		if msg.Text == "" {
			return nil, nil
		}
		return frames.NewTranscriptionFrame(msg.Text, true), nil
	case "disconnect":
		return frames.NewEndFrame(), nil
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// Cleanup releases any resources held by the serializer
func (s *TextJSONFrameSerializer) Cleanup() error {
	s.response.Reset()
	return nil
}

func marshalTextJSON(msg textJSONMessage) (interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
