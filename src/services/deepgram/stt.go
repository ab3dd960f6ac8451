package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
)

// STTService provides speech-to-text using Deepgram
type STTService struct {
	*processors.BaseProcessor
	apiKey   string
	language string
	model    string
	encoding string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	connMu   sync.Mutex // Protects concurrent WebSocket writes
}

// STTConfig holds configuration for Deepgram
type STTConfig struct {
	APIKey   string
	Language string // e.g., "pt-BR", "en-US"
	Model    string // e.g., "nova-2"
	Encoding string // Supported: "mulaw"/"ulaw", "alaw", "linear16" (default: "linear16")
}

// NewSTTService creates a new Deepgram STT service
func NewSTTService(config STTConfig) *STTService {
	encoding := config.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	encoding = normalizeDeepgramEncoding(encoding)

	ds := &STTService{
		apiKey:   config.APIKey,
		language: config.Language,
		model:    config.Model,
		encoding: encoding,
	}
	ds.BaseProcessor = processors.NewBaseProcessor("DeepgramSTT", ds)
	return ds
}

// normalizeDeepgramEncoding converts codec name variations to Deepgram API format
func normalizeDeepgramEncoding(encoding string) string {
	switch encoding {
	case "ulaw", "PCMU":
		return "mulaw"
	case "PCMA":
		return "alaw"
	case "pcm", "PCM":
		return "linear16"
	default:
		return encoding
	}
}

func (s *STTService) SetLanguage(lang string) {
	s.language = lang
}

func (s *STTService) SetModel(model string) {
	s.model = model
}

func (s *STTService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	sampleRate := "16000"
	if s.encoding == "mulaw" || s.encoding == "alaw" {
		sampleRate = "8000"
	}

	params := url.Values{}
	params.Set("language", s.language)
	params.Set("model", s.model)
	params.Set("encoding", s.encoding)
	params.Set("sample_rate", sampleRate)
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("vad_events", "true")
	params.Set("utterance_end_ms", "1000")

	wsURL := fmt.Sprintf("wss://api.deepgram.com/v1/listen?%s", params.Encode())

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", s.apiKey)},
	}

	var err error
	s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	go s.receiveTranscriptions()
	go s.keepaliveTask()

	logger.Info("[DeepgramSTT] Connected and initialized")
	return nil
}

func (s *STTService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}

	// Give goroutines a moment to see the context cancellation
	time.Sleep(50 * time.Millisecond)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *STTService) reconnect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.Initialize(ctx)
}

func (s *STTService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch frame.(type) {
	case *frames.StartFrame:
		// Lazy initialization on first audio
		return s.PushFrame(frame, direction)

	case *frames.EndFrame:
		if err := s.Cleanup(); err != nil {
			logger.Warn("[DeepgramSTT] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		// Finalize flushes the current utterance so stale fragments don't
		// leak through after the interruption.
		if s.conn != nil {
			s.connMu.Lock()
			err := s.conn.WriteJSON(map[string]interface{}{"type": "Finalize"})
			s.connMu.Unlock()
			if err != nil {
				logger.Warn("[DeepgramSTT] Error sending finalize message: %v", err)
			}
		}
		return s.PushFrame(frame, direction)

	case *frames.AudioFrame:
		return s.handleAudio(ctx, frame.(*frames.AudioFrame), direction)

	default:
		return s.PushFrame(frame, direction)
	}
}

func (s *STTService) handleAudio(ctx context.Context, audioFrame *frames.AudioFrame, direction frames.FrameDirection) error {
	if s.conn == nil {
		logger.Debug("[DeepgramSTT] Lazy initializing on first AudioFrame")
		if err := s.Initialize(ctx); err != nil {
			logger.Error("[DeepgramSTT] Failed to initialize: %v", err)
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
	}

	s.connMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, audioFrame.Data)
	s.connMu.Unlock()

	if err != nil {
		logger.Warn("[DeepgramSTT] Error sending audio, reconnecting: %v", err)
		if reconnectErr := s.reconnect(ctx); reconnectErr != nil {
			logger.Error("[DeepgramSTT] Reconnection failed: %v", reconnectErr)
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}

		s.connMu.Lock()
		retryErr := s.conn.WriteMessage(websocket.BinaryMessage, audioFrame.Data)
		s.connMu.Unlock()

		if retryErr != nil {
			return s.PushFrame(frames.NewErrorFrame(retryErr), frames.Upstream)
		}
	}

	// AudioFrames continue downstream for audio-based interruption detection.
	return s.PushFrame(audioFrame, direction)
}

func (s *STTService) receiveTranscriptions() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					logger.Debug("[DeepgramSTT] Connection closed normally")
					return
				}
				logger.Error("[DeepgramSTT] Error reading message: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
				return
			}

			var response struct {
				Type    string `json:"type"`
				IsFinal bool   `json:"is_final"`
				Channel struct {
					Alternatives []struct {
						Transcript string  `json:"transcript"`
						Confidence float64 `json:"confidence"`
					} `json:"alternatives"`
				} `json:"channel"`
			}

			if err := json.Unmarshal(message, &response); err != nil {
				logger.Warn("[DeepgramSTT] Error parsing response: %v", err)
				continue
			}

			// VAD events become the turn boundaries the user aggregator
			// commits on.
			switch response.Type {
			case "SpeechStarted":
				s.PushFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream)
				continue
			case "UtteranceEnd":
				s.PushFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream)
				continue
			}

			if len(response.Channel.Alternatives) > 0 {
				transcript := response.Channel.Alternatives[0].Transcript
				if transcript != "" {
					transcriptionFrame := frames.NewTranscriptionFrame(transcript, response.IsFinal)
					logger.Debug("[DeepgramSTT] Transcription (final=%v): %s", response.IsFinal, transcript)
					s.PushFrame(transcriptionFrame, frames.Downstream)
				}
			}
		}
	}
}

func (s *STTService) keepaliveTask() {
	// Deepgram expects audio or a message within ~10 seconds
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conn != nil {
				keepalive := map[string]string{"type": "KeepAlive"}
				s.connMu.Lock()
				err := s.conn.WriteJSON(keepalive)
				s.connMu.Unlock()

				if err != nil {
					logger.Warn("[DeepgramSTT] Error sending keepalive: %v", err)
					return
				}
			}
		}
	}
}
