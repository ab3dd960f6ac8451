package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
)

// TTSService provides text-to-speech using ElevenLabs
type TTSService struct {
	*processors.BaseProcessor
	apiKey        string
	voiceID       string
	model         string
	outputFormat  string
	useStreaming  bool
	conn          *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
	codecDetected bool   // Track if we've auto-detected codec from StartFrame
	contextID     string // ElevenLabs context ID for multi-stream mode
	speaking      bool
}

// TTSConfig holds configuration for ElevenLabs
type TTSConfig struct {
	APIKey       string
	VoiceID      string // e.g., "21m00Tcm4TlvDq8ikWAM" (Rachel)
	Model        string // e.g., "eleven_turbo_v2_5"
	OutputFormat string // Supported: "ulaw_8000", "alaw_8000", "pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100" (default: "pcm_16000")
	UseStreaming bool   // Use WebSocket streaming for lower latency
}

// NewTTSService creates a new ElevenLabs TTS service
func NewTTSService(config TTSConfig) *TTSService {
	outputFormat := config.OutputFormat
	codecDetected := true // Assume user explicitly set format

	if outputFormat == "" {
		outputFormat = "pcm_16000"
		codecDetected = false // Will auto-detect from StartFrame
	}

	es := &TTSService{
		apiKey:        config.APIKey,
		voiceID:       config.VoiceID,
		model:         config.Model,
		outputFormat:  outputFormat,
		useStreaming:  config.UseStreaming,
		codecDetected: codecDetected,
	}
	es.BaseProcessor = processors.NewBaseProcessor("ElevenLabsTTS", es)
	return es
}

func (s *TTSService) SetVoice(voiceID string) {
	s.voiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.model = model
}

func (s *TTSService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.useStreaming {
		s.contextID = uuid.New().String()

		wsURL := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/%s/multi-stream-input?model_id=%s&output_format=%s",
			s.voiceID, s.model, s.outputFormat)

		header := http.Header{}
		header.Set("xi-api-key", s.apiKey)

		var err error
		s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			return fmt.Errorf("failed to connect to ElevenLabs: %w", err)
		}

		config := map[string]interface{}{
			"text":       " ",
			"context_id": s.contextID,
			"voice_settings": map[string]interface{}{
				"stability":        0.5,
				"similarity_boost": 0.75,
			},
		}

		if err := s.conn.WriteJSON(config); err != nil {
			return fmt.Errorf("failed to send config: %w", err)
		}

		go s.receiveAudio()
		go s.keepaliveLoop()

		logger.Info("[ElevenLabsTTS] Streaming mode connected (context: %s)", s.contextID)
	} else {
		logger.Info("[ElevenLabsTTS] Non-streaming mode initialized")
	}

	return nil
}

func (s *TTSService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		if s.contextID != "" {
			closeMsg := map[string]interface{}{
				"close_socket": true,
			}
			s.conn.WriteJSON(closeMsg)
		}
		s.conn.Close()
	}
	return nil
}

func (s *TTSService) keepaliveLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conn != nil && s.contextID != "" {
				keepaliveMsg := map[string]interface{}{
					"text":       "",
					"context_id": s.contextID,
				}
				if err := s.conn.WriteJSON(keepaliveMsg); err != nil {
					logger.Warn("[ElevenLabsTTS] Keepalive error: %v", err)
					return
				}
			}
		}
	}
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		// Auto-detect output format from incoming codec metadata unless the
		// caller pinned one.
		if !s.codecDetected {
			if meta := f.Metadata(); meta != nil {
				if codec, ok := meta["codec"].(string); ok {
					switch codec {
					case "mulaw":
						s.outputFormat = "ulaw_8000"
					case "alaw":
						s.outputFormat = "alaw_8000"
					case "linear16":
						s.outputFormat = "pcm_16000"
					}
					s.codecDetected = true
					logger.Info("[ElevenLabsTTS] Auto-configured output format: %s", s.outputFormat)
				}
			}
		}
		return s.PushFrame(frame, direction)

	case *frames.EndFrame:
		if err := s.Cleanup(); err != nil {
			logger.Warn("[ElevenLabsTTS] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		// Drop whatever is still being synthesized; the caller talked over
		// it and must not hear the rest.
		s.abortContext()
		s.markStopped()
		s.HandleInterruptionFrame()
		return s.PushFrame(frame, direction)

	case *frames.TextFrame:
		if err := s.ensureInitialized(ctx); err != nil {
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		s.markStarted()
		if err := s.synthesizeText(f.Text); err != nil {
			return err
		}
		// Text continues downstream so the assistant aggregator can commit it.
		return s.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if err := s.ensureInitialized(ctx); err != nil {
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		s.markStarted()
		if err := s.synthesizeText(f.Text); err != nil {
			return err
		}
		return s.PushFrame(frame, direction)

	case *frames.TTSSpeakFrame:
		// Verbatim utterances (action texts) bypass the LLM entirely.
		if err := s.ensureInitialized(ctx); err != nil {
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		s.markStarted()
		if err := s.synthesizeText(f.Text); err != nil {
			return err
		}
		return s.flush()

	case *frames.LLMFullResponseEndFrame:
		if err := s.flush(); err != nil {
			logger.Warn("[ElevenLabsTTS] Error sending flush: %v", err)
		}
		return s.PushFrame(frame, direction)

	default:
		return s.PushFrame(frame, direction)
	}
}

func (s *TTSService) ensureInitialized(ctx context.Context) error {
	if s.ctx != nil {
		return nil
	}
	logger.Debug("[ElevenLabsTTS] Lazy initializing on first text")
	if err := s.Initialize(ctx); err != nil {
		logger.Error("[ElevenLabsTTS] Failed to initialize: %v", err)
		return err
	}
	return nil
}

// markStarted emits the bot-speaking boundary once per utterance.
func (s *TTSService) markStarted() {
	if s.speaking {
		return
	}
	s.speaking = true
	s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	s.PushFrame(frames.NewBotStartedSpeakingFrame(), frames.Downstream)
}

func (s *TTSService) markStopped() {
	if !s.speaking {
		return
	}
	s.speaking = false
	s.PushFrame(frames.NewTTSStoppedFrame(), frames.Downstream)
	s.PushFrame(frames.NewBotStoppedSpeakingFrame(), frames.Downstream)
}

func (s *TTSService) flush() error {
	if s.useStreaming && s.conn != nil && s.contextID != "" {
		flushMsg := map[string]interface{}{
			"text":       "",
			"context_id": s.contextID,
			"flush":      true,
		}
		return s.conn.WriteJSON(flushMsg)
	}
	// HTTP mode synthesizes whole utterances, so the boundary closes here.
	s.markStopped()
	return nil
}

// abortContext closes the active ElevenLabs context and opens a new one so
// queued audio for the old context is discarded.
func (s *TTSService) abortContext() {
	if !s.useStreaming || s.conn == nil || s.contextID == "" {
		return
	}

	oldContext := s.contextID
	s.contextID = uuid.New().String()

	closeMsg := map[string]interface{}{
		"context_id":    oldContext,
		"close_context": true,
	}
	if err := s.conn.WriteJSON(closeMsg); err != nil {
		logger.Warn("[ElevenLabsTTS] Error closing context: %v", err)
		return
	}

	config := map[string]interface{}{
		"text":       " ",
		"context_id": s.contextID,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}
	if err := s.conn.WriteJSON(config); err != nil {
		logger.Warn("[ElevenLabsTTS] Error opening new context: %v", err)
	}
}

func (s *TTSService) synthesizeText(text string) error {
	if text == "" {
		return nil
	}

	logger.Debug("[ElevenLabsTTS] Synthesizing: %s", text)

	if s.useStreaming && s.conn != nil {
		msg := map[string]interface{}{
			"text":                   text,
			"context_id":             s.contextID,
			"try_trigger_generation": true,
		}
		return s.conn.WriteJSON(msg)
	}
	return s.synthesizeHTTP(text)
}

func (s *TTSService) synthesizeHTTP(text string) error {
	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s",
		s.voiceID, s.outputFormat)

	requestBody := map[string]interface{}{
		"text":     text,
		"model_id": s.model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ElevenLabs API error: %s", string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	sampleRate, codec := s.parseOutputFormat()
	audioFrame := frames.NewTTSAudioFrame(audioData, sampleRate, 1)
	audioFrame.SetMetadata("codec", codec)
	return s.PushFrame(audioFrame, frames.Downstream)
}

func (s *TTSService) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			messageType, message, err := s.conn.ReadMessage()
			if err != nil {
				logger.Warn("[ElevenLabsTTS] Error reading message: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
				return
			}

			if messageType == websocket.BinaryMessage {
				sampleRate, codec := s.parseOutputFormat()
				audioFrame := frames.NewTTSAudioFrame(message, sampleRate, 1)
				audioFrame.SetMetadata("codec", codec)
				s.PushFrame(audioFrame, frames.Downstream)
				continue
			}

			var response map[string]interface{}
			if err := json.Unmarshal(message, &response); err != nil {
				logger.Warn("[ElevenLabsTTS] Error parsing response: %v", err)
				continue
			}

			if isFinal, ok := response["isFinal"].(bool); ok && isFinal {
				s.markStopped()
				continue
			}

			// Ignore audio from a context that was aborted by an interruption
			if receivedCtxID, ok := response["contextId"].(string); ok {
				if receivedCtxID != s.contextID {
					continue
				}
			}

			if audioB64, ok := response["audio"].(string); ok && audioB64 != "" {
				audioData, err := base64.StdEncoding.DecodeString(audioB64)
				if err != nil {
					logger.Warn("[ElevenLabsTTS] Error decoding base64 audio: %v", err)
					continue
				}

				sampleRate, codec := s.parseOutputFormat()
				audioFrame := frames.NewTTSAudioFrame(audioData, sampleRate, 1)
				audioFrame.SetMetadata("codec", codec)
				s.PushFrame(audioFrame, frames.Downstream)
			}
		}
	}
}

// parseOutputFormat extracts sample rate and codec from output format string
func (s *TTSService) parseOutputFormat() (int, string) {
	switch s.outputFormat {
	case "ulaw_8000":
		return 8000, "mulaw"
	case "alaw_8000":
		return 8000, "alaw"
	case "pcm_16000":
		return 16000, "linear16"
	case "pcm_22050":
		return 22050, "linear16"
	case "pcm_24000":
		return 24000, "linear16"
	case "pcm_44100":
		return 44100, "linear16"
	default:
		return 16000, "linear16"
	}
}
