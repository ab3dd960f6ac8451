// voxmedica is the clinic voice agent server: it listens for one WebSocket
// call at a time, runs it through the speech pipeline and persists the
// post-call record.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxmedica/voxmedica/src/audio"
	"github.com/voxmedica/voxmedica/src/clinic"
	"github.com/voxmedica/voxmedica/src/config"
	"github.com/voxmedica/voxmedica/src/flows"
	"github.com/voxmedica/voxmedica/src/interruptions"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/serializers"
	"github.com/voxmedica/voxmedica/src/services/deepgram"
	"github.com/voxmedica/voxmedica/src/services/elevenlabs"
	"github.com/voxmedica/voxmedica/src/services/gemini"
	"github.com/voxmedica/voxmedica/src/services/openai"
	"github.com/voxmedica/voxmedica/src/session"
	"github.com/voxmedica/voxmedica/src/store"
	"github.com/voxmedica/voxmedica/src/transports"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxmedica: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded: %v", err)
	}
	cfg := config.Load()
	logger.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var records store.RecordStore
	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		records = pg
	} else {
		logger.Warn("DATABASE_URL not set; call records will not be persisted")
	}

	strategy, err := flows.ParseStrategy(cfg.ContextStrategyDefault)
	if err != nil {
		return err
	}

	graph := clinic.NewGraph(clinic.NewClient(clinic.Config{
		BaseURL: cfg.ClinicAPIBaseURL,
		APIKey:  cfg.ClinicAPIKey,
	}), cfg.Language)

	completions := session.NewCompletionClient(cfg.OpenAIAPIKey, cfg.SummarizerModel)

	supervisor := &session.Supervisor{
		Graph:               graph,
		Summarizer:          completions,
		Extractor:           session.NewExtractor(completions, records, 0.000002),
		DefaultStrategy:     strategy,
		MaxToolCallsPerTurn: cfg.MaxToolCallsPerTurn,
		RespondTimeout:      cfg.RespondTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		CancelOnIdleTimeout: true,
	}

	// One call at a time: each iteration binds the port, serves a single
	// session to completion and tears the transport down.
	for ctx.Err() == nil {
		if err := serveCall(ctx, cfg, supervisor); err != nil {
			logger.Error("Session ended with error: %v", err)
		}
	}
	return nil
}

func serveCall(ctx context.Context, cfg config.Config, supervisor *session.Supervisor) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputRate := 16000
	var audioIn processors.FrameProcessor
	if cfg.AudioCodec == "mulaw" || cfg.AudioCodec == "alaw" {
		inputRate = 8000
		audioIn = audio.NewAudioConverterProcessor(audio.AudioConverterConfig{
			InputSampleRate:  8000,
			InputCodec:       cfg.AudioCodec,
			OutputSampleRate: 16000,
			OutputCodec:      "linear16",
		})
	}

	transport := transports.NewWebSocketTransport(transports.WebSocketConfig{
		Port: cfg.Port,
		Path: "/ws",
		Serializer: serializers.NewPCMFrameSerializer(serializers.PCMSerializerConfig{
			SampleRate: inputRate,
		}),
	})

	llm, err := buildLLM(cfg)
	if err != nil {
		return err
	}

	sess, err := supervisor.NewSession(session.SessionParams{
		Transport: transport,
		AudioIn:   audioIn,
		Interruptions: []interruptions.InterruptionStrategy{
			interruptions.NewMinWordsInterruptionStrategy(cfg.InterruptMinWords),
			interruptions.NewVADBasedInterruptionStrategy(nil),
		},
		STT: deepgram.NewSTTService(deepgram.STTConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Language: languageTag(cfg.Language),
		}),
		LLM: llm,
		TTS: elevenlabs.NewTTSService(elevenlabs.TTSConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			UseStreaming: true,
		}),
	})
	if err != nil {
		return err
	}

	go func() {
		if err := transport.Start(callCtx); err != nil {
			logger.Error("Transport stopped: %v", err)
			sess.Cancel()
		}
	}()

	record, err := sess.Run(callCtx)
	if record != nil {
		logger.Info("Call %s finished: result=%s outcome=%s", sess.ID, sess.Result(), record.Outcome)
	}
	return err
}

func buildLLM(cfg config.Config) (processors.FrameProcessor, error) {
	switch cfg.LLMProvider {
	case "openai", "":
		return openai.NewLLMService(openai.LLMConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.LLMModel,
		}), nil
	case "gemini":
		return gemini.NewLLMService(gemini.LLMConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.LLMModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// languageTag maps a spoken-language name to the BCP-47 tag the STT expects.
func languageTag(language string) string {
	switch language {
	case "Italian":
		return "it"
	case "Portuguese":
		return "pt-BR"
	case "English":
		return "en-US"
	default:
		return "en-US"
	}
}
