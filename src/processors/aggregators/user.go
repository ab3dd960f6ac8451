package aggregators

import (
	"context"
	"time"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/services"
)

// UserAggregatorParams holds configuration for the user aggregator
type UserAggregatorParams struct {
	AggregationTimeout             time.Duration // Timeout for late transcriptions (default: 500ms)
	TurnEmulatedVADTimeout         time.Duration // Timeout for emulated VAD (default: 800ms)
	EnableEmulatedVADInterruptions bool          // Allow whispered interruptions (default: false)
}

// DefaultUserAggregatorParams returns default parameters
func DefaultUserAggregatorParams() *UserAggregatorParams {
	return &UserAggregatorParams{
		AggregationTimeout:             500 * time.Millisecond,
		TurnEmulatedVADTimeout:         800 * time.Millisecond,
		EnableEmulatedVADInterruptions: false,
	}
}

// LLMUserAggregator accumulates final transcriptions for one user turn and
// commits them as a single user message when the turn ends. A turn commits at
// most once: either on the user-stopped boundary or, for transcriptions that
// straggle in afterwards, on the aggregation timeout.
type LLMUserAggregator struct {
	*LLMContextAggregator

	// State tracking
	userSpeaking       bool
	botSpeaking        bool
	seenInterimResults bool

	// Aggregation task
	aggregationCtx    context.Context
	aggregationCancel context.CancelFunc
	aggregationEvent  chan struct{}

	// Configuration
	params *UserAggregatorParams
}

// NewLLMUserAggregator creates a new user aggregator
func NewLLMUserAggregator(context *services.LLMContext, params *UserAggregatorParams) *LLMUserAggregator {
	if params == nil {
		params = DefaultUserAggregatorParams()
	}

	u := &LLMUserAggregator{
		aggregationEvent: make(chan struct{}, 1),
		params:           params,
	}

	u.LLMContextAggregator = NewLLMContextAggregator("LLMUserAggregator", context, "user", u)
	return u
}

// HandleFrame processes frames for user aggregation
func (u *LLMUserAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		u.HandleStartFrame(f)
		logger.Debug("[%s] Interruptions: allowed=%v, strategies=%d", u.Name(), u.InterruptionsAllowed(), len(u.InterruptionStrategies()))

		u.aggregationCtx, u.aggregationCancel = context.WithCancel(ctx)
		go u.aggregationTaskHandler()

		return u.PushFrame(frame, direction)

	case *frames.EndFrame:
		if u.aggregationCancel != nil {
			u.aggregationCancel()
		}
		return u.PushFrame(frame, direction)

	case *frames.UserStartedSpeakingFrame:
		u.userSpeaking = true
		return u.PushFrame(frame, direction)

	case *frames.UserStoppedSpeakingFrame:
		u.userSpeaking = false
		if len(u.aggregation) > 0 {
			if err := u.pushAggregation(); err != nil {
				logger.Error("[%s] Error pushing aggregation: %v", u.Name(), err)
			}
		}
		return u.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		u.botSpeaking = true
		return u.PushFrame(frame, direction)

	case *frames.TTSStoppedFrame:
		u.botSpeaking = false
		return u.PushFrame(frame, direction)

	case *frames.TranscriptionFrame:
		u.handleTranscription(f)
		// Consumed: the aggregator emits an LLMContextFrame when the turn
		// commits, the raw transcription never travels further.
		return nil

	case *frames.AudioFrame:
		// User audio ends here. While the bot is speaking it feeds the
		// audio-based interruption strategies; it must not continue
		// downstream or the transport would echo it back to the caller.
		if u.botSpeaking {
			for _, strategy := range u.InterruptionStrategies() {
				if err := strategy.AppendAudio(f.Data, f.SampleRate); err != nil {
					logger.Warn("[%s] Error appending audio to strategy: %v", u.Name(), err)
				}
			}
		}
		return nil

	case *frames.LLMMessagesAppendFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			current := u.context.Messages()
			u.context.SetMessages(append(current, messages...))
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil

	case *frames.LLMMessagesUpdateFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			u.context.SetMessages(messages)
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil

	default:
		return u.PushFrame(frame, direction)
	}
}

func (u *LLMUserAggregator) handleTranscription(frame *frames.TranscriptionFrame) {
	text := frame.Text
	if text == "" {
		return
	}

	logger.Debug("[%s] Transcription (final=%v): '%s'", u.Name(), frame.IsFinal, text)

	if !frame.IsFinal {
		// Interim results never enter the aggregation; they only feed the
		// interruption strategies for early detection.
		u.seenInterimResults = true
		for _, strategy := range u.InterruptionStrategies() {
			if err := strategy.AppendText(text); err != nil {
				logger.Warn("[%s] Error appending text to strategy: %v", u.Name(), err)
			}
		}
		return
	}

	u.AppendToAggregation(text)
	u.seenInterimResults = false

	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendText(text); err != nil {
			logger.Warn("[%s] Error appending text to strategy: %v", u.Name(), err)
		}
	}

	select {
	case u.aggregationEvent <- struct{}{}:
	default:
	}

	// A final arriving after the stop boundary still commits, via the
	// timeout path or immediately when the user is no longer speaking.
	if !u.userSpeaking {
		if err := u.pushAggregation(); err != nil {
			logger.Error("[%s] Error pushing aggregation: %v", u.Name(), err)
		}
	}
}

// pushAggregation pushes the accumulated text with interruption handling
func (u *LLMUserAggregator) pushAggregation() error {
	if len(u.aggregation) == 0 {
		return nil
	}

	// If bot is speaking and we have interruption strategies, check them
	if len(u.InterruptionStrategies()) > 0 && u.botSpeaking {
		shouldInterrupt, err := u.shouldInterruptBasedOnStrategies()
		if err != nil {
			return err
		}

		if shouldInterrupt {
			logger.Info("[%s] Interruption conditions met", u.Name())
			if err := u.PushInterruptionTaskFrame(); err != nil {
				return err
			}
			return u.processAggregation()
		}

		// Input discarded: the user spoke over the bot but not enough to
		// count as an interruption.
		logger.Debug("[%s] Interruption conditions not met, discarding input", u.Name())
		return u.Reset()
	}

	return u.processAggregation()
}

// processAggregation commits the turn to the context and triggers the LLM.
func (u *LLMUserAggregator) processAggregation() error {
	text := u.AggregationString()
	logger.Debug("[%s] Committing user turn: '%s'", u.Name(), text)

	if err := u.Reset(); err != nil {
		return err
	}

	u.context.AddUserMessage(text)

	return u.PushContextFrame(frames.Downstream)
}

// shouldInterruptBasedOnStrategies checks all interruption strategies
func (u *LLMUserAggregator) shouldInterruptBasedOnStrategies() (bool, error) {
	text := u.AggregationString()

	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendText(text); err != nil {
			logger.Warn("[%s] Error appending text to strategy: %v", u.Name(), err)
			continue
		}

		shouldInterrupt, err := strategy.ShouldInterrupt()
		if err != nil {
			logger.Warn("[%s] Error checking strategy: %v", u.Name(), err)
			continue
		}

		if shouldInterrupt {
			for _, s := range u.InterruptionStrategies() {
				if err := s.Reset(); err != nil {
					logger.Warn("[%s] Error resetting strategy: %v", u.Name(), err)
				}
			}
			return true, nil
		}
	}

	return false, nil
}

// aggregationTaskHandler commits late transcriptions on a timeout.
func (u *LLMUserAggregator) aggregationTaskHandler() {
	timeout := u.params.AggregationTimeout

	for {
		select {
		case <-u.aggregationCtx.Done():
			return

		case <-time.After(timeout):
			if !u.userSpeaking && len(u.aggregation) > 0 {
				logger.Debug("[%s] Aggregation timeout, committing accumulated text", u.Name())
				if err := u.pushAggregation(); err != nil {
					logger.Error("[%s] Error pushing aggregation on timeout: %v", u.Name(), err)
				}
			}

		case <-u.aggregationEvent:
		}
	}
}

// Reset overrides base Reset to also clear user aggregator state
func (u *LLMUserAggregator) Reset() error {
	u.seenInterimResults = false
	return u.LLMContextAggregator.Reset()
}
