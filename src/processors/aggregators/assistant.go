package aggregators

import (
	"context"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/services"
)

// AssistantAggregatorParams holds configuration for the assistant aggregator
type AssistantAggregatorParams struct {
	// ExpectStripped indicates the LLM service emits pre-tokenized chunks
	// that should be joined without separators.
	ExpectStripped bool
}

// DefaultAssistantAggregatorParams returns default parameters
func DefaultAssistantAggregatorParams() *AssistantAggregatorParams {
	return &AssistantAggregatorParams{ExpectStripped: true}
}

// LLMAssistantAggregator accumulates the model's streamed text between response
// boundaries and commits it to the context as one assistant message. Tool-call
// bookkeeping lives in the flow manager; this aggregator only handles text.
type LLMAssistantAggregator struct {
	*LLMContextAggregator

	// Nesting counter for LLM responses
	started int

	params *AssistantAggregatorParams
}

// NewLLMAssistantAggregator creates a new assistant aggregator
func NewLLMAssistantAggregator(context *services.LLMContext, params *AssistantAggregatorParams) *LLMAssistantAggregator {
	if params == nil {
		params = DefaultAssistantAggregatorParams()
	}

	a := &LLMAssistantAggregator{
		params: params,
	}

	a.LLMContextAggregator = NewLLMContextAggregator("LLMAssistantAggregator", context, "assistant", a)
	if params.ExpectStripped {
		a.SetAddSpaces(false)
	}
	return a
}

// HandleFrame processes frames for assistant aggregation
func (a *LLMAssistantAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.InterruptionFrame:
		// Interrupted responses commit what was actually produced so far;
		// the rest of the generation is discarded.
		if len(a.aggregation) > 0 {
			if err := a.pushAggregation(); err != nil {
				logger.Error("[%s] Error pushing aggregation on interruption: %v", a.Name(), err)
			}
		}
		a.started = 0
		if err := a.Reset(); err != nil {
			logger.Warn("[%s] Error resetting on interruption: %v", a.Name(), err)
		}
		a.HandleInterruptionFrame()
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseStartFrame:
		a.started++
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		a.started--
		if a.started <= 0 {
			if err := a.pushAggregation(); err != nil {
				logger.Error("[%s] Error pushing aggregation: %v", a.Name(), err)
			}
		}
		return a.PushFrame(frame, direction)

	case *frames.TextFrame:
		if a.started > 0 {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if a.started > 0 {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)

	case *frames.FunctionCallCancelFrame:
		logger.Debug("[%s] Function call cancelled: %s (id: %s)", a.Name(), f.FunctionName, f.ToolCallID)
		return a.PushFrame(frame, direction)

	default:
		return a.PushFrame(frame, direction)
	}
}

// pushAggregation commits the accumulated assistant text to the context.
func (a *LLMAssistantAggregator) pushAggregation() error {
	if len(a.aggregation) == 0 {
		return nil
	}

	text := a.AggregationString()
	logger.Debug("[%s] Committing assistant message: '%s'", a.Name(), text)

	if err := a.Reset(); err != nil {
		return err
	}

	if text != "" {
		a.context.AddAssistantMessage(text)
	}

	return nil
}

// Reset overrides base Reset to also clear assistant aggregator state
func (a *LLMAssistantAggregator) Reset() error {
	a.started = 0
	return a.LLMContextAggregator.Reset()
}
