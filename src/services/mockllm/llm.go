// Package mockllm provides a scripted LLM service for deterministic pipeline
// tests: each context frame consumes one scripted turn instead of calling a
// real model.
package mockllm

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/services"
)

// Call scripts one tool call within a turn.
type Call struct {
	Name string
	Args map[string]interface{}
}

// Turn scripts one model generation: text chunks first, tool calls after,
// matching the order a real streaming service produces them.
type Turn struct {
	Texts []string
	Calls []Call
}

// LLMService replays scripted turns in order. When the script runs out it
// emits nothing, which keeps a test from hanging on unexpected extra turns.
type LLMService struct {
	*processors.BaseProcessor

	mu     sync.Mutex
	turns  []Turn
	cursor int
	nextID int

	// Prompts records every context the service was asked to complete, as
	// message snapshots, for assertions on what the model would have seen.
	prompts [][]services.LLMMessage
}

// NewLLMService creates a mock LLM that replays the given turns.
func NewLLMService(turns []Turn) *LLMService {
	s := &LLMService{turns: turns}
	s.BaseProcessor = processors.NewBaseProcessor("MockLLM", s)
	return s
}

// Append adds more scripted turns after construction.
func (s *LLMService) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Prompts returns the context snapshots seen so far.
func (s *LLMService) Prompts() [][]services.LLMMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]services.LLMMessage, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// TurnsConsumed reports how many scripted turns have been played.
func (s *LLMService) TurnsConsumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *LLMService) SetModel(model string)       {}
func (s *LLMService) SetTemperature(temp float64) {}

func (s *LLMService) Initialize(ctx context.Context) error { return nil }
func (s *LLMService) Cleanup() error                       { return nil }

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	contextFrame, ok := frame.(*frames.LLMContextFrame)
	if !ok {
		return s.PushFrame(frame, direction)
	}

	llmContext, ok := contextFrame.Context.(*services.LLMContext)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, llmContext.Messages())
	var turn *Turn
	if s.cursor < len(s.turns) {
		turn = &s.turns[s.cursor]
		s.cursor++
	}
	s.mu.Unlock()

	if turn == nil {
		logger.Warn("[MockLLM] Script exhausted, ignoring context frame")
		return nil
	}

	s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)
	for _, text := range turn.Texts {
		s.PushFrame(frames.NewTextFrame(text), frames.Downstream)
	}
	s.emitCalls(turn.Calls)
	s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
	return nil
}

func (s *LLMService) emitCalls(calls []Call) {
	if len(calls) == 0 {
		return
	}

	ids := make([]string, len(calls))
	started := make([]frames.FunctionCall, 0, len(calls))
	s.mu.Lock()
	for i, call := range calls {
		s.nextID++
		ids[i] = fmt.Sprintf("call_%04d", s.nextID)
		started = append(started, frames.FunctionCall{
			FunctionName: call.Name,
			ToolCallID:   ids[i],
		})
	}
	s.mu.Unlock()

	s.PushFrame(frames.NewFunctionCallsStartedFrame(started), frames.Downstream)
	for i, call := range calls {
		args := call.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		s.PushFrame(frames.NewFunctionCallInProgressFrame(call.Name, ids[i], args), frames.Downstream)
	}
}
