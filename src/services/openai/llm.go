package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/services"
)

const chatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// LLMService provides language model capabilities using OpenAI's streaming
// chat completions API, including tool calling.
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
	ctx         context.Context
	cancel      context.CancelFunc

	genMu     sync.Mutex
	genCancel context.CancelFunc
}

// LLMConfig holds configuration for OpenAI
type LLMConfig struct {
	APIKey      string
	Model       string // e.g., "gpt-4o", "gpt-4o-mini"
	Temperature float64
}

// NewLLMService creates a new OpenAI LLM service
func NewLLMService(config LLMConfig) *LLMService {
	s := &LLMService{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
	s.BaseProcessor = processors.NewBaseProcessor("OpenAI", s)
	return s
}

func (s *LLMService) SetModel(model string) {
	s.model = model
}

func (s *LLMService) SetTemperature(temp float64) {
	s.temperature = temp
}

func (s *LLMService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger.Info("[OpenAI] Initialized with model %s", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.LLMContextFrame:
		llmContext, ok := f.Context.(*services.LLMContext)
		if !ok {
			return nil
		}
		logger.Debug("[OpenAI] Received context with %d messages", llmContext.Len())

		s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)
		if err := s.generate(ctx, llmContext); err != nil {
			if ctx.Err() == nil {
				logger.Error("[OpenAI] Error generating response: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}
		s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		return nil

	case *frames.InterruptionFrame:
		s.cancelGeneration()
		s.HandleInterruptionFrame()
		return s.PushFrame(frame, direction)

	case *frames.CancelFrame:
		s.cancelGeneration()
		return s.PushFrame(frame, direction)

	default:
		return s.PushFrame(frame, direction)
	}
}

func (s *LLMService) cancelGeneration() {
	s.genMu.Lock()
	if s.genCancel != nil {
		s.genCancel()
	}
	s.genMu.Unlock()
}

// deltaToolCall accumulates streamed tool-call fragments keyed by index.
type deltaToolCall struct {
	id   string
	name string
	args strings.Builder
}

// generate streams one completion. Text deltas become TextFrames; completed
// tool calls become a FunctionCallsStartedFrame followed by one
// FunctionCallInProgressFrame per call, in model order. The assistant message
// itself is committed downstream, never here.
func (s *LLMService) generate(ctx context.Context, llmContext *services.LLMContext) error {
	genCtx, cancel := context.WithCancel(ctx)
	s.genMu.Lock()
	s.genCancel = cancel
	s.genMu.Unlock()
	defer func() {
		cancel()
		s.genMu.Lock()
		s.genCancel = nil
		s.genMu.Unlock()
	}()

	body, err := s.buildRequest(llmContext)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(genCtx, http.MethodPost, chatCompletionsURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("OpenAI API error (%d): %s", resp.StatusCode, string(respBody))
	}

	toolCalls := map[int]*deltaToolCall{}
	order := []int{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var streamResp struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}

		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		delta := streamResp.Choices[0].Delta
		if delta.Content != "" {
			s.PushFrame(frames.NewTextFrame(delta.Content), frames.Downstream)
		}

		for _, tc := range delta.ToolCalls {
			call, ok := toolCalls[tc.Index]
			if !ok {
				call = &deltaToolCall{}
				toolCalls[tc.Index] = call
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	return s.emitToolCalls(toolCalls, order)
}

func (s *LLMService) emitToolCalls(toolCalls map[int]*deltaToolCall, order []int) error {
	if len(order) == 0 {
		return nil
	}

	started := make([]frames.FunctionCall, 0, len(order))
	for _, idx := range order {
		call := toolCalls[idx]
		started = append(started, frames.FunctionCall{
			FunctionName: call.name,
			ToolCallID:   call.id,
		})
	}
	s.PushFrame(frames.NewFunctionCallsStartedFrame(started), frames.Downstream)

	for _, idx := range order {
		call := toolCalls[idx]
		args := map[string]interface{}{}
		raw := call.args.String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				logger.Warn("[OpenAI] Malformed tool arguments for %s: %v", call.name, err)
				args = map[string]interface{}{}
			}
		}
		s.PushFrame(frames.NewFunctionCallInProgressFrame(call.name, call.id, args), frames.Downstream)
	}
	return nil
}

// buildRequest renders the context into a chat completions payload. Tools are
// read from the context's handle at call time so the schema always reflects
// the current conversation node.
func (s *LLMService) buildRequest(llmContext *services.LLMContext) ([]byte, error) {
	messages := []map[string]interface{}{}

	if llmContext.SystemPrompt != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": llmContext.SystemPrompt,
		})
	}

	for _, msg := range llmContext.Messages() {
		message := map[string]interface{}{
			"role": msg.Role,
		}
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			message["content"] = msg.Content
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls := []map[string]interface{}{}
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   tc.ID,
					"type": tc.Type,
					"function": map[string]interface{}{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				})
			}
			message["tool_calls"] = toolCalls
		}
		if msg.ToolCallID != "" {
			message["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, message)
	}

	requestBody := map[string]interface{}{
		"model":       s.model,
		"messages":    messages,
		"temperature": s.temperature,
		"stream":      true,
	}

	if tools := llmContext.Tools.Get(); len(tools) > 0 {
		rendered := []map[string]interface{}{}
		for _, tool := range tools {
			rendered = append(rendered, map[string]interface{}{
				"type": tool.Type,
				"function": map[string]interface{}{
					"name":        tool.Function.Name,
					"description": tool.Function.Description,
					"parameters":  tool.Function.Parameters,
				},
			})
		}
		requestBody["tools"] = rendered
	}

	return json.Marshal(requestBody)
}
