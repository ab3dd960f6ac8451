package gemini

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/services"
)

// LLMService provides language model capabilities using Google Gemini via the
// official genai SDK, streaming text and tool calls.
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	client      *genai.Client
	ctx         context.Context
	cancel      context.CancelFunc

	genMu     sync.Mutex
	genCancel context.CancelFunc
}

// LLMConfig holds configuration for Gemini
type LLMConfig struct {
	APIKey      string
	Model       string // e.g., "gemini-2.0-flash"
	Temperature float64
}

// NewLLMService creates a new Gemini LLM service
func NewLLMService(config LLMConfig) *LLMService {
	s := &LLMService{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
	}
	s.BaseProcessor = processors.NewBaseProcessor("Gemini", s)
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

	client, err := genai.NewClient(s.ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return err
	}
	s.client = client

	logger.Info("[Gemini] Initialized with model %s", s.model)
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
		logger.Debug("[Gemini] Received context with %d messages", llmContext.Len())

		s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)
		if err := s.generate(ctx, llmContext); err != nil {
			if ctx.Err() == nil {
				logger.Error("[Gemini] Error generating response: %v", err)
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

	contents, system := convertMessages(llmContext)

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(s.temperature)),
	}
	if llmContext.SystemPrompt != "" {
		system = llmContext.SystemPrompt + "\n" + system
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if tools := convertTools(llmContext.Tools.Get()); tools != nil {
		config.Tools = tools
	}

	var calls []*genai.FunctionCall

	for resp, err := range s.client.Models.GenerateContentStream(genCtx, s.model, contents, config) {
		if err != nil {
			return err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				s.PushFrame(frames.NewTextFrame(part.Text), frames.Downstream)
			}
			if part.FunctionCall != nil {
				calls = append(calls, part.FunctionCall)
			}
		}
	}

	s.emitToolCalls(calls)
	return nil
}

func (s *LLMService) emitToolCalls(calls []*genai.FunctionCall) {
	if len(calls) == 0 {
		return
	}

	started := make([]frames.FunctionCall, 0, len(calls))
	ids := make([]string, len(calls))
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		ids[i] = id
		started = append(started, frames.FunctionCall{
			FunctionName: call.Name,
			ToolCallID:   id,
		})
	}
	s.PushFrame(frames.NewFunctionCallsStartedFrame(started), frames.Downstream)

	for i, call := range calls {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		s.PushFrame(frames.NewFunctionCallInProgressFrame(call.Name, ids[i], args), frames.Downstream)
	}
}

// convertMessages maps the shared context onto Gemini contents. System
// messages are folded into the system instruction; tool messages become
// function responses attributed to the call they answer.
func convertMessages(llmContext *services.LLMContext) ([]*genai.Content, string) {
	var contents []*genai.Content
	system := ""
	callNames := map[string]string{}

	for _, msg := range llmContext.Messages() {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += msg.Content

		case "user":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				parts := make([]*genai.Part, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					callNames[tc.ID] = tc.Function.Name
					args := map[string]any{}
					if tc.Function.Arguments != "" {
						_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
					}
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   tc.ID,
							Name: tc.Function.Name,
							Args: args,
						},
					})
				}
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case "tool":
			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     callNames[msg.ToolCallID],
						Response: response,
					},
				}},
			})
		}
	}

	return contents, system
}

func convertTools(tools []services.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
		}
		if params, ok := tool.Function.Parameters.(map[string]interface{}); ok {
			decl.Parameters = convertSchema(params)
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema maps a JSON-schema object onto the genai schema type.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	out := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = map[string]*genai.Schema{}
		for name, raw := range props {
			prop, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			ps := &genai.Schema{}
			switch prop["type"] {
			case "string":
				ps.Type = genai.TypeString
			case "number":
				ps.Type = genai.TypeNumber
			case "integer":
				ps.Type = genai.TypeInteger
			case "boolean":
				ps.Type = genai.TypeBoolean
			default:
				ps.Type = genai.TypeString
			}
			if desc, ok := prop["description"].(string); ok {
				ps.Description = desc
			}
			if enum, ok := prop["enum"].([]string); ok {
				ps.Enum = enum
			} else if enum, ok := prop["enum"].([]interface{}); ok {
				for _, v := range enum {
					if sv, ok := v.(string); ok {
						ps.Enum = append(ps.Enum, sv)
					}
				}
			}
			out.Properties[name] = ps
		}
	}

	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, v := range required {
			if sv, ok := v.(string); ok {
				out.Required = append(out.Required, sv)
			}
		}
	}

	return out
}
