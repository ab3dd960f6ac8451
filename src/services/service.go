package services

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxmedica/voxmedica/src/processors"
)

// AIService is the base interface for all AI services (STT, TTS, LLM)
type AIService interface {
	processors.FrameProcessor

	// Service lifecycle
	Initialize(ctx context.Context) error
	Cleanup() error
}

// STTService converts speech to text
type STTService interface {
	AIService

	// Configuration
	SetLanguage(lang string)
	SetModel(model string)
}

// TTSService converts text to speech
type TTSService interface {
	AIService

	// Configuration
	SetVoice(voiceID string)
	SetModel(model string)
}

// LLMService provides language model capabilities
type LLMService interface {
	AIService

	SetModel(model string)
	SetTemperature(temp float64)
}

// LLMMessage represents a message in the conversation
type LLMMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // For assistant messages with function calls
	ToolCallID string     // For tool response messages
}

// ToolCall represents a function call made by the LLM
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function and its arguments
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Tool represents an available tool/function
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function available to the LLM
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"` // JSON schema
}

// ToolsHandle publishes the active tool schema. The flow manager is the only
// writer; LLM services read the current value at the start of each
// generation, so a transition is visible to the very next model call.
type ToolsHandle struct {
	v atomic.Value // []Tool
}

func NewToolsHandle() *ToolsHandle {
	h := &ToolsHandle{}
	h.v.Store([]Tool{})
	return h
}

func (h *ToolsHandle) Set(tools []Tool) {
	if tools == nil {
		tools = []Tool{}
	}
	h.v.Store(tools)
}

func (h *ToolsHandle) Get() []Tool {
	return h.v.Load().([]Tool)
}

// LLMContext holds the conversation context shared between the aggregators,
// the LLM service and the flow manager. Each session owns one context;
// methods are safe for the session's cooperating goroutines.
type LLMContext struct {
	mu           sync.Mutex
	messages     []LLMMessage
	SystemPrompt string
	Temperature  float64
	Tools        *ToolsHandle
}

// NewLLMContext creates a new LLM context
func NewLLMContext(systemPrompt string) *LLMContext {
	return &LLMContext{
		messages:     make([]LLMMessage, 0),
		SystemPrompt: systemPrompt,
		Temperature:  0.7,
		Tools:        NewToolsHandle(),
	}
}

func (c *LLMContext) AddUserMessage(content string) {
	c.append(LLMMessage{Role: "user", Content: content})
}

func (c *LLMContext) AddAssistantMessage(content string) {
	c.append(LLMMessage{Role: "assistant", Content: content})
}

func (c *LLMContext) AddSystemMessage(content string) {
	c.append(LLMMessage{Role: "system", Content: content})
}

// AddMessageWithToolCalls adds an assistant message with function calls
func (c *LLMContext) AddMessageWithToolCalls(toolCalls []ToolCall) {
	c.append(LLMMessage{Role: "assistant", ToolCalls: toolCalls})
}

// AddToolMessage adds a tool/function response message
func (c *LLMContext) AddToolMessage(toolCallID, content string) {
	c.append(LLMMessage{Role: "tool", Content: content, ToolCallID: toolCallID})
}

func (c *LLMContext) append(msg LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *LLMContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]LLMMessage, 0)
}

// SetMessages replaces the history wholesale (context strategies).
func (c *LLMContext) SetMessages(messages []LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]LLMMessage, len(messages))
	copy(c.messages, messages)
}

// Messages returns a snapshot of the current history in order.
func (c *LLMContext) Messages() []LLMMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LLMMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the history.
func (c *LLMContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// UpdateToolResult rewrites the content of the tool message with the given
// call id. Returns false if no such message exists (history was reset).
func (c *LLMContext) UpdateToolResult(toolCallID, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].Role == "tool" && c.messages[i].ToolCallID == toolCallID {
			c.messages[i].Content = content
			return true
		}
	}
	return false
}
