package frames

import (
	"fmt"
	"time"
)

// DataFrame is the base for ordered payload frames
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries inbound raw audio (PCM unless a converter says otherwise)
type AudioFrame struct {
	*DataFrame
	Data        []byte
	SampleRate  int
	NumChannels int
}

func NewAudioFrame(data []byte, sampleRate, numChannels int) *AudioFrame {
	return &AudioFrame{
		DataFrame:   &DataFrame{BaseFrame: NewBaseFrame("AudioFrame")},
		Data:        data,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}
}

// TTSAudioFrame carries synthesized audio headed for the transport output
type TTSAudioFrame struct {
	*DataFrame
	Data        []byte
	SampleRate  int
	NumChannels int
}

func NewTTSAudioFrame(data []byte, sampleRate, numChannels int) *TTSAudioFrame {
	return &TTSAudioFrame{
		DataFrame:   &DataFrame{BaseFrame: NewBaseFrame("TTSAudioFrame")},
		Data:        data,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}
}

// TextFrame carries a chunk of text (LLM token deltas, text-mode output)
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TextFrame")},
		Text:      text,
	}
}

// LLMTextFrame carries LLM output text kept distinct from generic TextFrames
type LLMTextFrame struct {
	*DataFrame
	Text string
}

func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("LLMTextFrame")},
		Text:      text,
	}
}

// TranscriptionFrame carries one STT result fragment. Interim fragments are
// consumed by the user aggregator; only final fragments reach the context.
type TranscriptionFrame struct {
	*DataFrame
	Text      string
	UserID    string
	Timestamp time.Time
	IsFinal   bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TranscriptionFrame")},
		Text:      text,
		Timestamp: time.Now(),
		IsFinal:   isFinal,
	}
}

func (f *TranscriptionFrame) String() string {
	return fmt.Sprintf("TranscriptionFrame[id=%d, final=%v, text=%q]", f.ID(), f.IsFinal, f.Text)
}

// TTSSpeakFrame asks the TTS stage to speak text verbatim, outside of any LLM
// response (node actions, "please hold" notices)
type TTSSpeakFrame struct {
	*DataFrame
	Text string
}

func NewTTSSpeakFrame(text string) *TTSSpeakFrame {
	return &TTSSpeakFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TTSSpeakFrame")},
		Text:      text,
	}
}

// LLMContextFrame hands the shared conversation context to the LLM service
// and triggers one generation.
type LLMContextFrame struct {
	*DataFrame
	Context interface{} // *services.LLMContext; kept opaque to avoid an import cycle
}

func NewLLMContextFrame(context interface{}) *LLMContextFrame {
	return &LLMContextFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("LLMContextFrame")},
		Context:   context,
	}
}

// LLMMessagesAppendFrame appends messages to the context, optionally running
// the LLM afterwards.
type LLMMessagesAppendFrame struct {
	*DataFrame
	Messages interface{} // []services.LLMMessage
	RunLLM   bool
}

func NewLLMMessagesAppendFrame(messages interface{}, runLLM bool) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("LLMMessagesAppendFrame")},
		Messages:  messages,
		RunLLM:    runLLM,
	}
}

// LLMMessagesUpdateFrame replaces the context messages wholesale.
type LLMMessagesUpdateFrame struct {
	*DataFrame
	Messages interface{} // []services.LLMMessage
	RunLLM   bool
}

func NewLLMMessagesUpdateFrame(messages interface{}, runLLM bool) *LLMMessagesUpdateFrame {
	return &LLMMessagesUpdateFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("LLMMessagesUpdateFrame")},
		Messages:  messages,
		RunLLM:    runLLM,
	}
}

// FunctionCall identifies one model-issued function invocation.
type FunctionCall struct {
	FunctionName string
	ToolCallID   string
}

// FunctionCallsStartedFrame announces the batch of tool calls the model
// emitted in the current turn, in emission order.
type FunctionCallsStartedFrame struct {
	*DataFrame
	FunctionCalls []FunctionCall
}

func NewFunctionCallsStartedFrame(calls []FunctionCall) *FunctionCallsStartedFrame {
	return &FunctionCallsStartedFrame{
		DataFrame:     &DataFrame{BaseFrame: NewBaseFrame("FunctionCallsStartedFrame")},
		FunctionCalls: calls,
	}
}

// FunctionCallInProgressFrame carries one tool call to the flow manager.
type FunctionCallInProgressFrame struct {
	*DataFrame
	FunctionName         string
	ToolCallID           string
	Arguments            map[string]interface{}
	CancelOnInterruption bool
}

func NewFunctionCallInProgressFrame(name, toolCallID string, args map[string]interface{}) *FunctionCallInProgressFrame {
	return &FunctionCallInProgressFrame{
		DataFrame:    &DataFrame{BaseFrame: NewBaseFrame("FunctionCallInProgressFrame")},
		FunctionName: name,
		ToolCallID:   toolCallID,
		Arguments:    args,
	}
}

// FunctionCallResultFrame carries the handler's result back downstream.
// Exactly one result frame is emitted per tool call id. RunLLM, when set,
// overrides the aggregator's default decision about re-prompting the model.
type FunctionCallResultFrame struct {
	*DataFrame
	FunctionName string
	ToolCallID   string
	Arguments    map[string]interface{}
	Result       map[string]interface{}
	RunLLM       *bool
}

func NewFunctionCallResultFrame(name, toolCallID string, args, result map[string]interface{}, runLLM *bool) *FunctionCallResultFrame {
	return &FunctionCallResultFrame{
		DataFrame:    &DataFrame{BaseFrame: NewBaseFrame("FunctionCallResultFrame")},
		FunctionName: name,
		ToolCallID:   toolCallID,
		Arguments:    args,
		Result:       result,
		RunLLM:       runLLM,
	}
}

// FunctionCallCancelFrame withdraws an in-flight tool call after an
// interruption.
type FunctionCallCancelFrame struct {
	*DataFrame
	FunctionName string
	ToolCallID   string
}

func NewFunctionCallCancelFrame(name, toolCallID string) *FunctionCallCancelFrame {
	return &FunctionCallCancelFrame{
		DataFrame:    &DataFrame{BaseFrame: NewBaseFrame("FunctionCallCancelFrame")},
		FunctionName: name,
		ToolCallID:   toolCallID,
	}
}

// TransportMessageFrame carries an out-of-band structured message to the
// transport (text-mode control JSON).
type TransportMessageFrame struct {
	*DataFrame
	Message interface{}
}

func NewTransportMessageFrame(message interface{}) *TransportMessageFrame {
	return &TransportMessageFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TransportMessageFrame")},
		Message:   message,
	}
}
