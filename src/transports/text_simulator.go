package transports

import (
	"context"
	"strings"
	"sync"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
)

// TextSimulatorTransport is an in-process transport for text sessions: user
// messages go in through SendUserMessage, assistant responses come out on the
// Responses channel. It drives the same pipeline shape as the websocket
// transport, which makes it the backbone of end-to-end tests and local chat.
type TextSimulatorTransport struct {
	inputProc  *TextSimulatorInput
	outputProc *TextSimulatorOutput

	responses chan string
	events    chan string
}

// NewTextSimulatorTransport creates a simulator transport.
func NewTextSimulatorTransport() *TextSimulatorTransport {
	t := &TextSimulatorTransport{
		responses: make(chan string, 64),
		events:    make(chan string, 64),
	}
	t.inputProc = newTextSimulatorInput()
	t.outputProc = newTextSimulatorOutput(t)
	return t
}

// Input returns the input processor
func (t *TextSimulatorTransport) Input() processors.FrameProcessor {
	return t.inputProc
}

// Output returns the output processor
func (t *TextSimulatorTransport) Output() processors.FrameProcessor {
	return t.outputProc
}

// Responses delivers one complete assistant utterance per receive.
func (t *TextSimulatorTransport) Responses() <-chan string {
	return t.responses
}

// Events delivers lifecycle markers ("ready", "ended").
func (t *TextSimulatorTransport) Events() <-chan string {
	return t.events
}

// SendUserMessage injects one user turn: a speaking-start boundary, the final
// transcription and a speaking-stop boundary, matching what a voice STT
// produces.
func (t *TextSimulatorTransport) SendUserMessage(text string) error {
	if err := t.inputProc.pushFrame(frames.NewUserStartedSpeakingFrame()); err != nil {
		return err
	}
	if err := t.inputProc.pushFrame(frames.NewTranscriptionFrame(text, true)); err != nil {
		return err
	}
	return t.inputProc.pushFrame(frames.NewUserStoppedSpeakingFrame())
}

// Disconnect simulates the peer going away.
func (t *TextSimulatorTransport) Disconnect() error {
	return t.inputProc.pushFrame(frames.NewEndFrame())
}

// TextSimulatorInput feeds injected frames into the pipeline, buffering
// anything that arrives before the StartFrame has passed.
type TextSimulatorInput struct {
	*processors.BaseProcessor

	gateMu  sync.Mutex
	started bool
	pending []frames.Frame
}

func newTextSimulatorInput() *TextSimulatorInput {
	p := &TextSimulatorInput{}
	p.BaseProcessor = processors.NewBaseProcessor("TextSimulatorInput", p)
	return p
}

func (p *TextSimulatorInput) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
		if err := p.PushFrame(frame, direction); err != nil {
			return err
		}
		p.releaseGate()
		return nil
	}
	return p.PushFrame(frame, direction)
}

func (p *TextSimulatorInput) releaseGate() {
	p.gateMu.Lock()
	p.started = true
	pending := p.pending
	p.pending = nil
	p.gateMu.Unlock()

	for _, frame := range pending {
		if err := p.BaseProcessor.PushFrame(frame, frames.Downstream); err != nil {
			logger.Warn("[TextSimulatorInput] Error releasing buffered frame: %v", err)
		}
	}
}

func (p *TextSimulatorInput) pushFrame(frame frames.Frame) error {
	p.gateMu.Lock()
	if !p.started {
		p.pending = append(p.pending, frame)
		p.gateMu.Unlock()
		return nil
	}
	p.gateMu.Unlock()
	return p.BaseProcessor.PushFrame(frame, frames.Downstream)
}

// TextSimulatorOutput collects assistant output. Streamed chunks accumulate
// and publish as one complete response; verbatim say-frames publish directly.
type TextSimulatorOutput struct {
	*processors.BaseProcessor
	transport *TextSimulatorTransport

	mu       sync.Mutex
	response strings.Builder
}

func newTextSimulatorOutput(transport *TextSimulatorTransport) *TextSimulatorOutput {
	p := &TextSimulatorOutput{transport: transport}
	p.BaseProcessor = processors.NewBaseProcessor("TextSimulatorOutput", p)
	return p
}

func (p *TextSimulatorOutput) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		p.emitEvent("ready")
		return p.PushFrame(frame, direction)

	case *frames.TextFrame:
		p.mu.Lock()
		p.response.WriteString(f.Text)
		p.mu.Unlock()
		return p.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		p.mu.Lock()
		p.response.WriteString(f.Text)
		p.mu.Unlock()
		return p.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		p.mu.Lock()
		text := p.response.String()
		p.response.Reset()
		p.mu.Unlock()
		if text != "" {
			p.emitResponse(text)
		}
		return p.PushFrame(frame, direction)

	case *frames.TTSSpeakFrame:
		p.emitResponse(f.Text)
		return p.PushFrame(frame, direction)

	case *frames.EndFrame:
		p.emitEvent("ended")
		return p.PushFrame(frame, direction)

	default:
		return p.PushFrame(frame, direction)
	}
}

func (p *TextSimulatorOutput) emitResponse(text string) {
	select {
	case p.transport.responses <- text:
	default:
		logger.Warn("[TextSimulatorOutput] Response channel full, dropping message")
	}
}

func (p *TextSimulatorOutput) emitEvent(event string) {
	select {
	case p.transport.events <- event:
	default:
	}
}
