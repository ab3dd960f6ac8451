package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/services"
)

// Summarizer condenses a conversation history into one paragraph. Used by the
// reset-with-summary context strategy.
type Summarizer interface {
	Summarize(ctx context.Context, messages []services.LLMMessage) (string, error)
}

// TaskHandle is the slice of the pipeline task the manager needs: a way to
// enqueue frames at the head of the pipeline.
type TaskHandle interface {
	QueueFrame(frame frames.Frame) error
}

// Config configures a flow manager.
type Config struct {
	// Context is the session's shared LLM context. Required.
	Context *services.LLMContext

	// DefaultStrategy applies on node entry unless the incoming node
	// overrides it.
	DefaultStrategy ContextStrategy

	// Summarizer backs StrategyResetWithSummary. When nil the strategy
	// degrades to StrategyReset with a warning.
	Summarizer Summarizer

	// MaxToolCallsPerTurn guards against runaway tool loops. Zero means 8.
	MaxToolCallsPerTurn int

	// RespondTimeout bounds the synthetic prompt issued for
	// respond-immediately nodes, including any summary generation it must
	// wait for. Zero means 30s.
	RespondTimeout time.Duration

	// State seeds the session state map (supervisor-known facts).
	State map[string]interface{}
}

// Manager is the conversation state machine. It sits in the pipeline between
// the LLM service and the TTS/output stage, intercepts tool-call frames,
// dispatches them to the current node's handlers and drives transitions.
//
// The manager is the single writer of the session state map and of the active
// tool schema; handlers run on the manager's dispatch goroutine, so state
// mutations are totally ordered within a session.
type Manager struct {
	*processors.BaseProcessor

	context         *services.LLMContext
	defaultStrategy ContextStrategy
	summarizer      Summarizer
	maxCallsPerTurn int
	respondTimeout  time.Duration

	task TaskHandle

	// Guarded by stateMu: everything below. The processor base runs a system
	// and a data goroutine, so interruption bookkeeping and dispatch can
	// overlap.
	stateMu     chan struct{} // buffered-1 semaphore, reused as a simple lock
	current     *Node
	state       map[string]interface{}
	ended       bool
	interrupted bool

	// Per-turn dispatch bookkeeping (dispatch goroutine only).
	turnCalls       int
	pendingBatch    int
	batchTransition bool
	batchRespond    bool
	turnStartNode   *Node
}

// NewManager creates a flow manager.
func NewManager(cfg Config) *Manager {
	if cfg.Context == nil {
		cfg.Context = services.NewLLMContext("")
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = 8
	}
	if cfg.RespondTimeout <= 0 {
		cfg.RespondTimeout = 30 * time.Second
	}
	state := cfg.State
	if state == nil {
		state = make(map[string]interface{})
	}

	m := &Manager{
		context:         cfg.Context,
		defaultStrategy: cfg.DefaultStrategy,
		summarizer:      cfg.Summarizer,
		maxCallsPerTurn: cfg.MaxToolCallsPerTurn,
		respondTimeout:  cfg.RespondTimeout,
		stateMu:         make(chan struct{}, 1),
		state:           state,
	}
	m.BaseProcessor = processors.NewBaseProcessor("FlowManager", m)
	return m
}

func (m *Manager) lock()   { m.stateMu <- struct{}{} }
func (m *Manager) unlock() { <-m.stateMu }

// AttachTask gives the manager its back-reference to the owning task.
func (m *Manager) AttachTask(task TaskHandle) {
	m.lock()
	defer m.unlock()
	m.task = task
}

// Context returns the session's shared LLM context.
func (m *Manager) Context() *services.LLMContext {
	return m.context
}

// CurrentNode returns the active node.
func (m *Manager) CurrentNode() *Node {
	m.lock()
	defer m.unlock()
	return m.current
}

// State returns the value stored under key, if any.
func (m *Manager) State(key string) (interface{}, bool) {
	m.lock()
	defer m.unlock()
	v, ok := m.state[key]
	return v, ok
}

// StateString returns the value under key as a string, or "" when absent.
func (m *Manager) StateString(key string) string {
	v, ok := m.State(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetState stores a value in the session state map. Only handlers and
// supervisor callbacks call this; processors never do.
func (m *Manager) SetState(key string, value interface{}) {
	m.lock()
	defer m.unlock()
	m.state[key] = value
}

// DeleteState removes a key from the session state map.
func (m *Manager) DeleteState(key string) {
	m.lock()
	defer m.unlock()
	delete(m.state, key)
}

// StateSnapshot copies the state map for post-call persistence.
func (m *Manager) StateSnapshot() map[string]interface{} {
	m.lock()
	defer m.unlock()
	out := make(map[string]interface{}, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

// Say enqueues a verbatim utterance (handlers use this for "please hold"
// notices).
func (m *Manager) Say(text string) {
	if text == "" {
		return
	}
	frame := frames.NewTTSSpeakFrame(text)
	m.lock()
	task := m.task
	m.unlock()
	if task != nil {
		if err := task.QueueFrame(frame); err != nil {
			logger.Warn("[FlowManager] Failed to queue say frame: %v", err)
		}
		return
	}
	if err := m.PushFrame(frame, frames.Downstream); err != nil {
		logger.Warn("[FlowManager] Failed to push say frame: %v", err)
	}
}

// EndSession optionally speaks a goodbye and ends the session gracefully.
func (m *Manager) EndSession(text string) {
	m.Say(text)
	m.lock()
	m.ended = true
	task := m.task
	m.unlock()
	frame := frames.NewEndFrame()
	if task != nil {
		if err := task.QueueFrame(frame); err != nil {
			logger.Warn("[FlowManager] Failed to queue end frame: %v", err)
		}
		return
	}
	if err := m.PushFrame(frame, frames.Downstream); err != nil {
		logger.Warn("[FlowManager] Failed to push end frame: %v", err)
	}
}

// Ended reports whether an end-conversation action ran.
func (m *Manager) Ended() bool {
	m.lock()
	defer m.unlock()
	return m.ended
}

// Initialize makes node the first current node: applies its messages,
// publishes its tool schema, runs pre-actions and, for respond-immediately
// nodes, issues the synthetic prompt so the model speaks first.
func (m *Manager) Initialize(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("initialize requires a node")
	}
	m.lock()
	if m.current != nil {
		m.unlock()
		return fmt.Errorf("manager already initialized with node %q", m.current.Name)
	}
	m.current = node
	m.unlock()

	for _, msg := range node.RoleMessages {
		m.context.AddSystemMessage(msg)
	}
	for _, msg := range node.TaskMessages {
		m.context.AddSystemMessage(msg)
	}
	m.publishTools(node)

	if err := m.runActions(ctx, node.PreActions); err != nil {
		return fmt.Errorf("pre-actions for %q: %w", node.Name, err)
	}

	if node.RespondImmediately {
		m.promptModel()
	}
	logger.Info("[FlowManager] Initialized at node %q", node.Name)
	return nil
}

// publishTools makes the node's function surface the active tool schema.
// Invariant: the schema the LLM sees always equals the current node's
// functions.
func (m *Manager) publishTools(node *Node) {
	tools := make([]services.Tool, 0, len(node.Functions))
	for _, fn := range node.Functions {
		tools = append(tools, services.Tool{
			Type: "function",
			Function: services.ToolFunction{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  ToolSchema(fn),
			},
		})
	}
	m.context.Tools.Set(tools)
}

// promptModel issues a synthetic prompt: the model generates from the current
// context without any inbound transcript.
func (m *Manager) promptModel() {
	if err := m.PushFrame(frames.NewLLMContextFrame(m.context), frames.Upstream); err != nil {
		logger.Warn("[FlowManager] Failed to push synthetic prompt: %v", err)
	}
}

// HandleFrame intercepts tool-call frames and turn boundaries; everything
// else passes through untouched.
func (m *Manager) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		m.HandleStartFrame(f)
		return m.PushFrame(frame, direction)

	case *frames.LLMFullResponseStartFrame:
		m.turnCalls = 0
		m.lock()
		m.interrupted = false
		m.unlock()
		return m.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		// The model's generation is cancelled and unspoken text discarded
		// elsewhere; queued tool calls still dispatch so no transition is
		// lost, but the post-batch re-prompt is suppressed.
		m.lock()
		m.interrupted = true
		m.unlock()
		return m.PushFrame(frame, direction)

	case *frames.FunctionCallsStartedFrame:
		m.pendingBatch = len(f.FunctionCalls)
		m.batchTransition = false
		m.batchRespond = false
		m.lock()
		m.turnStartNode = m.current
		m.unlock()
		return m.PushFrame(frame, direction)

	case *frames.FunctionCallInProgressFrame:
		if direction != frames.Downstream {
			return m.PushFrame(frame, direction)
		}
		m.dispatch(ctx, f)
		return nil

	default:
		return m.PushFrame(frame, direction)
	}
}

// dispatch runs the transition protocol for one tool call. Exactly one
// tool-result frame is emitted per call id, always in order after the call.
func (m *Manager) dispatch(ctx context.Context, call *frames.FunctionCallInProgressFrame) {
	m.turnCalls++
	if m.pendingBatch > 0 {
		m.pendingBatch--
	}

	m.lock()
	node := m.current
	m.unlock()
	if node == nil {
		m.finishCall(call, Result{"error": "not_initialized"})
		return
	}

	if m.turnCalls > m.maxCallsPerTurn {
		logger.Warn("[FlowManager] Tool call budget exceeded (%d) for %q", m.maxCallsPerTurn, call.FunctionName)
		m.finishCall(call, Result{"error": "too_many_tool_calls"})
		return
	}

	schema, ok := node.Function(call.FunctionName)
	if !ok {
		kind := "unknown_function"
		m.lock()
		prev := m.turnStartNode
		m.unlock()
		if prev != nil && prev != node {
			if _, was := prev.Function(call.FunctionName); was {
				kind = "stale_function"
			}
		}
		logger.Warn("[FlowManager] Rejected call %q at node %q: %s", call.FunctionName, node.Name, kind)
		m.finishCall(call, Result{"error": kind})
		return
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if problems := ValidateArguments(schema, args); len(problems) > 0 {
		m.finishCall(call, Result{
			"error":    "validation_failed",
			"problems": problems,
		})
		return
	}

	result, next, err := m.invokeHandler(ctx, schema, args)
	if err != nil {
		// Handler failures never end the session; the model is told and the
		// node stays put.
		logger.Error("[FlowManager] Handler %q failed: %v", call.FunctionName, err)
		m.finishCall(call, Result{"error": err.Error()})
		return
	}
	if result == nil {
		result = Result{}
	}

	m.recordCall(call, result)

	if next != nil {
		m.batchTransition = true
		if err := m.transition(ctx, node, next); err != nil {
			logger.Error("[FlowManager] Transition %q -> %q failed: %v", node.Name, next.Name, err)
		} else if next.RespondImmediately {
			m.batchRespond = true
		}
	}

	m.emitResult(call, result)
	m.maybeReprompt()
}

// invokeHandler calls the handler with panic containment: a panicking handler
// is reported as an error result, never as a session crash.
func (m *Manager) invokeHandler(ctx context.Context, schema FunctionSchema, args map[string]interface{}) (result Result, next *Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			next = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if schema.Handler == nil {
		return nil, nil, fmt.Errorf("function %q has no handler", schema.Name)
	}
	return schema.Handler(ctx, args, m)
}

// finishCall records and emits an error result, then re-prompts if the batch
// is done.
func (m *Manager) finishCall(call *frames.FunctionCallInProgressFrame, result Result) {
	m.recordCall(call, result)
	m.emitResult(call, result)
	m.maybeReprompt()
}

// recordCall appends the assistant tool-call message and its tool result to
// the context. The manager owns tool bookkeeping so the context is already
// consistent when a synthetic prompt fires.
func (m *Manager) recordCall(call *frames.FunctionCallInProgressFrame, result Result) {
	argsJSON, err := json.Marshal(call.Arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}
	m.context.AddMessageWithToolCalls([]services.ToolCall{{
		ID:   call.ToolCallID,
		Type: "function",
		Function: services.FunctionCall{
			Name:      call.FunctionName,
			Arguments: string(argsJSON),
		},
	}})

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(`{"error":"unserializable result"}`)
	}
	m.context.AddToolMessage(call.ToolCallID, string(resultJSON))
}

// emitResult pushes the single tool-result frame for this call id.
func (m *Manager) emitResult(call *frames.FunctionCallInProgressFrame, result Result) {
	frame := frames.NewFunctionCallResultFrame(call.FunctionName, call.ToolCallID, call.Arguments, result, nil)
	if err := m.PushFrame(frame, frames.Downstream); err != nil {
		logger.Warn("[FlowManager] Failed to push tool result for %s: %v", call.ToolCallID, err)
	}
}

// transition moves the conversation to next: post-actions of the outgoing
// node, the incoming node's context strategy, tool schema publication,
// pre-actions, in that order.
func (m *Manager) transition(ctx context.Context, from, next *Node) error {
	if err := m.runActions(ctx, from.PostActions); err != nil {
		return fmt.Errorf("post-actions for %q: %w", from.Name, err)
	}

	if err := m.applyStrategy(ctx, next); err != nil {
		return err
	}

	m.lock()
	m.current = next
	m.unlock()
	m.publishTools(next)

	if err := m.runActions(ctx, next.PreActions); err != nil {
		return fmt.Errorf("pre-actions for %q: %w", next.Name, err)
	}

	logger.Info("[FlowManager] Transition %q -> %q (strategy=%s)", from.Name, next.Name, m.strategyFor(next))
	return nil
}

func (m *Manager) strategyFor(node *Node) ContextStrategy {
	if node.Strategy != nil {
		return *node.Strategy
	}
	return m.defaultStrategy
}

// applyStrategy rewrites the model-visible history on node entry. The summary
// for reset-with-summary completes here, synchronously, before any synthetic
// prompt can be issued for the incoming node.
func (m *Manager) applyStrategy(ctx context.Context, next *Node) error {
	strategy := m.strategyFor(next)

	switch strategy {
	case StrategyAppend:
		for _, msg := range next.RoleMessages {
			m.context.AddSystemMessage(msg)
		}
		for _, msg := range next.TaskMessages {
			m.context.AddSystemMessage(msg)
		}
		return nil

	case StrategyReset:
		m.context.SetMessages(m.entryMessages(next, ""))
		return nil

	case StrategyResetWithSummary:
		summary := ""
		if m.summarizer == nil {
			logger.Warn("[FlowManager] No summarizer configured; falling back to reset for %q", next.Name)
		} else {
			sctx, cancel := context.WithTimeout(ctx, m.respondTimeout)
			defer cancel()
			s, err := m.summarizer.Summarize(sctx, m.context.Messages())
			if err != nil {
				logger.Warn("[FlowManager] Summary failed, falling back to reset: %v", err)
			} else {
				summary = s
			}
		}
		m.context.SetMessages(m.entryMessages(next, summary))
		return nil

	default:
		return fmt.Errorf("unknown context strategy %v", strategy)
	}
}

// entryMessages builds role_messages ++ [summary] ++ task_messages.
func (m *Manager) entryMessages(node *Node, summary string) []services.LLMMessage {
	msgs := make([]services.LLMMessage, 0, len(node.RoleMessages)+len(node.TaskMessages)+1)
	for _, msg := range node.RoleMessages {
		msgs = append(msgs, services.LLMMessage{Role: "system", Content: msg})
	}
	if summary != "" {
		msgs = append(msgs, services.LLMMessage{Role: "assistant", Content: summary})
	}
	for _, msg := range node.TaskMessages {
		msgs = append(msgs, services.LLMMessage{Role: "system", Content: msg})
	}
	return msgs
}

// runActions executes side-effect directives in order.
func (m *Manager) runActions(ctx context.Context, actions []Action) error {
	for _, action := range actions {
		switch action.Type {
		case ActionTTSSay:
			m.Say(action.Text)
		case ActionEndConversation:
			m.EndSession(action.Text)
		case ActionFunction:
			if action.Fn == nil {
				continue
			}
			if err := action.Fn(ctx, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeReprompt runs once the current tool-call batch is exhausted. A turn
// whose calls all stayed in place continues in the same model turn; a
// transition to a respond-immediately node issues the synthetic prompt; a
// transition to a passive node waits for the user.
func (m *Manager) maybeReprompt() {
	if m.pendingBatch > 0 {
		return
	}

	m.lock()
	interrupted := m.interrupted
	ended := m.ended
	m.unlock()
	if interrupted || ended {
		return
	}

	if !m.batchTransition || m.batchRespond {
		m.promptModel()
	}
	m.batchTransition = false
	m.batchRespond = false
}
