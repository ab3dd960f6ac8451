package flows

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/services"
)

// frameRecorder is a synchronous FrameProcessor stand-in: QueueFrame appends
// to a slice instead of feeding goroutine channels, so dispatch ordering is
// directly observable.
type frameRecorder struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (r *frameRecorder) ProcessFrame(ctx context.Context, f frames.Frame, d frames.FrameDirection) error {
	return nil
}

func (r *frameRecorder) QueueFrame(f frames.Frame, d frames.FrameDirection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) PushFrame(f frames.Frame, d frames.FrameDirection) error { return nil }
func (r *frameRecorder) Link(next processors.FrameProcessor)                     {}
func (r *frameRecorder) SetPrev(prev processors.FrameProcessor)                  {}
func (r *frameRecorder) Start(ctx context.Context) error                         { return nil }
func (r *frameRecorder) Stop() error                                             { return nil }
func (r *frameRecorder) Name() string                                            { return "recorder" }

func (r *frameRecorder) all() []frames.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frames.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *frameRecorder) results() []*frames.FunctionCallResultFrame {
	var out []*frames.FunctionCallResultFrame
	for _, f := range r.all() {
		if rf, ok := f.(*frames.FunctionCallResultFrame); ok {
			out = append(out, rf)
		}
	}
	return out
}

func (r *frameRecorder) prompts() int {
	n := 0
	for _, f := range r.all() {
		if _, ok := f.(*frames.LLMContextFrame); ok {
			n++
		}
	}
	return n
}

type recordingTask struct {
	mu     sync.Mutex
	queued []frames.Frame
}

func (t *recordingTask) QueueFrame(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = append(t.queued, f)
	return nil
}

func (t *recordingTask) has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.queued {
		if f.Name() == name {
			return true
		}
	}
	return false
}

type stubSummarizer struct {
	summary string
	err     error
	called  bool
	// promptsWhenCalled snapshots the upstream prompt count at call time to
	// prove the summary completed before any synthetic prompt.
	promptsWhenCalled int
	upstream          *frameRecorder
}

func (s *stubSummarizer) Summarize(ctx context.Context, msgs []services.LLMMessage) (string, error) {
	s.called = true
	if s.upstream != nil {
		s.promptsWhenCalled = s.upstream.prompts()
	}
	return s.summary, s.err
}

// testHarness wires a manager between two recorders.
type testHarness struct {
	manager  *Manager
	upstream *frameRecorder
	down     *frameRecorder
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	m := NewManager(cfg)
	up := &frameRecorder{}
	down := &frameRecorder{}
	m.SetPrev(up)
	m.Link(down)
	return &testHarness{manager: m, upstream: up, down: down}
}

// Link/SetPrev on the recorder don't satisfy processors.FrameProcessor; wire
// through the base directly.
func (h *testHarness) callBatch(t *testing.T, calls ...*frames.FunctionCallInProgressFrame) {
	t.Helper()
	ctx := context.Background()
	started := make([]frames.FunctionCall, 0, len(calls))
	for _, c := range calls {
		started = append(started, frames.FunctionCall{FunctionName: c.FunctionName, ToolCallID: c.ToolCallID})
	}
	if err := h.manager.HandleFrame(ctx, frames.NewFunctionCallsStartedFrame(started), frames.Downstream); err != nil {
		t.Fatalf("handling calls-started frame: %v", err)
	}
	for _, c := range calls {
		if err := h.manager.HandleFrame(ctx, c, frames.Downstream); err != nil {
			t.Fatalf("handling call %s: %v", c.FunctionName, err)
		}
	}
}

func staticNode(name string, fns ...FunctionSchema) *Node {
	return &Node{
		Name:         name,
		RoleMessages: []string{"role for " + name},
		TaskMessages: []string{"task for " + name},
		Functions:    fns,
	}
}

func resultError(t *testing.T, r *frames.FunctionCallResultFrame) string {
	t.Helper()
	v, _ := r.Result["error"].(string)
	return v
}

func TestInitializePublishesNode(t *testing.T) {
	h := newHarness(t, Config{})
	node := staticNode("start", FunctionSchema{Name: "go"})
	node.RespondImmediately = true

	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	msgs := h.manager.Context().Messages()
	if len(msgs) != 2 || msgs[0].Content != "role for start" || msgs[1].Content != "task for start" {
		t.Fatalf("unexpected initial context: %+v", msgs)
	}
	tools := h.manager.Context().Tools.Get()
	if len(tools) != 1 || tools[0].Function.Name != "go" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if h.upstream.prompts() != 1 {
		t.Fatalf("expected one synthetic prompt, got %d", h.upstream.prompts())
	}

	if err := h.manager.Initialize(context.Background(), node); err == nil {
		t.Fatal("expected error on double initialize")
	}
}

func TestDispatchTransitions(t *testing.T) {
	h := newHarness(t, Config{})

	next := staticNode("greeting")
	next.RespondImmediately = true
	router := staticNode("router", FunctionSchema{
		Name: "route_to_info",
		Properties: map[string]ParameterSpec{
			"user_query": {Type: "string"},
		},
		Required: []string{"user_query"},
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			m.SetState("current_agent", "info")
			return Result{"routed": "info"}, next, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), router); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("route_to_info", "call_1",
		map[string]interface{}{"user_query": "Quanto costa un esame del sangue?"}))

	results := h.down.results()
	if len(results) != 1 {
		t.Fatalf("expected exactly one tool result, got %d", len(results))
	}
	if results[0].ToolCallID != "call_1" || results[0].Result["routed"] != "info" {
		t.Fatalf("unexpected result frame: %+v", results[0])
	}
	if got := h.manager.CurrentNode().Name; got != "greeting" {
		t.Fatalf("expected transition to greeting, got %q", got)
	}
	if agent := h.manager.StateString("current_agent"); agent != "info" {
		t.Fatalf("expected state current_agent=info, got %q", agent)
	}
	if h.upstream.prompts() != 1 {
		t.Fatalf("respond-immediately target should yield one synthetic prompt, got %d", h.upstream.prompts())
	}

	// Tool bookkeeping lands in the context before any re-prompt: assistant
	// tool-call message followed by its tool result.
	msgs := h.manager.Context().Messages()
	var sawCall, sawResult bool
	for _, msg := range msgs {
		if msg.Role == "assistant" && len(msg.ToolCalls) == 1 && msg.ToolCalls[0].ID == "call_1" {
			sawCall = true
		}
		if msg.Role == "tool" && msg.ToolCallID == "call_1" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("tool call/result missing from context: %+v", msgs)
	}
}

func TestUnknownFunction(t *testing.T) {
	h := newHarness(t, Config{})
	node := staticNode("greeting", FunctionSchema{Name: "answer_question"})
	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("frobnicate", "call_1", map[string]interface{}{}))

	results := h.down.results()
	if len(results) != 1 {
		t.Fatalf("expected exactly one tool result, got %d", len(results))
	}
	if resultError(t, results[0]) != "unknown_function" {
		t.Fatalf("expected unknown_function, got %+v", results[0].Result)
	}
	if got := h.manager.CurrentNode().Name; got != "greeting" {
		t.Fatalf("node changed on unknown function: %q", got)
	}
}

func TestStaleFunctionAfterSiblingTransition(t *testing.T) {
	h := newHarness(t, Config{})

	nodeB := staticNode("b")
	nodeA := staticNode("a",
		FunctionSchema{
			Name: "fn_a",
			Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
				return Result{"ok": true}, nodeB, nil
			},
		},
		FunctionSchema{
			Name: "fn_b",
			Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
				t.Error("fn_b handler must not run after sibling transition")
				return nil, nil, nil
			},
		},
	)
	if err := h.manager.Initialize(context.Background(), nodeA); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t,
		frames.NewFunctionCallInProgressFrame("fn_a", "call_1", nil),
		frames.NewFunctionCallInProgressFrame("fn_b", "call_2", nil),
	)

	results := h.down.results()
	if len(results) != 2 {
		t.Fatalf("expected two tool results, got %d", len(results))
	}
	if resultError(t, results[1]) != "stale_function" {
		t.Fatalf("expected stale_function for fn_b, got %+v", results[1].Result)
	}
	if got := h.manager.CurrentNode().Name; got != "b" {
		t.Fatalf("expected to stay on b, got %q", got)
	}
}

func TestValidationFailure(t *testing.T) {
	h := newHarness(t, Config{})
	invoked := false
	node := staticNode("n", FunctionSchema{
		Name: "f",
		Properties: map[string]ParameterSpec{
			"kind": {Type: "string", Enum: []string{"x", "y"}},
		},
		Required: []string{"kind"},
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			invoked = true
			return Result{}, nil, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cases := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing required", map[string]interface{}{}},
		{"enum violation", map[string]interface{}{"kind": "z"}},
		{"wrong type", map[string]interface{}{"kind": 42}},
	}
	for i, tc := range cases {
		h.callBatch(t, frames.NewFunctionCallInProgressFrame("f", fmt.Sprintf("call_%d", i), tc.args))
	}

	results := h.down.results()
	if len(results) != len(cases) {
		t.Fatalf("expected %d results, got %d", len(cases), len(results))
	}
	for i, r := range results {
		if resultError(t, r) != "validation_failed" {
			t.Errorf("%s: expected validation_failed, got %+v", cases[i].name, r.Result)
		}
		if problems, ok := r.Result["problems"].([]string); !ok || len(problems) == 0 {
			t.Errorf("%s: expected problems list, got %+v", cases[i].name, r.Result["problems"])
		}
	}
	if invoked {
		t.Fatal("handler ran despite invalid arguments")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, Config{})
	node := staticNode("n",
		FunctionSchema{
			Name: "boom",
			Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
				panic("kaput")
			},
		},
		FunctionSchema{
			Name: "fine",
			Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
				return Result{"ok": true}, nil, nil
			},
		},
	)
	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("boom", "call_1", nil))

	results := h.down.results()
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if msg := resultError(t, results[0]); !strings.Contains(msg, "handler panic") {
		t.Fatalf("expected panic error, got %q", msg)
	}
	if got := h.manager.CurrentNode().Name; got != "n" {
		t.Fatalf("node changed on panic: %q", got)
	}

	// The session stays live: the next call dispatches normally.
	h.callBatch(t, frames.NewFunctionCallInProgressFrame("fine", "call_2", nil))
	results = h.down.results()
	if len(results) != 2 || results[1].Result["ok"] != true {
		t.Fatalf("dispatch after panic failed: %+v", results)
	}
}

func TestMaxToolCallsPerTurn(t *testing.T) {
	h := newHarness(t, Config{MaxToolCallsPerTurn: 2})
	node := staticNode("n", FunctionSchema{
		Name: "f",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{"ok": true}, nil, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t,
		frames.NewFunctionCallInProgressFrame("f", "call_1", nil),
		frames.NewFunctionCallInProgressFrame("f", "call_2", nil),
		frames.NewFunctionCallInProgressFrame("f", "call_3", nil),
	)

	results := h.down.results()
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if resultError(t, results[2]) != "too_many_tool_calls" {
		t.Fatalf("expected too_many_tool_calls, got %+v", results[2].Result)
	}

	// A new model turn resets the budget.
	if err := h.manager.HandleFrame(context.Background(), frames.NewLLMFullResponseStartFrame(), frames.Downstream); err != nil {
		t.Fatalf("handling response start: %v", err)
	}
	h.callBatch(t, frames.NewFunctionCallInProgressFrame("f", "call_4", nil))
	results = h.down.results()
	if resultError(t, results[3]) != "" {
		t.Fatalf("budget did not reset: %+v", results[3].Result)
	}
}

func TestResetStrategy(t *testing.T) {
	h := newHarness(t, Config{})

	nodeB := staticNode("b")
	nodeB.Strategy = StrategyPtr(StrategyReset)
	nodeA := staticNode("a", FunctionSchema{
		Name: "advance",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{}, nodeB, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), nodeA); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.manager.Context().AddUserMessage("hi")
	h.manager.Context().AddAssistantMessage("hi")

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("advance", "call_1", nil))

	msgs := h.manager.Context().Messages()
	want := []string{"role for b", "task for b"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages after reset, got %+v", len(want), msgs)
	}
	for i, content := range want {
		if msgs[i].Role != "system" || msgs[i].Content != content {
			t.Fatalf("message %d: expected system %q, got %+v", i, content, msgs[i])
		}
	}
}

func TestResetWithSummaryOrdering(t *testing.T) {
	upstream := &frameRecorder{}
	summarizer := &stubSummarizer{summary: "the caller booked a blood test", upstream: upstream}
	m := NewManager(Config{Summarizer: summarizer})
	down := &frameRecorder{}
	m.SetPrev(upstream)
	m.Link(down)
	h := &testHarness{manager: m, upstream: upstream, down: down}

	nodeB := staticNode("b")
	nodeB.Strategy = StrategyPtr(StrategyResetWithSummary)
	nodeB.RespondImmediately = true
	nodeA := staticNode("a", FunctionSchema{
		Name: "advance",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{}, nodeB, nil
		},
	})
	if err := m.Initialize(context.Background(), nodeA); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m.Context().AddUserMessage("I'd like a blood test")

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("advance", "call_1", nil))

	if !summarizer.called {
		t.Fatal("summarizer was not called")
	}
	if summarizer.promptsWhenCalled != 0 {
		t.Fatal("synthetic prompt was issued before the summary completed")
	}
	if upstream.prompts() != 1 {
		t.Fatalf("expected one synthetic prompt after summary, got %d", upstream.prompts())
	}

	msgs := m.Context().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected role+summary+task, got %+v", msgs)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != summarizer.summary {
		t.Fatalf("summary not placed between role and task messages: %+v", msgs)
	}
}

func TestResetWithSummaryFallsBackOnError(t *testing.T) {
	summarizer := &stubSummarizer{err: fmt.Errorf("model unavailable")}
	h := newHarness(t, Config{Summarizer: summarizer})

	nodeB := staticNode("b")
	nodeB.Strategy = StrategyPtr(StrategyResetWithSummary)
	nodeA := staticNode("a", FunctionSchema{
		Name: "advance",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{}, nodeB, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), nodeA); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.manager.Context().AddUserMessage("hello")

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("advance", "call_1", nil))

	msgs := h.manager.Context().Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected plain reset shape on summary failure, got %+v", msgs)
	}
}

func TestInterruptionSuppressesReprompt(t *testing.T) {
	h := newHarness(t, Config{})
	node := staticNode("n", FunctionSchema{
		Name: "f",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{"ok": true}, nil, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), node); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := h.manager.HandleFrame(context.Background(), frames.NewInterruptionFrame(), frames.Downstream); err != nil {
		t.Fatalf("handling interruption: %v", err)
	}
	h.callBatch(t, frames.NewFunctionCallInProgressFrame("f", "call_1", nil))

	if len(h.down.results()) != 1 {
		t.Fatal("queued call must still dispatch after interruption")
	}
	if h.upstream.prompts() != 0 {
		t.Fatal("re-prompt must be suppressed after interruption")
	}
}

func TestEndConversationAction(t *testing.T) {
	h := newHarness(t, Config{})
	task := &recordingTask{}
	h.manager.AttachTask(task)

	goodbye := staticNode("goodbye")
	goodbye.PreActions = []Action{EndConversation("bye now")}
	start := staticNode("start", FunctionSchema{
		Name: "end_call",
		Handler: func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error) {
			return Result{"ok": true}, goodbye, nil
		},
	})
	if err := h.manager.Initialize(context.Background(), start); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.callBatch(t, frames.NewFunctionCallInProgressFrame("end_call", "call_1", nil))

	if !h.manager.Ended() {
		t.Fatal("manager should report ended")
	}
	if !task.has("TTSSpeakFrame") {
		t.Fatal("goodbye text was not queued")
	}
	if !task.has("EndFrame") {
		t.Fatal("end frame was not queued")
	}
	if h.upstream.prompts() != 0 {
		t.Fatal("no re-prompt after the session ended")
	}
}
