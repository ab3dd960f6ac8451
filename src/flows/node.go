// Package flows implements the conversation flow engine: conversations are
// dynamic directed graphs of nodes, each exposing a set of tool functions to
// the language model, and transitions happen as a side effect of tool
// invocation.
package flows

import (
	"context"
	"fmt"
	"strings"
)

// ContextStrategy decides which prior messages the model still sees after a
// node transition.
type ContextStrategy int

const (
	// StrategyAppend keeps all prior turns (default).
	StrategyAppend ContextStrategy = iota
	// StrategyReset discards prior turns; only the new node's preamble and
	// directive remain.
	StrategyReset
	// StrategyResetWithSummary replaces prior turns with a model-generated
	// one-paragraph summary.
	StrategyResetWithSummary
)

func (s ContextStrategy) String() string {
	switch s {
	case StrategyAppend:
		return "append"
	case StrategyReset:
		return "reset"
	case StrategyResetWithSummary:
		return "reset_with_summary"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a ContextStrategy.
func ParseStrategy(s string) (ContextStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return StrategyAppend, nil
	case "reset":
		return StrategyReset, nil
	case "reset_with_summary":
		return StrategyResetWithSummary, nil
	default:
		return StrategyAppend, fmt.Errorf("unknown context strategy %q", s)
	}
}

// ParameterSpec describes one function parameter in JSON-schema terms.
type ParameterSpec struct {
	Type        string   // "string", "number", "integer", "boolean"
	Description string
	Enum        []string // optional; only meaningful for string parameters
}

// Result is the map a handler returns to the model as tool output.
type Result = map[string]interface{}

// Handler is the code behind one tool function: the only place domain state
// mutates. Returning a nil next node means "stay in the current node".
type Handler func(ctx context.Context, args map[string]interface{}, m *Manager) (Result, *Node, error)

// FunctionSchema describes one tool function exposed to the model.
type FunctionSchema struct {
	Name        string
	Description string
	Properties  map[string]ParameterSpec
	Required    []string
	Handler     Handler
}

// ActionType enumerates the side-effect directives a node can run on entry or
// exit.
type ActionType int

const (
	ActionTTSSay ActionType = iota
	ActionEndConversation
	ActionFunction
)

// Action is one pre/post side-effect directive.
type Action struct {
	Type ActionType
	Text string
	Fn   func(ctx context.Context, m *Manager) error
}

// TTSSay returns an action that speaks text verbatim.
func TTSSay(text string) Action {
	return Action{Type: ActionTTSSay, Text: text}
}

// EndConversation returns an action that optionally speaks a goodbye and then
// ends the session gracefully.
func EndConversation(text string) Action {
	return Action{Type: ActionEndConversation, Text: text}
}

// RunFunc returns an action that invokes an arbitrary side effect.
func RunFunc(fn func(ctx context.Context, m *Manager) error) Action {
	return Action{Type: ActionFunction, Fn: fn}
}

// Node is an immutable description of a conversation state. Nodes are value
// types assembled by factory functions; they are never mutated after
// construction.
type Node struct {
	Name string

	// RoleMessages is the system-role preamble injected when the node becomes
	// current.
	RoleMessages []string

	// TaskMessages is the "what to do now" directive injected on every entry.
	TaskMessages []string

	// Functions is the tool surface the model sees while this node is current.
	Functions []FunctionSchema

	PreActions  []Action
	PostActions []Action

	// RespondImmediately makes the engine prompt the model to speak on entry
	// without waiting for user input.
	RespondImmediately bool

	// Strategy overrides the manager default on entry to this node.
	Strategy *ContextStrategy
}

// Function returns the schema with the given name, if the node exposes it.
func (n *Node) Function(name string) (FunctionSchema, bool) {
	for _, f := range n.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionSchema{}, false
}

// StrategyPtr is a convenience for setting a node's strategy override.
func StrategyPtr(s ContextStrategy) *ContextStrategy {
	return &s
}
