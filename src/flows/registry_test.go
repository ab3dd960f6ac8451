package flows

import (
	"testing"
)

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("router", func(m *Manager) *Node {
		return &Node{Name: "router"}
	})

	m := NewManager(Config{})
	node, err := r.Build("router", m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if node.Name != "router" {
		t.Fatalf("unexpected node %q", node.Name)
	}
}

func TestRegistryUnknownName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build("missing", NewManager(Config{})); err == nil {
		t.Fatal("expected error for unregistered name")
	}
}

func TestRegistryNilFactoryResult(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(m *Manager) *Node { return nil })
	if _, err := r.Build("broken", NewManager(Config{})); err == nil {
		t.Fatal("expected error when factory returns nil")
	}
}

func TestRegistryFactorySeesState(t *testing.T) {
	r := NewRegistry()
	r.Register("offer_slots", func(m *Manager) *Node {
		label := m.StateString("exam_name")
		return &Node{
			Name:         "offer_slots",
			TaskMessages: []string{"offer slots for " + label},
		}
	})

	m := NewManager(Config{State: map[string]interface{}{"exam_name": "blood test"}})
	node, err := r.Build("offer_slots", m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := node.TaskMessages[0]; got != "offer slots for blood test" {
		t.Fatalf("factory did not read state: %q", got)
	}
}

func TestNodeFunctionLookup(t *testing.T) {
	node := &Node{
		Name: "n",
		Functions: []FunctionSchema{
			{Name: "a"}, {Name: "b"},
		},
	}
	if _, ok := node.Function("b"); !ok {
		t.Fatal("expected to find function b")
	}
	if _, ok := node.Function("c"); ok {
		t.Fatal("did not expect to find function c")
	}
}
