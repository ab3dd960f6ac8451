package clinic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxmedica/voxmedica/src/flows"
)

// fakeBackend is an in-memory clinic API for exercising the node handlers.
type fakeBackend struct {
	mu             sync.Mutex
	server         *httptest.Server
	smsSent        int
	reserveCalls   int
	conflictOnce   bool
	knowledgeFails bool
	noSlots        bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/exams", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Exam{
			{Code: "BLOOD", Name: "Blood test"},
			{Code: "ECG", Name: "Electrocardiogram"},
		})
	})
	mux.HandleFunc("/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		empty := b.noSlots
		b.mu.Unlock()
		if empty {
			json.NewEncoder(w).Encode([]Slot{})
			return
		}
		json.NewEncoder(w).Encode([]Slot{
			{ID: "s1", ExamCode: "BLOOD", Date: "2026-09-02", Time: "08:30", Unit: "Main lab"},
			{ID: "s2", ExamCode: "BLOOD", Date: "2026-09-03", Time: "10:00", Unit: "Main lab"},
		})
	})
	mux.HandleFunc("/v1/patients/lookup", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("phone") == "+39055123" && q.Get("dob") == "1980-04-12" {
			json.NewEncoder(w).Encode(Patient{ID: "p1", Name: "Maria Rossi", Phone: "+39055123", DOB: "1980-04-12"})
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/v1/reservations", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.reserveCalls++
		conflict := b.conflictOnce
		b.conflictOnce = false
		b.mu.Unlock()
		if conflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(Reservation{ID: "r1", SlotID: "s1", ExamCode: "BLOOD", Date: "2026-09-02", Time: "08:30"})
	})
	mux.HandleFunc("/v1/sms", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.smsSent++
		b.mu.Unlock()
	})
	mux.HandleFunc("/v1/knowledge/search", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.knowledgeFails
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]KnowledgeEntry{
			{Title: "Opening hours", Content: "The clinic is open weekdays from eight to six.", Score: 0.92},
		})
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func newTestGraph(t *testing.T, backend *fakeBackend) (*Graph, *flows.Manager) {
	client := NewClient(Config{BaseURL: backend.server.URL, Timeout: 2 * time.Second})
	graph := NewGraph(client, "Italian")
	manager := flows.NewManager(flows.Config{})
	return graph, manager
}

func findFunction(t *testing.T, node *flows.Node, name string) flows.FunctionSchema {
	t.Helper()
	for _, fn := range node.Functions {
		if fn.Name == name {
			return fn
		}
	}
	t.Fatalf("node %s has no function %s", node.Name, name)
	return flows.FunctionSchema{}
}

func invoke(t *testing.T, node *flows.Node, name string, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node) {
	t.Helper()
	fn := findFunction(t, node, name)
	result, next, err := fn.Handler(context.Background(), args, m)
	if err != nil {
		t.Fatalf("%s handler: %v", name, err)
	}
	return result, next
}

func TestRouterRoutesToBooking(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))
	router := graph.RouterNode(m)

	if !router.RespondImmediately {
		t.Error("router must speak first")
	}

	_, next := invoke(t, router, "route_to_booking", nil, m)
	if next == nil || next.Name != NodeCollectPatient {
		t.Fatalf("expected transition to %s, got %+v", NodeCollectPatient, next)
	}
	if m.StateString(StateCurrentAgent) != "booking" {
		t.Errorf("current agent not recorded, got %q", m.StateString(StateCurrentAgent))
	}
}

func TestRouterRoutesToInfo(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	_, next := invoke(t, graph.RouterNode(m), "route_to_info", map[string]interface{}{"user_query": "how much is an ECG?"}, m)
	if next == nil || next.Name != NodeGreeting {
		t.Fatalf("expected transition to %s, got %+v", NodeGreeting, next)
	}
	if m.StateString(StateCurrentAgent) != "info" {
		t.Errorf("current agent not recorded, got %q", m.StateString(StateCurrentAgent))
	}
}

func TestAnswerQuestion(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	result, next := invoke(t, graph.InfoGreetingNode(m), "answer_question", map[string]interface{}{"question": "when are you open?"}, m)
	if next != nil {
		t.Errorf("answering must not transition, got %s", next.Name)
	}
	if found, _ := result["found"].(bool); !found {
		t.Fatalf("expected found answer, got %+v", result)
	}
	answer, _ := result["answer"].(string)
	if !strings.Contains(answer, "open weekdays") {
		t.Errorf("unexpected answer: %q", answer)
	}
}

func TestBackendFailureRoutesToAPIError(t *testing.T) {
	backend := newFakeBackend(t)
	backend.knowledgeFails = true
	graph, m := newTestGraph(t, backend)

	result, next := invoke(t, graph.InfoGreetingNode(m), "answer_question", map[string]interface{}{"question": "parking?"}, m)
	if result["error"] != "api_error" {
		t.Errorf("expected api_error result, got %+v", result)
	}
	if next == nil || next.Name != NodeAPIError {
		t.Fatalf("expected transition to %s, got %+v", NodeAPIError, next)
	}
	if m.StateString(StateLastError) != "api_error" {
		t.Errorf("last error not recorded, got %q", m.StateString(StateLastError))
	}
}

func TestIdentifyPatientInvalidDate(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	result, next := invoke(t, graph.CollectPatientNode(m), "identify_patient",
		map[string]interface{}{"phone": "+39055123", "dob": "12/04/1980"}, m)
	if result["error"] != "invalid_date" {
		t.Errorf("expected invalid_date, got %+v", result)
	}
	if next != nil {
		t.Errorf("invalid date must not transition, got %s", next.Name)
	}
}

func TestIdentifyPatientFound(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	result, next := invoke(t, graph.CollectPatientNode(m), "identify_patient",
		map[string]interface{}{"phone": "+39055123", "dob": "1980-04-12"}, m)
	if found, _ := result["found"].(bool); !found {
		t.Fatalf("expected patient found, got %+v", result)
	}
	if next == nil || next.Name != NodeChooseExam {
		t.Fatalf("expected transition to %s, got %+v", NodeChooseExam, next)
	}
	if m.StateString(StatePatientID) != "p1" || m.StateString(StatePatientName) != "Maria Rossi" {
		t.Errorf("patient state not recorded: id=%q name=%q", m.StateString(StatePatientID), m.StateString(StatePatientName))
	}
}

func TestIdentifyPatientUsesCallerPhoneFallback(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))
	m.SetState(StateCallerPhone, "+39055123")

	result, next := invoke(t, graph.CollectPatientNode(m), "identify_patient",
		map[string]interface{}{"phone": "", "dob": "1980-04-12"}, m)
	if found, _ := result["found"].(bool); !found {
		t.Fatalf("expected lookup via caller id to succeed, got %+v", result)
	}
	if next == nil || next.Name != NodeChooseExam {
		t.Fatalf("expected transition to %s, got %+v", NodeChooseExam, next)
	}
}

func TestIdentifyPatientNotFound(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	result, next := invoke(t, graph.CollectPatientNode(m), "identify_patient",
		map[string]interface{}{"phone": "+39000000", "dob": "1999-01-01"}, m)
	if found, _ := result["found"].(bool); found {
		t.Errorf("expected not found, got %+v", result)
	}
	if next != nil {
		t.Errorf("unknown patient must stay on the node, got %s", next.Name)
	}
}

func TestSelectExamOffersSlots(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	result, next := invoke(t, graph.ChooseExamNode(m), "select_exam",
		map[string]interface{}{"exam_code": "BLOOD", "exam_name": "blood test"}, m)
	if result["slots"] != 2 {
		t.Errorf("expected 2 slots, got %+v", result)
	}
	if next == nil || next.Name != NodeOfferSlots {
		t.Fatalf("expected transition to %s, got %+v", NodeOfferSlots, next)
	}
	if m.StateString(StateExamCode) != "BLOOD" {
		t.Errorf("exam code not recorded, got %q", m.StateString(StateExamCode))
	}

	// The offer node enumerates the found slot ids in its schema and
	// describes them in the task directive.
	fn := findFunction(t, next, "select_slot")
	enum := fn.Properties["slot_id"].Enum
	if len(enum) != 2 || enum[0] != "s1" || enum[1] != "s2" {
		t.Errorf("expected slot ids in schema enum, got %v", enum)
	}
	if !strings.Contains(next.TaskMessages[0], "2026-09-02 at 08:30") {
		t.Errorf("slots not described in task message: %q", next.TaskMessages[0])
	}
}

func TestSelectExamNoAvailability(t *testing.T) {
	backend := newFakeBackend(t)
	backend.noSlots = true
	graph, m := newTestGraph(t, backend)

	result, next := invoke(t, graph.ChooseExamNode(m), "select_exam",
		map[string]interface{}{"exam_code": "BLOOD"}, m)
	if result["slots"] != 0 {
		t.Errorf("expected 0 slots, got %+v", result)
	}
	if next != nil {
		t.Errorf("no availability must stay on the node, got %s", next.Name)
	}
}

func TestSelectSlot(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))
	invoke(t, graph.ChooseExamNode(m), "select_exam", map[string]interface{}{"exam_code": "BLOOD"}, m)

	offer := graph.OfferSlotsNode(m)
	result, next := invoke(t, offer, "select_slot", map[string]interface{}{"slot_id": "s2"}, m)
	if next == nil || next.Name != NodeConfirmBooking {
		t.Fatalf("expected transition to %s, got %+v", NodeConfirmBooking, next)
	}
	if result["time"] != "10:00" {
		t.Errorf("unexpected slot result: %+v", result)
	}
	if m.StateString(StateSlotID) != "s2" || m.StateString(StateSlotDate) != "2026-09-03" {
		t.Errorf("slot state not recorded: id=%q date=%q", m.StateString(StateSlotID), m.StateString(StateSlotDate))
	}
}

func TestSelectSlotUnknownID(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))
	invoke(t, graph.ChooseExamNode(m), "select_exam", map[string]interface{}{"exam_code": "BLOOD"}, m)

	result, next := invoke(t, graph.OfferSlotsNode(m), "select_slot", map[string]interface{}{"slot_id": "nope"}, m)
	if result["error"] != "unknown_slot" {
		t.Errorf("expected unknown_slot, got %+v", result)
	}
	if next != nil {
		t.Errorf("unknown slot must stay on the node, got %s", next.Name)
	}
}

func TestConfirmBookingSuccess(t *testing.T) {
	backend := newFakeBackend(t)
	graph, m := newTestGraph(t, backend)
	m.SetState(StateCallerPhone, "+39055123")
	m.SetState(StatePatientID, "p1")
	m.SetState(StateExamName, "blood test")
	invoke(t, graph.ChooseExamNode(m), "select_exam", map[string]interface{}{"exam_code": "BLOOD"}, m)
	invoke(t, graph.OfferSlotsNode(m), "select_slot", map[string]interface{}{"slot_id": "s1"}, m)

	result, next := invoke(t, graph.ConfirmBookingNode(m), "confirm_booking", nil, m)
	if confirmed, _ := result["confirmed"].(bool); !confirmed {
		t.Fatalf("expected confirmed booking, got %+v", result)
	}
	if next == nil || next.Name != NodeBookingDone {
		t.Fatalf("expected transition to %s, got %+v", NodeBookingDone, next)
	}
	if m.StateString(StateReservationID) != "r1" {
		t.Errorf("reservation not recorded, got %q", m.StateString(StateReservationID))
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.smsSent != 1 {
		t.Errorf("expected 1 confirmation SMS, got %d", backend.smsSent)
	}
}

func TestConfirmBookingConflictReOffers(t *testing.T) {
	backend := newFakeBackend(t)
	backend.conflictOnce = true
	graph, m := newTestGraph(t, backend)
	m.SetState(StatePatientID, "p1")
	invoke(t, graph.ChooseExamNode(m), "select_exam", map[string]interface{}{"exam_code": "BLOOD"}, m)
	invoke(t, graph.OfferSlotsNode(m), "select_slot", map[string]interface{}{"slot_id": "s1"}, m)

	result, next := invoke(t, graph.ConfirmBookingNode(m), "confirm_booking", nil, m)
	if result["error"] != "conflict" {
		t.Errorf("expected conflict result, got %+v", result)
	}
	if next == nil || next.Name != NodeOfferSlots {
		t.Fatalf("expected fresh offer after conflict, got %+v", next)
	}

	// The stale choice is gone; the node carries a fresh search.
	if m.StateString(StateSlotID) != "" || m.StateString(StateReservationID) != "" {
		t.Errorf("stale slot state survived the conflict: slot=%q reservation=%q",
			m.StateString(StateSlotID), m.StateString(StateReservationID))
	}
	if result["slots"] != 2 {
		t.Errorf("expected re-offered slots in result, got %+v", result)
	}
}

func TestBookingDoneSummarizesContext(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	node := graph.BookingDoneNode(m)
	if node.Strategy == nil || *node.Strategy != flows.StrategyResetWithSummary {
		t.Errorf("booking wrap-up must reset the context with a summary")
	}
	_, next := invoke(t, node, "new_booking", nil, m)
	if next == nil || next.Name != NodeChooseExam {
		t.Fatalf("expected transition to %s, got %+v", NodeChooseExam, next)
	}
}

func TestAPIErrorRetryReturnsToRouter(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))
	m.SetState(StateLastError, "timeout")

	_, next := invoke(t, graph.APIErrorNode(m), "retry", nil, m)
	if next == nil || next.Name != NodeRouter {
		t.Fatalf("expected transition to %s, got %+v", NodeRouter, next)
	}
	if m.StateString(StateLastError) != "" {
		t.Errorf("last error must be cleared on retry")
	}
}

func TestGoodbyeEndsConversation(t *testing.T) {
	graph, m := newTestGraph(t, newFakeBackend(t))

	_, next := invoke(t, graph.APIErrorNode(m), "end_call", nil, m)
	if next == nil || next.Name != NodeGoodbye {
		t.Fatalf("expected transition to %s, got %+v", NodeGoodbye, next)
	}
	if len(next.PreActions) != 1 || next.PreActions[0].Type != flows.ActionEndConversation {
		t.Errorf("goodbye node must end the conversation on entry, got %+v", next.PreActions)
	}
}

func TestNormalizeFromDate(t *testing.T) {
	future := time.Now().AddDate(0, 1, 0).Format("2006-01-02")

	tests := []struct {
		name    string
		raw     string
		want    string
		problem string
	}{
		{name: "empty defaults to today", raw: "", want: today()},
		{name: "future date accepted", raw: future, want: future},
		{name: "today accepted", raw: today(), want: today()},
		{name: "malformed", raw: "next tuesday", problem: "invalid_date"},
		{name: "past date rejected", raw: "2020-01-01", problem: "date_in_past"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, problem := normalizeFromDate(tt.raw)
			if problem != tt.problem {
				t.Fatalf("problem = %q, want %q", problem, tt.problem)
			}
			if got != tt.want {
				t.Errorf("date = %q, want %q", got, tt.want)
			}
		})
	}
}
