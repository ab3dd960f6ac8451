package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxmedica/voxmedica/src/clinic"
	"github.com/voxmedica/voxmedica/src/pipeline"
	"github.com/voxmedica/voxmedica/src/services/mockllm"
	"github.com/voxmedica/voxmedica/src/store"
	"github.com/voxmedica/voxmedica/src/transports"
)

func bookingBackend(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/v1/patients/lookup", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, clinic.Patient{ID: "p1", Name: "Maria Rossi", Phone: r.URL.Query().Get("phone"), DOB: r.URL.Query().Get("dob")})
	})
	mux.HandleFunc("/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []clinic.Slot{
			{ID: "s1", ExamCode: "BLOOD", Date: "2026-09-07", Time: "09:00", Unit: "Main clinic"},
			{ID: "s2", ExamCode: "BLOOD", Date: "2026-09-08", Time: "10:00", Unit: "Main clinic"},
		})
	})
	mux.HandleFunc("/v1/reservations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, clinic.Reservation{ID: "r1", SlotID: "s1", ExamCode: "BLOOD", Date: "2026-09-07", Time: "09:00"})
	})
	mux.HandleFunc("/v1/sms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"sent": true})
	})
	mux.HandleFunc("/v1/knowledge/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []clinic.KnowledgeEntry{{Title: "Hours", Content: "Open weekdays eight to six.", Score: 0.9}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newSupervisor(t *testing.T, records store.RecordStore) *Supervisor {
	backend := bookingBackend(t)
	return &Supervisor{
		Graph:               clinic.NewGraph(clinic.NewClient(clinic.Config{BaseURL: backend.URL}), "English"),
		Extractor:           NewExtractor(nil, records, 0),
		MaxToolCallsPerTurn: 8,
		RespondTimeout:      5 * time.Second,
	}
}

func waitResponse(t *testing.T, transport *transports.TextSimulatorTransport) string {
	t.Helper()
	select {
	case response := <-transport.Responses():
		return response
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an assistant response")
		return ""
	}
}

func runSession(t *testing.T, sess *Session) <-chan *store.CallRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	done := make(chan *store.CallRecord, 1)
	go func() {
		record, _ := sess.Run(ctx)
		done <- record
	}()
	return done
}

func TestBookingConversationEndToEnd(t *testing.T) {
	records := &memoryStore{}
	supervisor := newSupervisor(t, records)

	llm := mockllm.NewLLMService([]mockllm.Turn{
		{Texts: []string{"Hello! Information or a booking?"}},
		{
			Texts: []string{"Sure. Your phone number and date of birth, please?"},
			Calls: []mockllm.Call{{Name: "route_to_booking"}},
		},
		{
			Texts: []string{"Thank you. Which exam would you like?"},
			Calls: []mockllm.Call{{Name: "identify_patient", Args: map[string]interface{}{
				"phone": "+39055123", "dob": "1980-04-12",
			}}},
		},
		{Calls: []mockllm.Call{{Name: "select_exam", Args: map[string]interface{}{
			"exam_code": "BLOOD", "exam_name": "blood test",
		}}}},
		{Texts: []string{"I can offer Monday at nine or Tuesday at ten."}},
		{Calls: []mockllm.Call{{Name: "select_slot", Args: map[string]interface{}{"slot_id": "s1"}}}},
		{Texts: []string{"A blood test on Monday at nine, shall I book it?"}},
		{Calls: []mockllm.Call{{Name: "confirm_booking"}}},
		{Texts: []string{"Booked! You will get a text message. Anything else?"}},
		{Calls: []mockllm.Call{{Name: "end_call"}}},
	})

	transport := transports.NewTextSimulatorTransport()
	sess, err := supervisor.NewSession(SessionParams{Transport: transport, LLM: llm})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := runSession(t, sess)

	if got := waitResponse(t, transport); !strings.Contains(got, "Information or a booking") {
		t.Fatalf("unexpected greeting: %q", got)
	}

	script := []struct {
		say    string
		expect string
	}{
		{say: "I'd like to book a blood test.", expect: "date of birth"},
		{say: "It's +39055123, born 1980-04-12.", expect: "Which exam"},
		{say: "A blood test.", expect: "Monday at nine or Tuesday"},
		{say: "Monday at nine.", expect: "shall I book it"},
		{say: "Yes please.", expect: "Booked!"},
		{say: "No, that's all.", expect: "Thank you for calling"},
	}
	for _, step := range script {
		if err := transport.SendUserMessage(step.say); err != nil {
			t.Fatalf("SendUserMessage(%q): %v", step.say, err)
		}
		if got := waitResponse(t, transport); !strings.Contains(got, step.expect) {
			t.Fatalf("after %q: got %q, want it to contain %q", step.say, got, step.expect)
		}
	}

	record := <-done
	if record == nil {
		t.Fatal("expected a call record")
	}
	if sess.Result() != pipeline.ResultCompleted {
		t.Errorf("expected completed result, got %s", sess.Result())
	}
	if record.Outcome != "completed" {
		t.Errorf("outcome = %q, want completed", record.Outcome)
	}
	if !strings.Contains(record.Action, "booked blood test") {
		t.Errorf("unexpected action: %q", record.Action)
	}
	if record.StateSnapshot[clinic.StateReservationID] != "r1" {
		t.Errorf("reservation missing from snapshot: %v", record.StateSnapshot[clinic.StateReservationID])
	}
	// The wrap-up node resets the context, so only post-reset turns survive
	// into the transcript.
	if !strings.Contains(record.Transcript, "user: No, that's all.") {
		t.Errorf("transcript missing user turns: %q", record.Transcript)
	}

	records.mu.Lock()
	defer records.mu.Unlock()
	if len(records.saved) != 1 {
		t.Errorf("expected 1 persisted record, got %d", len(records.saved))
	}
}

func TestInfoConversationEndToEnd(t *testing.T) {
	supervisor := newSupervisor(t, nil)

	llm := mockllm.NewLLMService([]mockllm.Turn{
		{Texts: []string{"Hello! Information or a booking?"}},
		{Calls: []mockllm.Call{{Name: "route_to_info", Args: map[string]interface{}{
			"user_query": "when are you open?",
		}}}},
		{
			Texts: []string{"We are open weekdays from eight to six."},
			Calls: []mockllm.Call{{Name: "answer_question", Args: map[string]interface{}{
				"question": "opening hours",
			}}},
		},
		{Texts: []string{"We are open weekdays from eight to six. Anything else?"}},
		{Calls: []mockllm.Call{{Name: "end_call"}}},
	})

	transport := transports.NewTextSimulatorTransport()
	sess, err := supervisor.NewSession(SessionParams{Transport: transport, LLM: llm})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := runSession(t, sess)

	waitResponse(t, transport) // greeting

	if err := transport.SendUserMessage("When are you open?"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	// route_to_info moves into a respond-immediately node, whose synthetic
	// prompt plays the answering turn; the answering turn's own call keeps the
	// model in place, so the batch re-prompt plays the wrap-up turn.
	if got := waitResponse(t, transport); !strings.Contains(got, "open weekdays") {
		t.Fatalf("unexpected answer: %q", got)
	}
	waitResponse(t, transport) // wrap-up after the knowledge lookup

	if err := transport.SendUserMessage("That's all, thanks!"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if got := waitResponse(t, transport); !strings.Contains(got, "Thank you for calling") {
		t.Fatalf("unexpected farewell: %q", got)
	}

	record := <-done
	if record == nil {
		t.Fatal("expected a call record")
	}
	if record.Outcome != "completed" || record.Action != "answered questions" {
		t.Errorf("unexpected labels: outcome=%q action=%q", record.Outcome, record.Action)
	}
}

func TestCancelledSessionStillProducesRecord(t *testing.T) {
	records := &memoryStore{}
	supervisor := newSupervisor(t, records)

	llm := mockllm.NewLLMService([]mockllm.Turn{
		{Texts: []string{"Hello! Information or a booking?"}},
	})

	transport := transports.NewTextSimulatorTransport()
	sess, err := supervisor.NewSession(SessionParams{Transport: transport, LLM: llm})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := runSession(t, sess)
	waitResponse(t, transport)
	sess.Cancel()

	record := <-done
	if record == nil {
		t.Fatal("expected a call record for the cancelled session")
	}
	if sess.Result() != pipeline.ResultCancelled {
		t.Errorf("expected cancelled result, got %s", sess.Result())
	}
	if record.Outcome != "not_completed" || record.Action != "not_completed" {
		t.Errorf("cancelled call must not be labelled completed: outcome=%q action=%q",
			record.Outcome, record.Action)
	}

	records.mu.Lock()
	defer records.mu.Unlock()
	if len(records.saved) != 1 {
		t.Errorf("expected the record persisted, got %d", len(records.saved))
	}
}

func TestSessionRequiresTransportAndLLM(t *testing.T) {
	supervisor := newSupervisor(t, nil)

	if _, err := supervisor.NewSession(SessionParams{LLM: mockllm.NewLLMService(nil)}); err == nil {
		t.Error("expected error for missing transport")
	}
	if _, err := supervisor.NewSession(SessionParams{Transport: transports.NewTextSimulatorTransport()}); err == nil {
		t.Error("expected error for missing LLM")
	}
}

func TestSeededState(t *testing.T) {
	supervisor := newSupervisor(t, nil)

	transport := transports.NewTextSimulatorTransport()
	sess, err := supervisor.NewSession(SessionParams{
		Transport:   transport,
		LLM:         mockllm.NewLLMService(nil),
		CallerPhone: "+39055123",
		PatientDOB:  "1980-04-12",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	snapshot := sess.manager.StateSnapshot()
	if snapshot[clinic.StateCallerPhone] != "+39055123" {
		t.Errorf("caller phone not seeded: %v", snapshot[clinic.StateCallerPhone])
	}
	if snapshot[clinic.StatePatientDOB] != "1980-04-12" {
		t.Errorf("patient dob not seeded: %v", snapshot[clinic.StatePatientDOB])
	}
	if snapshot["session_id"] != sess.ID {
		t.Errorf("session id not seeded: %v", snapshot["session_id"])
	}
	status, _ := snapshot["business_status"].(string)
	if status != "open" && status != "closed" {
		t.Errorf("unexpected business status: %q", status)
	}
}
