package clinic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	})
}

func TestListExams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/exams" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`[{"code":"BLOOD","name":"Blood test"},{"code":"ECG","name":"Electrocardiogram"}]`))
	}))
	defer server.Close()

	exams, err := newTestClient(server).ListExams(context.Background())
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(exams) != 2 || exams[0].Code != "BLOOD" {
		t.Errorf("unexpected exams: %+v", exams)
	}
}

func TestSearchSlotsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("exam_code") != "BLOOD" || q.Get("from") != "2026-09-01" || q.Get("limit") != "3" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":"s1","exam_code":"BLOOD","date":"2026-09-02","time":"08:30","unit":"Main lab"}]`))
	}))
	defer server.Close()

	slots, err := newTestClient(server).SearchSlots(context.Background(), "BLOOD", "2026-09-01", 3)
	if err != nil {
		t.Fatalf("SearchSlots: %v", err)
	}
	if len(slots) != 1 || slots[0].ID != "s1" {
		t.Errorf("unexpected slots: %+v", slots)
	}
}

func TestReserveSlotConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	_, err := newTestClient(server).ReserveSlot(context.Background(), "s1", "p1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetRetriesOnceOnTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"code":"BLOOD","name":"Blood test"}]`))
	}))
	defer server.Close()

	exams, err := newTestClient(server).ListExams(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(exams) != 1 {
		t.Errorf("unexpected exams: %+v", exams)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestConflictIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	_, err := newTestClient(server).LookupPatient(context.Background(), "+39055123", "1980-04-12")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("conflicts must not retry, got %d requests", got)
	}
}

func TestWritesAreNeverRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	_, err := newTestClient(server).ReserveSlot(context.Background(), "s1", "p1")
	if !errors.Is(err, ErrAPIError) {
		t.Fatalf("expected ErrAPIError, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected response body in error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 request for a write, got %d", got)
	}
}

func TestTimeoutKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 30 * time.Millisecond})
	_, err := client.ReserveSlot(context.Background(), "s1", "p1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLookupPatientNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	patient, err := newTestClient(server).LookupPatient(context.Background(), "+39000000", "1990-01-01")
	if err != nil {
		t.Fatalf("LookupPatient: %v", err)
	}
	if patient != nil {
		t.Errorf("expected nil for unknown patient, got %+v", patient)
	}
}

func TestCancelReservationEscapesID(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
	}))
	defer server.Close()

	if err := newTestClient(server).CancelReservation(context.Background(), "r 1"); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	if path != "/v1/reservations/r%201/cancel" {
		t.Errorf("unexpected path %q", path)
	}
}
