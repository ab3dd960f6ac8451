// Package clinic talks to the clinic's scheduling backend: exams, prices,
// slot search and reservation, patient lookup, SMS and the knowledge base.
package clinic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/voxmedica/voxmedica/src/logger"
)

// Error kinds surfaced to tool handlers. Handlers map these to tool results;
// conflicts in particular mean the slot was taken between offer and accept.
var (
	ErrAPIError = errors.New("api_error")
	ErrTimeout  = errors.New("timeout")
	ErrConflict = errors.New("conflict")
)

// Client is the clinic backend API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-request; default 10s
}

// NewClient creates a clinic API client with production timeouts.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Exam is an exam type offered by the clinic.
type Exam struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Preparation string `json:"preparation,omitempty"`
}

// Price is the cost of an exam.
type Price struct {
	ExamCode string  `json:"exam_code"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Covered  bool    `json:"covered"`
}

// Slot is an offerable appointment time.
type Slot struct {
	ID       string `json:"id"`
	ExamCode string `json:"exam_code"`
	Date     string `json:"date"` // YYYY-MM-DD
	Time     string `json:"time"` // HH:MM
	Unit     string `json:"unit"`
}

// Reservation is a confirmed booking.
type Reservation struct {
	ID       string `json:"id"`
	SlotID   string `json:"slot_id"`
	Patient  string `json:"patient_id"`
	ExamCode string `json:"exam_code"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

// Patient is a registered clinic patient.
type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	DOB   string `json:"dob"` // YYYY-MM-DD
}

// KnowledgeEntry is a snippet from the clinic's FAQ knowledge base.
type KnowledgeEntry struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ListExams returns the exams the clinic offers.
func (c *Client) ListExams(ctx context.Context) ([]Exam, error) {
	var out []Exam
	err := c.getRetry(ctx, "/v1/exams", nil, &out)
	return out, err
}

// GetPrice returns the price of an exam, optionally for an insurance plan.
func (c *Client) GetPrice(ctx context.Context, examCode, insurancePlan string) (*Price, error) {
	query := url.Values{"exam_code": {examCode}}
	if insurancePlan != "" {
		query.Set("insurance_plan", insurancePlan)
	}
	var out Price
	if err := c.getRetry(ctx, "/v1/prices", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchSlots returns available slots for an exam from a date onward.
func (c *Client) SearchSlots(ctx context.Context, examCode, fromDate string, limit int) ([]Slot, error) {
	query := url.Values{
		"exam_code": {examCode},
		"from":      {fromDate},
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []Slot
	err := c.getRetry(ctx, "/v1/slots", query, &out)
	return out, err
}

// ReserveSlot books a slot for a patient. A slot taken between offer and
// accept comes back as ErrConflict.
func (c *Client) ReserveSlot(ctx context.Context, slotID, patientID string) (*Reservation, error) {
	body := map[string]string{
		"slot_id":    slotID,
		"patient_id": patientID,
	}
	var out Reservation
	if err := c.post(ctx, "/v1/reservations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelReservation releases a reservation.
func (c *Client) CancelReservation(ctx context.Context, reservationID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/reservations/%s/cancel", url.PathEscape(reservationID)), nil, nil)
}

// LookupPatient finds a patient by phone and date of birth.
func (c *Client) LookupPatient(ctx context.Context, phone, dob string) (*Patient, error) {
	query := url.Values{
		"phone": {phone},
		"dob":   {dob},
	}
	var out Patient
	if err := c.getRetry(ctx, "/v1/patients/lookup", query, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// SendSMS sends a confirmation message to the patient's phone.
func (c *Client) SendSMS(ctx context.Context, phone, message string) error {
	body := map[string]string{
		"phone":   phone,
		"message": message,
	}
	return c.post(ctx, "/v1/sms", body, nil)
}

// SearchKnowledge queries the clinic FAQ knowledge base.
func (c *Client) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeEntry, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []KnowledgeEntry
	err := c.getRetry(ctx, "/v1/knowledge/search", q, &out)
	return out, err
}

// getRetry performs a GET with one retry on transient failure. Reads are
// idempotent, so the retry is safe; writes never retry.
func (c *Client) getRetry(ctx context.Context, path string, query url.Values, out interface{}) error {
	err := c.do(ctx, http.MethodGet, path, query, nil, out)
	if err == nil || errors.Is(err, ErrConflict) || ctx.Err() != nil {
		return err
	}
	logger.Debug("[Clinic] Retrying GET %s after error: %v", path, err)
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrAPIError, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIError, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrAPIError, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrAPIError, method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAPIError, err)
	}
	return nil
}
