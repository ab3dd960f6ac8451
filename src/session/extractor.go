package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voxmedica/voxmedica/src/clinic"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/pipeline"
	"github.com/voxmedica/voxmedica/src/services"
	"github.com/voxmedica/voxmedica/src/store"
)

// Completer is the one-shot model call the extractor delegates label and
// summary derivation to. Nil-able: without a client the extractor falls back
// to deterministic labels.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Extractor derives the persisted call record from a finished session.
type Extractor struct {
	client  Completer
	records store.RecordStore

	// costPerToken approximates blended input/output pricing for the
	// session's models. Zero disables the estimate.
	costPerToken float64
}

// NewExtractor builds an extractor. Both client and records may be nil; a
// nil client forces deterministic labels, a nil store skips persistence.
func NewExtractor(client Completer, records store.RecordStore, costPerToken float64) *Extractor {
	return &Extractor{client: client, records: records, costPerToken: costPerToken}
}

// ExtractionInput is everything the extractor sees from a finished session.
type ExtractionInput struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Messages  []services.LLMMessage
	State     map[string]interface{}
	Result    pipeline.TaskResult
}

// extractedLabels is the JSON shape the model is asked to produce.
type extractedLabels struct {
	Outcome       string `json:"outcome"`
	Action        string `json:"action"`
	Sentiment     string `json:"sentiment"`
	Motivation    string `json:"motivation"`
	PatientIntent string `json:"patient_intent"`
	Summary       string `json:"summary"`
}

// Extract derives the call record and persists it. Persistence failures are
// logged, never returned; the record itself is always produced.
func (e *Extractor) Extract(ctx context.Context, input ExtractionInput) *store.CallRecord {
	transcript := TranscriptText(input.Messages)
	tokens := estimateTokens(input.Messages)

	record := &store.CallRecord{
		SessionID:     input.SessionID,
		CallerPhone:   stateString(input.State, clinic.StateCallerPhone),
		StartedAt:     input.StartedAt,
		Duration:      input.EndedAt.Sub(input.StartedAt),
		Transcript:    transcript,
		TokenCount:    tokens,
		CostEstimate:  float64(tokens) * e.costPerToken,
		StateSnapshot: input.State,
	}

	labels := e.deriveLabels(ctx, input, transcript)
	record.Outcome = labels.Outcome
	record.Action = labels.Action
	record.Sentiment = labels.Sentiment
	record.Motivation = labels.Motivation
	record.PatientIntent = labels.PatientIntent
	record.Summary = labels.Summary

	if e.records != nil {
		if err := e.records.SaveCallRecord(ctx, record); err != nil {
			logger.Error("[Extractor] Persisting call record %s: %v", input.SessionID, err)
		}
	}
	return record
}

// deriveLabels asks the model to label the call; a session that did not run
// to completion, a missing client, or any model failure all fall back to the
// deterministic labels.
func (e *Extractor) deriveLabels(ctx context.Context, input ExtractionInput, transcript string) extractedLabels {
	fallback := e.deterministicLabels(input)
	if input.Result != pipeline.ResultCompleted {
		return fallback
	}
	if e.client == nil || transcript == "" {
		return fallback
	}

	prompt := fmt.Sprintf(
		"Transcript:\n%s\n\nBooking state: reservation_id=%q exam=%q\n\nRespond with a single JSON object: "+
			`{"outcome": "completed"|"not_completed", "action": <short phrase>, "sentiment": "positive"|"neutral"|"negative", "motivation": <short phrase>, "patient_intent": <short phrase>, "summary": <one paragraph>}`,
		transcript,
		stateString(input.State, clinic.StateReservationID),
		stateString(input.State, clinic.StateExamName),
	)
	raw, err := e.client.Complete(ctx, "You label finished phone calls for a medical clinic. Answer with JSON only.", prompt)
	if err != nil {
		logger.Warn("[Extractor] Label derivation for %s failed, using fallback: %v", input.SessionID, err)
		return fallback
	}

	var labels extractedLabels
	if err := json.Unmarshal([]byte(stripJSONFence(raw)), &labels); err != nil {
		logger.Warn("[Extractor] Unparseable labels for %s, using fallback: %v", input.SessionID, err)
		return fallback
	}
	if labels.Outcome != "completed" && labels.Outcome != "not_completed" {
		labels.Outcome = fallback.Outcome
	}
	if labels.Summary == "" {
		labels.Summary = fallback.Summary
	}
	return labels
}

// deterministicLabels derives labels from state and task result alone.
func (e *Extractor) deterministicLabels(input ExtractionInput) extractedLabels {
	labels := extractedLabels{
		Outcome:   "not_completed",
		Action:    "not_completed",
		Sentiment: "neutral",
	}
	if input.Result != pipeline.ResultCompleted {
		return labels
	}

	agent := stateString(input.State, clinic.StateCurrentAgent)
	switch agent {
	case "booking":
		labels.PatientIntent = "book an exam"
		if stateString(input.State, clinic.StateReservationID) != "" {
			labels.Outcome = "completed"
			labels.Action = fmt.Sprintf("booked %s for %s at %s",
				stateString(input.State, clinic.StateExamName),
				stateString(input.State, clinic.StateSlotDate),
				stateString(input.State, clinic.StateSlotTime))
		} else {
			labels.Action = "booking abandoned"
		}
	case "info":
		labels.PatientIntent = "information request"
		labels.Outcome = "completed"
		labels.Action = "answered questions"
	default:
		labels.Action = "call ended before routing"
	}
	return labels
}

func stateString(state map[string]interface{}, key string) string {
	if state == nil {
		return ""
	}
	if value, ok := state[key].(string); ok {
		return value
	}
	return ""
}

// estimateTokens uses the usual ~4 characters per token heuristic; the
// streaming services do not report usage.
func estimateTokens(messages []services.LLMMessage) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Function.Name) + len(call.Function.Arguments)
		}
	}
	return chars / 4
}

func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
