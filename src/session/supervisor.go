package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmedica/voxmedica/src/clinic"
	"github.com/voxmedica/voxmedica/src/flows"
	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/interruptions"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/pipeline"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/processors/aggregators"
	"github.com/voxmedica/voxmedica/src/services"
	"github.com/voxmedica/voxmedica/src/store"
)

// Transport is the slice of a transport the supervisor needs: its two edge
// processors.
type Transport interface {
	Input() processors.FrameProcessor
	Output() processors.FrameProcessor
}

// ConnectionEvents is implemented by transports with a real remote peer.
type ConnectionEvents interface {
	OnConnected(func(connID string))
	OnDisconnected(func(connID string))
}

// Supervisor assembles sessions: transport, processors, pipeline, task and
// flow manager, in that order. One supervisor serves many sessions.
type Supervisor struct {
	Graph      *clinic.Graph
	Summarizer flows.Summarizer
	Extractor  *Extractor

	DefaultStrategy     flows.ContextStrategy
	MaxToolCallsPerTurn int
	RespondTimeout      time.Duration

	// IdleTimeout ends stalled conversations; zero disables the timer.
	// Text sessions set CancelOnIdleTimeout false and only log.
	IdleTimeout         time.Duration
	CancelOnIdleTimeout bool
}

// SessionParams describes one call. STT and TTS are nil for text sessions.
type SessionParams struct {
	Transport Transport
	STT       processors.FrameProcessor
	LLM       processors.FrameProcessor
	TTS       processors.FrameProcessor

	// AudioIn, when set, sits between the transport input and the STT.
	// Telephony peers use it to transcode mulaw or alaw into linear PCM.
	AudioIn processors.FrameProcessor

	// Interruptions decide when a caller speaking over the bot counts as a
	// barge-in. Empty means any user turn interrupts.
	Interruptions []interruptions.InterruptionStrategy

	// DebugFrames inserts a frame logger at the head of the pipeline.
	DebugFrames bool

	// Facts known before the conversation starts, seeded into flow state.
	CallerPhone string
	PatientDOB  string
}

// Session is one live call: its pipeline task, flow manager and post-call
// bookkeeping.
type Session struct {
	ID string

	manager   *flows.Manager
	task      *pipeline.PipelineTask
	graph     *clinic.Graph
	extractor *Extractor

	startedAt   time.Time
	extractOnce sync.Once
	record      *store.CallRecord
}

// NewSession wires a pipeline for one call. The processor order is fixed:
// transport input, STT, user aggregator, LLM, flow manager, TTS, transport
// output, assistant aggregator; text sessions simply omit the speech stages.
func (s *Supervisor) NewSession(params SessionParams) (*Session, error) {
	if params.Transport == nil {
		return nil, fmt.Errorf("session requires a transport")
	}
	if params.LLM == nil {
		return nil, fmt.Errorf("session requires an LLM processor")
	}

	id := uuid.NewString()
	llmContext := services.NewLLMContext("")

	state := map[string]interface{}{
		"session_id":      id,
		"business_status": businessStatus(time.Now()),
	}
	if params.CallerPhone != "" {
		state[clinic.StateCallerPhone] = params.CallerPhone
	}
	if params.PatientDOB != "" {
		state[clinic.StatePatientDOB] = params.PatientDOB
	}

	manager := flows.NewManager(flows.Config{
		Context:             llmContext,
		DefaultStrategy:     s.DefaultStrategy,
		Summarizer:          s.Summarizer,
		MaxToolCallsPerTurn: s.MaxToolCallsPerTurn,
		RespondTimeout:      s.RespondTimeout,
		State:               state,
	})

	userAgg := aggregators.NewLLMUserAggregator(llmContext, aggregators.DefaultUserAggregatorParams())
	assistantAgg := aggregators.NewLLMAssistantAggregator(llmContext, aggregators.DefaultAssistantAggregatorParams())

	var procs []processors.FrameProcessor
	procs = append(procs, params.Transport.Input())
	if params.DebugFrames {
		procs = append(procs, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix:          id[:8],
			LogDirection:    true,
			LogFrameDetails: true,
			IgnoredFrameTypes: []frames.Frame{
				&frames.AudioFrame{},
				&frames.TTSAudioFrame{},
			},
		}))
	}
	if params.AudioIn != nil {
		procs = append(procs, params.AudioIn)
	}
	if params.STT != nil {
		procs = append(procs, params.STT)
	}
	procs = append(procs, userAgg, params.LLM, manager)
	if params.TTS != nil {
		procs = append(procs, params.TTS)
	}
	procs = append(procs, params.Transport.Output(), assistantAgg)

	task := pipeline.NewPipelineTaskWithConfig(pipeline.NewPipeline(procs), &pipeline.PipelineTaskConfig{
		AllowInterruptions:     params.STT != nil,
		InterruptionStrategies: params.Interruptions,
		IdleTimeout:            s.IdleTimeout,
		CancelOnIdleTimeout:    s.CancelOnIdleTimeout,
	})
	manager.AttachTask(task)

	sess := &Session{
		ID:        id,
		manager:   manager,
		task:      task,
		graph:     s.Graph,
		extractor: s.Extractor,
	}

	task.OnStarted(func() {
		start, err := s.Graph.StartNode(manager)
		if err != nil {
			logger.Error("[Session %s] Building start node: %v", id, err)
			task.Cancel()
			return
		}
		if err := manager.Initialize(context.Background(), start); err != nil {
			logger.Error("[Session %s] Initializing flow: %v", id, err)
		}
	})
	task.OnIdleTimeout(func() {
		logger.Info("[Session %s] Idle timeout fired", id)
	})
	task.OnError(func(err error) {
		logger.Error("[Session %s] Pipeline error: %v", id, err)
	})

	if events, ok := params.Transport.(ConnectionEvents); ok {
		events.OnConnected(func(connID string) {
			logger.Info("[Session %s] Peer connected: %s", id, connID)
		})
		events.OnDisconnected(func(connID string) {
			logger.Info("[Session %s] Peer disconnected: %s", id, connID)
			sess.Cancel()
		})
	}

	return sess, nil
}

// Run drives the session to completion and produces its call record exactly
// once, whatever way the task ended.
func (sess *Session) Run(ctx context.Context) (*store.CallRecord, error) {
	sess.startedAt = time.Now()
	err := sess.task.Run(ctx)
	record := sess.finish(ctx)
	return record, err
}

// Cancel stops the session; a concurrent Run still extracts the record.
func (sess *Session) Cancel() {
	sess.task.Cancel()
}

// Result reports how the session's task ended.
func (sess *Session) Result() pipeline.TaskResult {
	return sess.task.Result()
}

func (sess *Session) finish(ctx context.Context) *store.CallRecord {
	sess.extractOnce.Do(func() {
		if sess.extractor == nil {
			return
		}
		// Extraction survives the session context being cancelled.
		extractCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		sess.record = sess.extractor.Extract(extractCtx, ExtractionInput{
			SessionID: sess.ID,
			StartedAt: sess.startedAt,
			EndedAt:   time.Now(),
			Messages:  sess.manager.Context().Messages(),
			State:     sess.manager.StateSnapshot(),
			Result:    sess.task.Result(),
		})
		logger.Info("[Session %s] Call record extracted: outcome=%s action=%q",
			sess.ID, sess.record.Outcome, sess.record.Action)
	})
	return sess.record
}

// businessStatus tells the agent whether the clinic front desk is open when
// the call starts.
func businessStatus(now time.Time) string {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return "closed"
	}
	if now.Hour() < 8 || now.Hour() >= 18 {
		return "closed"
	}
	return "open"
}
