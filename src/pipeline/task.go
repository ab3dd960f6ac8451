package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/interruptions"
	"github.com/voxmedica/voxmedica/src/logger"
)

// TaskResult describes how a pipeline task ended.
type TaskResult int

const (
	ResultCompleted TaskResult = iota
	ResultCancelled
	ResultIdleTimeout
	ResultError
)

func (r TaskResult) String() string {
	switch r {
	case ResultCompleted:
		return "completed"
	case ResultCancelled:
		return "cancelled"
	case ResultIdleTimeout:
		return "idle_timeout"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// PipelineTaskConfig holds configuration for pipeline task
type PipelineTaskConfig struct {
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy

	// IdleTimeout ends the session when the conversation stalls. Zero
	// disables the timer.
	IdleTimeout time.Duration

	// CancelOnIdleTimeout controls whether the timer cancels the task or
	// only fires the callback (text sessions keep running).
	CancelOnIdleTimeout bool
}

// DefaultPipelineTaskConfig returns default configuration
func DefaultPipelineTaskConfig() *PipelineTaskConfig {
	return &PipelineTaskConfig{
		AllowInterruptions:     true,
		InterruptionStrategies: []interruptions.InterruptionStrategy{},
		IdleTimeout:            0,
		CancelOnIdleTimeout:    true,
	}
}

// PipelineTask orchestrates the execution of a pipeline
type PipelineTask struct {
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Configuration
	config *PipelineTaskConfig

	// Frame queuing
	userFrameQueue chan frames.Frame

	// Idle tracking. The sink pokes activityCh on bot-finished frames;
	// tool calls in flight suspend the timer so a slow backend never
	// counts as caller silence.
	activityCh    chan struct{}
	callsInFlight int
	callsMu       sync.Mutex

	// Lifecycle tracking
	started  bool
	finished bool
	result   TaskResult
	lastErr  error
	mu       sync.RWMutex

	// Event handlers
	onStarted     func()
	onFinished    func()
	onError       func(error)
	onIdleTimeout func()
}

// NewPipelineTask creates a new pipeline task with default configuration
func NewPipelineTask(pipeline *Pipeline) *PipelineTask {
	return NewPipelineTaskWithConfig(pipeline, DefaultPipelineTaskConfig())
}

// NewPipelineTaskWithConfig creates a new pipeline task with custom configuration
func NewPipelineTaskWithConfig(pipeline *Pipeline, config *PipelineTaskConfig) *PipelineTask {
	task := &PipelineTask{
		pipeline:       pipeline,
		config:         config,
		userFrameQueue: make(chan frames.Frame, 100),
		activityCh:     make(chan struct{}, 1),
	}

	// Initialize the pipeline with this task
	pipeline.Initialize(task)

	return task
}

// OnStarted sets a callback for when the pipeline starts
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

// OnFinished sets a callback for when the pipeline finishes
func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError sets a callback for errors
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// OnIdleTimeout sets a callback for when the idle timer fires.
func (t *PipelineTask) OnIdleTimeout(callback func()) {
	t.onIdleTimeout = callback
}

// Result reports how the task ended. Valid after Run returns.
func (t *PipelineTask) Result() TaskResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// QueueFrame adds a frame to be processed by the pipeline
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return fmt.Errorf("pipeline not started")
	}

	if t.finished {
		return fmt.Errorf("pipeline already finished")
	}

	select {
	case t.userFrameQueue <- frame:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Run starts the pipeline and runs until completion
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.result = ResultCancelled
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	logger.Info("[PipelineTask] Starting pipeline")

	// Start the pipeline
	if err := t.pipeline.Start(t.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// Start frame processor
	t.wg.Add(1)
	go t.processUserFrames()

	if t.config.IdleTimeout > 0 {
		t.wg.Add(1)
		go t.watchIdle()
	}

	// Send StartFrame to initialize the pipeline with interruption configuration
	startFrame := frames.NewStartFrameWithConfig(
		t.config.AllowInterruptions,
		t.config.InterruptionStrategies,
	)
	if err := t.pipeline.QueueFrame(startFrame); err != nil {
		return fmt.Errorf("failed to queue start frame: %w", err)
	}

	// Wait for completion
	t.wg.Wait()

	// Stop the pipeline
	if err := t.pipeline.Stop(); err != nil {
		logger.Error("[PipelineTask] Error stopping pipeline: %v", err)
	}

	t.mu.RLock()
	result, lastErr := t.result, t.lastErr
	t.mu.RUnlock()
	logger.Info("[PipelineTask] Pipeline finished (%s)", result)
	if result == ResultError {
		return lastErr
	}
	return nil
}

// Cancel stops the pipeline immediately
func (t *PipelineTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		logger.Info("[PipelineTask] Cancelling pipeline")
		t.cancel()
	}
}

// processUserFrames processes frames queued by the user
func (t *PipelineTask) processUserFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.userFrameQueue:
			if err := t.pipeline.QueueFrame(frame); err != nil {
				logger.Error("[PipelineTask] Error queuing user frame: %v", err)
				if t.onError != nil {
					t.onError(err)
				}
			}
		}
	}
}

// watchIdle ends or flags the session when nothing has happened for the
// configured window. The timer measures from the last bot-finished frame and
// pauses while tool calls are in flight.
func (t *PipelineTask) watchIdle() {
	defer t.wg.Done()

	timer := time.NewTimer(t.config.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case <-t.activityCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.config.IdleTimeout)

		case <-timer.C:
			t.callsMu.Lock()
			busy := t.callsInFlight > 0
			t.callsMu.Unlock()
			if busy {
				timer.Reset(t.config.IdleTimeout)
				continue
			}

			logger.Info("[PipelineTask] Idle timeout after %s", t.config.IdleTimeout)
			if t.onIdleTimeout != nil {
				t.onIdleTimeout()
			}
			if t.config.CancelOnIdleTimeout {
				t.setResult(ResultIdleTimeout, nil)
				t.markFinished()
				t.Cancel()
				return
			}
			timer.Reset(t.config.IdleTimeout)
		}
	}
}

func (t *PipelineTask) pokeActivity() {
	select {
	case t.activityCh <- struct{}{}:
	default:
	}
}

// handleDownstreamFrame handles frames that reach the sink
func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) error {
	logger.Debug("[PipelineTask] Frame reached sink: %s", frame.Name())

	switch f := frame.(type) {
	case *frames.StartFrame:
		logger.Info("[PipelineTask] Pipeline started")
		t.pokeActivity()
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		logger.Info("[PipelineTask] End frame reached, finishing pipeline")
		t.setResult(ResultCompleted, nil)
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		logger.Info("[PipelineTask] Cancel frame reached, stopping immediately")
		t.markFinished()
		t.Cancel()

	case *frames.TTSStoppedFrame, *frames.BotStoppedSpeakingFrame:
		t.pokeActivity()

	case *frames.FunctionCallsStartedFrame:
		t.callsMu.Lock()
		t.callsInFlight += len(f.FunctionCalls)
		t.callsMu.Unlock()

	case *frames.FunctionCallResultFrame:
		t.callsMu.Lock()
		if t.callsInFlight > 0 {
			t.callsInFlight--
		}
		t.callsMu.Unlock()
		t.pokeActivity()

	case *frames.ErrorFrame:
		logger.Error("[PipelineTask] Error frame received: %v", f.Error)
		if t.onError != nil {
			t.onError(f.Error)
		}
		if f.Fatal {
			t.setResult(ResultError, f.Error)
			t.markFinished()
			t.Cancel()
		}
	}

	return nil
}

// handleUpstreamFrame handles frames going back up the pipeline
func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) error {
	logger.Debug("[PipelineTask] Upstream frame from pipeline: %s", frame.Name())

	// Handle InterruptionTaskFrame - convert to InterruptionFrame and send downstream
	if _, ok := frame.(*frames.InterruptionTaskFrame); ok {
		logger.Debug("[PipelineTask] Received InterruptionTaskFrame, sending InterruptionFrame downstream")
		if err := t.pipeline.QueueFrame(frames.NewInterruptionFrame()); err != nil {
			logger.Error("[PipelineTask] Error queuing interruption frame: %v", err)
			return err
		}
		return nil
	}

	// Handle error frames
	if errorFrame, ok := frame.(*frames.ErrorFrame); ok {
		logger.Error("[PipelineTask] Error frame received upstream: %v", errorFrame.Error)
		if t.onError != nil {
			t.onError(errorFrame.Error)
		}
		if errorFrame.Fatal {
			t.setResult(ResultError, errorFrame.Error)
			t.markFinished()
			t.Cancel()
		}
	}

	return nil
}

func (t *PipelineTask) setResult(result TaskResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.result = result
	t.lastErr = err
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.finished {
		t.finished = true
		if t.onFinished != nil {
			t.onFinished()
		}
	}
}
