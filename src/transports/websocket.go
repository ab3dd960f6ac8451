package transports

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
	"github.com/voxmedica/voxmedica/src/processors"
	"github.com/voxmedica/voxmedica/src/serializers"
)

// WebSocketTransport is a generic WebSocket transport that uses
// an injected serializer for protocol-specific message handling
type WebSocketTransport struct {
	port       int
	path       string
	serializer serializers.FrameSerializer
	inputProc  *WebSocketInputProcessor
	outputProc *WebSocketOutputProcessor
	server     *http.Server
	upgrader   websocket.Upgrader
	conns      map[string]*wsConnection
	connMu     sync.RWMutex

	onConnected    func(connID string)
	onDisconnected func(connID string)
}

type wsConnection struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex // Protect concurrent writes to WebSocket
}

// WebSocketConfig holds configuration for the WebSocket transport
type WebSocketConfig struct {
	Port       int                         // Port to listen on (e.g., 8080)
	Path       string                      // WebSocket path (e.g., "/ws")
	Serializer serializers.FrameSerializer // Protocol serializer (PCM, text JSON, ...)
}

// NewWebSocketTransport creates a new generic WebSocket transport
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.Serializer == nil {
		panic("WebSocketTransport requires a serializer")
	}

	t := &WebSocketTransport{
		port:       config.Port,
		path:       config.Path,
		serializer: config.Serializer,
		conns:      make(map[string]*wsConnection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	t.inputProc = newWebSocketInputProcessor(t)
	t.outputProc = newWebSocketOutputProcessor(t)

	return t
}

// Input returns the input processor
func (t *WebSocketTransport) Input() processors.FrameProcessor {
	return t.inputProc
}

// Output returns the output processor
func (t *WebSocketTransport) Output() processors.FrameProcessor {
	return t.outputProc
}

// OnConnected sets a callback fired when a client connects.
func (t *WebSocketTransport) OnConnected(callback func(connID string)) {
	t.onConnected = callback
}

// OnDisconnected sets a callback fired when a client disconnects.
func (t *WebSocketTransport) OnDisconnected(callback func(connID string)) {
	t.onDisconnected = callback
}

// Start begins listening for WebSocket connections
func (t *WebSocketTransport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleWebSocket)

	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		if err := t.server.Shutdown(context.Background()); err != nil {
			logger.Warn("WebSocket server shutdown error: %v", err)
		}
	}()

	logger.Info("WebSocket transport listening on %s%s", t.server.Addr, t.path)
	if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}

	return nil
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connID := fmt.Sprintf("ws-%p", conn)

	wsConn := &wsConnection{
		id:     connID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	t.connMu.Lock()
	t.conns[connID] = wsConn
	t.connMu.Unlock()

	defer func() {
		t.connMu.Lock()
		delete(t.conns, connID)
		t.connMu.Unlock()
		cancel()
		conn.Close()
		if t.onDisconnected != nil {
			t.onDisconnected(connID)
		}
	}()

	logger.Info("WebSocket connection established: %s", connID)
	if t.onConnected != nil {
		t.onConnected(connID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var data interface{}

			// Read message and check the actual WebSocket frame type, which
			// supports hybrid protocols (binary audio plus text control).
			msgType, msgBytes, readErr := conn.ReadMessage()
			if readErr != nil {
				if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("WebSocket read error: %v", readErr)
				}
				// Notify downstream services to cleanup
				if err := t.inputProc.pushFrame(frames.NewEndFrame()); err != nil {
					logger.Warn("Error pushing end frame: %v", err)
				}
				return
			}

			if msgType == websocket.BinaryMessage {
				data = msgBytes
			} else {
				data = string(msgBytes)
			}

			frame, err := t.serializer.Deserialize(data)
			if err != nil {
				logger.Warn("Deserialization error: %v", err)
				continue
			}

			if frame == nil {
				continue
			}

			if _, ok := frame.(*frames.EndFrame); ok {
				if err := t.inputProc.pushFrame(frame); err != nil {
					logger.Warn("Error pushing end frame: %v", err)
				}
				return
			}

			if err := t.inputProc.pushFrame(frame); err != nil {
				logger.Warn("Error pushing frame: %v", err)
			}
		}
	}
}

// sendMessage sends a serialized message to all active connections
func (t *WebSocketTransport) sendMessage(data interface{}) error {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	for _, wsConn := range t.conns {
		var err error

		wsConn.writeMu.Lock()
		switch v := data.(type) {
		case []byte:
			err = wsConn.conn.WriteMessage(websocket.BinaryMessage, v)
		case string:
			err = wsConn.conn.WriteMessage(websocket.TextMessage, []byte(v))
		default:
			wsConn.writeMu.Unlock()
			return fmt.Errorf("unsupported data type for WebSocket message: %T", data)
		}
		wsConn.writeMu.Unlock()

		if err != nil {
			logger.Warn("Error sending to connection %s: %v", wsConn.id, err)
		}
	}

	return nil
}

// WebSocketInputProcessor handles incoming frames from WebSocket. Inbound
// frames arriving before the pipeline's StartFrame are buffered and released
// once it passes, so nothing reaches a half-started pipeline.
type WebSocketInputProcessor struct {
	*processors.BaseProcessor
	transport *WebSocketTransport

	gateMu  sync.Mutex
	started bool
	pending []frames.Frame
}

func newWebSocketInputProcessor(transport *WebSocketTransport) *WebSocketInputProcessor {
	p := &WebSocketInputProcessor{
		transport: transport,
	}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketInput", p)
	return p
}

func (p *WebSocketInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
		if err := p.PushFrame(frame, direction); err != nil {
			return err
		}
		p.releaseGate()
		return nil
	}
	return p.PushFrame(frame, direction)
}

func (p *WebSocketInputProcessor) releaseGate() {
	p.gateMu.Lock()
	p.started = true
	pending := p.pending
	p.pending = nil
	p.gateMu.Unlock()

	for _, frame := range pending {
		if err := p.BaseProcessor.PushFrame(frame, frames.Downstream); err != nil {
			logger.Warn("[WebSocketInput] Error releasing buffered frame: %v", err)
		}
	}
}

func (p *WebSocketInputProcessor) pushFrame(frame frames.Frame) error {
	p.gateMu.Lock()
	if !p.started {
		p.pending = append(p.pending, frame)
		p.gateMu.Unlock()
		return nil
	}
	p.gateMu.Unlock()
	return p.BaseProcessor.PushFrame(frame, frames.Downstream)
}

// audioChunk represents a pre-serialized audio chunk ready to send
type audioChunk struct {
	data         interface{} // Pre-serialized data ([]byte or string)
	chunkSize    int
	sampleRate   int
	sendInterval time.Duration
}

// WebSocketOutputProcessor handles outgoing frames to WebSocket
type WebSocketOutputProcessor struct {
	*processors.BaseProcessor
	transport   *WebSocketTransport
	audioBuffer []byte
	chunkSize   int
	mu          sync.Mutex

	// Rate-limited sender
	chunkQueue   chan *audioChunk
	senderCtx    context.Context
	senderCancel context.CancelFunc
	senderWg     sync.WaitGroup
	cleanupOnce  sync.Once

	// Track LLM response state for bot speaking detection
	llmResponseEnded bool
	llmMu            sync.Mutex

	// Interruption state - block new audio after interruption
	interrupted    bool
	interruptionMu sync.Mutex

	// Track if cleanup has been done to prevent send on closed channel
	cleanupDone bool
}

func newWebSocketOutputProcessor(transport *WebSocketTransport) *WebSocketOutputProcessor {
	p := &WebSocketOutputProcessor{
		transport:   transport,
		audioBuffer: make([]byte, 0),
		chunkSize:   320,
		chunkQueue:  make(chan *audioChunk, 1000),
	}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketOutput", p)

	p.senderCtx, p.senderCancel = context.WithCancel(context.Background())
	p.startChunkSender()

	return p
}

// calculateSendInterval computes the real-time pacing interval for audio
// chunks: chunk_duration = chunk_size / (sample_rate * bytes_per_sample).
func calculateSendInterval(chunkSize int, sampleRate int) time.Duration {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	// Telephony codecs carry 1 byte per sample, linear16 carries 2.
	bytesPerSample := 1
	if sampleRate > 8000 {
		bytesPerSample = 2
	}

	intervalSecs := float64(chunkSize) / float64(sampleRate*bytesPerSample)
	interval := time.Duration(intervalSecs * float64(time.Second))

	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	return interval
}

// startChunkSender starts the rate-limited audio sender goroutine. It paces
// chunks to real time so the peer's jitter buffer never overflows, and emits
// a TTSStoppedFrame when the audio stream goes quiet after the model finished.
func (p *WebSocketOutputProcessor) startChunkSender() {
	p.senderWg.Add(1)
	go func() {
		defer p.senderWg.Done()

		var nextSendTime time.Time
		firstChunk := true
		botSpeaking := false

		// No audio for this long means the bot stopped speaking.
		vadStopDuration := 350 * time.Millisecond
		vadTimer := time.NewTimer(vadStopDuration)
		vadTimer.Stop()
		defer vadTimer.Stop()

		for {
			select {
			case <-p.senderCtx.Done():
				return

			case chunk := <-p.chunkQueue:
				now := time.Now()

				if firstChunk {
					nextSendTime = now
					firstChunk = false
				}

				sleepDuration := nextSendTime.Sub(now)
				if sleepDuration > 0 {
					time.Sleep(sleepDuration)
				}

				if err := p.transport.sendMessage(chunk.data); err != nil {
					logger.Warn("[WebSocketOutput] Error sending chunk: %v", err)
					errStr := err.Error()
					if strings.Contains(errStr, "broken pipe") ||
						strings.Contains(errStr, "connection reset") ||
						strings.Contains(errStr, "closed network connection") ||
						strings.Contains(errStr, "use of closed") {
						logger.Warn("[WebSocketOutput] Connection lost, stopping sender")
						return
					}
				}

				if sleepDuration <= 0 {
					nextSendTime = time.Now().Add(chunk.sendInterval)
				} else {
					nextSendTime = nextSendTime.Add(chunk.sendInterval)
				}

				if !vadTimer.Stop() {
					select {
					case <-vadTimer.C:
					default:
					}
				}
				vadTimer.Reset(vadStopDuration)
				botSpeaking = true

			case <-vadTimer.C:
				// Only emit the stop once the model has finished generating,
				// otherwise a slow TTS would end the turn early.
				if botSpeaking {
					p.llmMu.Lock()
					llmEnded := p.llmResponseEnded
					p.llmMu.Unlock()

					if llmEnded {
						p.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
						p.PushFrame(frames.NewBotStoppedSpeakingFrame(), frames.Downstream)
						botSpeaking = false
					} else {
						vadTimer.Reset(vadStopDuration)
					}
				}
			}
		}
	}()
}

// Cleanup stops the sender goroutine and releases resources.
// Safe to call multiple times - only executes once.
func (p *WebSocketOutputProcessor) Cleanup() error {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		p.cleanupDone = true
		p.mu.Unlock()

		if p.senderCancel != nil {
			p.senderCancel()
		}
		p.senderWg.Wait()
		close(p.chunkQueue)
	})
	return nil
}

func (p *WebSocketOutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		if data, err := p.transport.serializer.Serialize(frame); err == nil && data != nil {
			if err := p.transport.sendMessage(data); err != nil {
				logger.Warn("[WebSocketOutput] Error sending start message: %v", err)
			}
		}
		return p.PushFrame(frame, direction)

	case *frames.EndFrame:
		// Flush the session-end message before tearing the sender down.
		if data, err := p.transport.serializer.Serialize(frame); err == nil && data != nil {
			if err := p.transport.sendMessage(data); err != nil {
				logger.Warn("[WebSocketOutput] Error sending end message: %v", err)
			}
		}
		if err := p.Cleanup(); err != nil {
			logger.Warn("[WebSocketOutput] Error during cleanup: %v", err)
		}
		return p.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		p.llmMu.Lock()
		p.llmResponseEnded = true
		p.llmMu.Unlock()
		if data, err := p.transport.serializer.Serialize(frame); err == nil && data != nil {
			if err := p.transport.sendMessage(data); err != nil {
				logger.Warn("[WebSocketOutput] Error sending response end: %v", err)
			}
		}
		return p.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		p.llmMu.Lock()
		p.llmResponseEnded = false
		p.llmMu.Unlock()

		// New speech clears the interrupted state so audio flows again.
		p.interruptionMu.Lock()
		p.interrupted = false
		p.interruptionMu.Unlock()
		return p.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		return p.handleInterruption(frame, direction)

	case *frames.TTSAudioFrame:
		return p.handleAudioFrame(f)

	case *frames.AudioFrame:
		// The caller's own audio flows through for interruption detection but
		// is never echoed back.
		return nil

	default:
		data, err := p.transport.serializer.Serialize(frame)
		if err != nil {
			return fmt.Errorf("serialization error: %w", err)
		}

		if data != nil {
			if err := p.transport.sendMessage(data); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
		}

		return p.PushFrame(frame, direction)
	}
}

func (p *WebSocketOutputProcessor) handleInterruption(frame frames.Frame, direction frames.FrameDirection) error {
	if !p.InterruptionsAllowed() {
		return p.PushFrame(frame, direction)
	}

	p.interruptionMu.Lock()
	p.interrupted = true
	p.interruptionMu.Unlock()

	p.mu.Lock()
	p.audioBuffer = make([]byte, 0)
	p.mu.Unlock()

	drainedChunks := 0
drainLoop:
	for {
		select {
		case <-p.chunkQueue:
			drainedChunks++
		default:
			break drainLoop
		}
	}
	logger.Debug("[WebSocketOutput] Interruption: drained %d pending chunks", drainedChunks)

	data, err := p.transport.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if data != nil {
		if commands, ok := data.([]string); ok {
			for _, cmd := range commands {
				if err := p.transport.sendMessage(cmd); err != nil {
					return fmt.Errorf("send error: %w", err)
				}
			}
		} else {
			if err := p.transport.sendMessage(data); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
		}
	}

	return p.PushFrame(frame, direction)
}

func (p *WebSocketOutputProcessor) handleAudioFrame(audioFrame *frames.TTSAudioFrame) error {
	p.mu.Lock()
	if p.cleanupDone {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.interruptionMu.Lock()
	isInterrupted := p.interrupted
	p.interruptionMu.Unlock()

	if isInterrupted {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	codec := "linear16"
	if codecRaw, exists := audioFrame.Metadata()["codec"]; exists {
		if codecStr, ok := codecRaw.(string); ok {
			codec = codecStr
		}
	}

	// Telephony codecs: 160 bytes = 20ms at 8kHz. PCM: 320 bytes = 10ms at 16kHz.
	chunkSize := 320
	if codec == "mulaw" || codec == "alaw" {
		chunkSize = 160
	}

	sendInterval := calculateSendInterval(chunkSize, audioFrame.SampleRate)

	// Stream this frame's data immediately, carrying over any sub-chunk
	// remainder from the previous frame.
	currentData := append(p.audioBuffer, audioFrame.Data...)
	p.audioBuffer = make([]byte, 0)

	for len(currentData) >= chunkSize {
		chunk := currentData[:chunkSize]
		currentData = currentData[chunkSize:]

		chunkFrame := frames.NewTTSAudioFrame(chunk, audioFrame.SampleRate, audioFrame.NumChannels)
		for k, v := range audioFrame.Metadata() {
			chunkFrame.SetMetadata(k, v)
		}

		data, err := p.transport.serializer.Serialize(chunkFrame)
		if err != nil {
			logger.Warn("[WebSocketOutput] Serialization error: %v", err)
			continue
		}
		if data == nil {
			continue
		}

		select {
		case p.chunkQueue <- &audioChunk{
			data:         data,
			chunkSize:    chunkSize,
			sampleRate:   audioFrame.SampleRate,
			sendInterval: sendInterval,
		}:
		case <-p.senderCtx.Done():
			return nil
		}
	}

	p.audioBuffer = currentData
	return nil
}
