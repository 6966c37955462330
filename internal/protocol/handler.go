package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/mcp"
	"github.com/cyavt/server-bot-ai/internal/observability"
)

// AudioSink is the playback pipeline as seen by the protocol layer.
type AudioSink interface {
	EnqueueAudioData(frame []byte)
	ClearAllAudio()
	AudioStats() (pendingDecode, pendingPlay int)
}

// TranscriptSink receives recognized user text and assistant text.
type TranscriptSink interface {
	OnUserText(text string)
	OnAssistantText(text string)
}

// SpeakingSignal drives the avatar layer: the talking animation and
// rate-limited emotion reactions.
type SpeakingSignal interface {
	SetTalking(talking bool)
	React(emotion string)
}

// CaptureControl toggles the local capture path and camera capability.
type CaptureControl interface {
	SetCaptureEnabled(enabled bool)
	SetCameraAvailable(available bool)
}

// Handler owns the control channel: it runs the handshake, dispatches
// inbound control messages and binary audio, and emits outbound protocol
// messages. One handler serves one connection at a time; Connect after a
// disconnect starts a fresh session.
type Handler struct {
	cfg      *config.Config
	registry *mcp.Registry
	audio    AudioSink

	transcript TranscriptSink
	speaking   SpeakingSignal
	capture    CaptureControl

	logger  zerolog.Logger
	metrics *observability.Metrics

	writeMu sync.Mutex // serializes writes to conn

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	sessionID    string
	lastReaction time.Time
	vision       *VisionConfig
	helloCh      chan string
	done         chan struct{}
}

// NewHandler wires a protocol handler from its collaborators.
func NewHandler(cfg *config.Config, registry *mcp.Registry, sink AudioSink, transcript TranscriptSink, speaking SpeakingSignal, capture CaptureControl, logger zerolog.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		cfg:        cfg,
		registry:   registry,
		audio:      sink,
		transcript: transcript,
		speaking:   speaking,
		capture:    capture,
		logger:     logger,
		metrics:    metrics,
		state:      StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	old := h.state
	h.state = s
	h.mu.Unlock()

	if old != s {
		h.logger.Info().Str("from", old.String()).Str("to", s.String()).Msg("Protocol state changed")
	}
}

// SessionID returns the identifier assigned by the server handshake.
func (h *Handler) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Vision returns the vision-analysis endpoint offered during mcp
// initialize, or nil if none is configured.
func (h *Handler) Vision() *VisionConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vision
}

// Connect dials the control channel and runs the hello handshake. On any
// failure the state is left Disconnected and a fresh Connect may be
// attempted.
func (h *Handler) Connect(ctx context.Context, wsURL string) error {
	if h.State() != StateDisconnected {
		return fmt.Errorf("connect requires disconnected state, currently %s", h.State())
	}

	h.setState(StateConnecting)
	h.logger.Info().Str("url", wsURL).Msg("Connecting to control channel")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		h.setState(StateDisconnected)
		if h.metrics != nil {
			h.metrics.RecordError("dial_error", "protocol")
		}
		return fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	h.mu.Lock()
	h.conn = conn
	h.sessionID = ""
	h.helloCh = make(chan string, 1)
	h.done = make(chan struct{})
	helloCh := h.helloCh
	h.mu.Unlock()

	h.setState(StateHandshaking)
	go h.readLoop(conn)

	hello := HelloMessage{
		Type:       "hello",
		DeviceID:   h.cfg.DeviceID,
		DeviceName: h.cfg.DeviceName,
		DeviceMAC:  h.cfg.DeviceMAC,
		Token:      h.cfg.Token,
		Features:   HelloFeatures{MCP: true},
	}
	if err := h.sendJSON(hello); err != nil {
		h.teardown()
		return fmt.Errorf("failed to send hello: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordHelloSent()
	}

	select {
	case sessionID := <-helloCh:
		h.mu.Lock()
		h.sessionID = sessionID
		h.mu.Unlock()
	case <-time.After(time.Duration(h.cfg.HelloTimeout) * time.Millisecond):
		h.teardown()
		return fmt.Errorf("hello reply timed out after %dms", h.cfg.HelloTimeout)
	case <-ctx.Done():
		h.teardown()
		return ctx.Err()
	}

	h.setState(StateIdle)
	h.registry.SetLocked(true)
	h.capture.SetCaptureEnabled(true)
	h.capture.SetCameraAvailable(true)
	if h.metrics != nil {
		h.metrics.RecordHelloReply()
		h.metrics.RecordSessionStart()
	}
	h.logger.Info().Str("session_id", h.SessionID()).Msg("Handshake complete")
	return nil
}

// Disconnect closes the control channel and resets to Disconnected.
func (h *Handler) Disconnect() {
	h.teardown()
}

// teardown closes the transport and restores the disconnected baseline.
// Safe to call multiple times and from the read loop.
func (h *Handler) teardown() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	done := h.done
	h.done = nil
	alreadyDown := h.state == StateDisconnected
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		close(done)
	}
	if alreadyDown {
		return
	}

	h.setState(StateDisconnected)
	h.registry.SetLocked(false)
	h.capture.SetCaptureEnabled(false)
	h.capture.SetCameraAvailable(false)
	h.speaking.SetTalking(false)
	if h.metrics != nil {
		h.metrics.RecordSessionEnd()
	}
}

func (h *Handler) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info().Err(err).Msg("Control channel closed")
			h.teardown()
			return
		}

		switch msgType {
		case websocket.TextMessage:
			h.handleTextMessage(data)
		case websocket.BinaryMessage:
			h.handleBinaryMessage(data)
		}
	}
}

// handleBinaryMessage routes compressed audio to the playback pipeline.
// A zero-length frame is the end-of-utterance sentinel; the speaking
// state drains out rather than flipping immediately.
func (h *Handler) handleBinaryMessage(data []byte) {
	h.audio.EnqueueAudioData(data)

	if len(data) == 0 && h.State() == StateRemoteSpeaking {
		go h.watchDrain()
	}
}

// watchDrain polls the playback backlog after an end-of-utterance frame
// and leaves RemoteSpeaking once everything has played out.
func (h *Handler) watchDrain() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if h.State() != StateRemoteSpeaking {
				return
			}
			pendingDecode, pendingPlay := h.audio.AudioStats()
			if pendingDecode+pendingPlay == 0 {
				h.setState(StateIdle)
				h.speaking.SetTalking(false)
				return
			}
		}
	}
}

func (h *Handler) handleTextMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Error().Err(err).Msg("Failed to parse control message")
		if h.metrics != nil {
			h.metrics.RecordError("parse_error", "protocol")
		}
		return
	}
	if h.metrics != nil {
		h.metrics.RecordMessage(msg.Type)
	}

	switch msg.Type {
	case "hello":
		h.handleHello(msg)
	case "tts":
		h.handleTTS(msg)
	case "stt":
		h.handleSTT(msg)
	case "llm":
		h.handleLLM(msg)
	case "mcp":
		h.handleMCP(msg)
	case "audio":
		h.logger.Info().RawJSON("message", data).Msg("Audio control message")
	default:
		// Forward-compatible: unknown kinds are surfaced, not dropped
		h.logger.Info().Str("type", msg.Type).RawJSON("message", data).Msg("Unknown message type")
		h.transcript.OnAssistantText(string(data))
	}
}

func (h *Handler) handleHello(msg Message) {
	if msg.SessionID == "" {
		h.logger.Warn().Msg("Hello reply without session id")
		return
	}

	h.mu.Lock()
	helloCh := h.helloCh
	h.mu.Unlock()

	if helloCh != nil {
		select {
		case helloCh <- msg.SessionID:
		default:
		}
	}
}

func (h *Handler) handleTTS(msg Message) {
	switch msg.State {
	case "start":
		h.logger.Info().Str("session_id", msg.SessionID).Msg("Remote speech started")
		h.mu.Lock()
		if msg.SessionID != "" {
			h.sessionID = msg.SessionID
		}
		h.mu.Unlock()
		h.setState(StateRemoteSpeaking)
		h.speaking.SetTalking(true)

	case "sentence_start":
		h.logger.Debug().Str("text", msg.Text).Msg("Sentence started")
		if msg.Text != "" {
			h.transcript.OnAssistantText(msg.Text)
		}
		// A missed start must not leave the avatar frozen
		h.speaking.SetTalking(true)

	case "sentence_end":
		// Sentence boundary, not an utterance boundary
		h.logger.Debug().Str("text", msg.Text).Msg("Sentence ended")

	case "stop":
		h.logger.Info().Msg("Remote speech stopped, flushing audio")
		h.audio.ClearAllAudio()
		h.setState(StateIdle)

		// Already-scheduled audio keeps playing briefly; stop the talking
		// signal only after the grace window unless speech resumed
		grace := time.Duration(h.cfg.TalkingGraceMs) * time.Millisecond
		time.AfterFunc(grace, func() {
			if h.State() != StateRemoteSpeaking {
				h.speaking.SetTalking(false)
			}
		})

	default:
		h.logger.Warn().Str("state", msg.State).Msg("Unknown tts state")
	}
}

func (h *Handler) handleSTT(msg Message) {
	h.logger.Info().Str("text", msg.Text).Msg("Recognized user speech")
	if msg.Text == "" {
		return
	}

	if h.cfg.UnlinkKeyword != "" && strings.Contains(strings.ToLower(msg.Text), strings.ToLower(h.cfg.UnlinkKeyword)) {
		h.logger.Warn().Msg("Device unlink notice received, revoking camera capability")
		h.capture.SetCameraAvailable(false)
	}

	h.transcript.OnUserText(msg.Text)
}

func (h *Handler) handleLLM(msg Message) {
	if msg.Text != "" {
		h.transcript.OnAssistantText(msg.Text)
	}

	if msg.Emotion != "" {
		h.mu.Lock()
		cooldown := time.Duration(h.cfg.ReactionCooldown) * time.Millisecond
		allowed := time.Since(h.lastReaction) >= cooldown
		if allowed {
			h.lastReaction = time.Now()
		}
		h.mu.Unlock()

		if allowed {
			h.speaking.React(msg.Emotion)
		} else {
			h.logger.Debug().Str("emotion", msg.Emotion).Msg("Emotion reaction rate-limited")
		}
	}
}

func (h *Handler) handleMCP(msg Message) {
	var req RPCRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.logger.Error().Err(err).Msg("Failed to parse mcp payload")
		if h.metrics != nil {
			h.metrics.RecordMCPRequest("malformed", "error")
		}
		return
	}

	switch req.Method {
	case "initialize":
		h.handleMCPInitialize(msg, req)
	case "tools/list":
		h.handleMCPToolsList(msg, req)
	case "tools/call":
		h.handleMCPToolsCall(msg, req)
	default:
		h.logger.Warn().Str("method", req.Method).Msg("Unknown mcp method")
		if h.metrics != nil {
			h.metrics.RecordMCPRequest(req.Method, "error")
		}
		h.sendMCPError(msg.SessionID, req.ID, RPCCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (h *Handler) handleMCPInitialize(msg Message, req RPCRequest) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to parse initialize params")
		}
	}

	h.mu.Lock()
	if v := params.Capabilities.Vision; v != nil && v.URL != "" && v.Token != "" {
		h.vision = v
	} else {
		h.vision = nil
	}
	vision := h.vision
	h.mu.Unlock()

	if vision != nil {
		h.logger.Info().Str("url", vision.URL).Msg("Vision endpoint configured")
	}

	result := InitializeResult{ProtocolVersion: "2024-11-05"}
	result.ServerInfo.Name = h.cfg.DeviceName
	result.ServerInfo.Version = "1.0.0"

	if h.metrics != nil {
		h.metrics.RecordMCPRequest("initialize", "ok")
	}
	h.sendMCPResult(msg.SessionID, req.ID, result)
}

func (h *Handler) handleMCPToolsList(msg Message, req RPCRequest) {
	descriptors := h.registry.Descriptors()
	h.logger.Info().Int("tools", len(descriptors)).Msg("Reporting tool list")

	if h.metrics != nil {
		h.metrics.RecordMCPRequest("tools/list", "ok")
	}
	h.sendMCPResult(msg.SessionID, req.ID, map[string]interface{}{
		"tools": descriptors,
	})
}

func (h *Handler) handleMCPToolsCall(msg Message, req RPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		if h.metrics != nil {
			h.metrics.RecordMCPRequest("tools/call", "error")
		}
		h.sendMCPError(msg.SessionID, req.ID, RPCCodeInternalError, fmt.Sprintf("malformed tools/call params: %v", err))
		return
	}

	h.logger.Info().Str("tool", params.Name).Msg("Tool call requested")

	out, err := h.registry.Execute(params.Name, params.Arguments)
	if err != nil {
		h.logger.Error().Err(err).Str("tool", params.Name).Msg("Tool execution failed")
		if h.metrics != nil {
			h.metrics.RecordMCPRequest("tools/call", "error")
		}
		code := RPCCodeInternalError
		if strings.Contains(err.Error(), "unknown tool") {
			code = RPCCodeMethodNotFound
		}
		h.sendMCPError(msg.SessionID, req.ID, code, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.RecordMCPRequest("tools/call", "ok")
	}
	h.sendMCPResult(msg.SessionID, req.ID, ToolCallResult{
		Content: []ToolContent{{Type: "text", Text: string(out)}},
		IsError: false,
	})
}

func (h *Handler) sendMCPResult(sessionID string, id json.RawMessage, result interface{}) {
	reply := MCPReply{
		SessionID: sessionID,
		Type:      "mcp",
		Payload: RPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Result:  result,
		},
	}
	if err := h.sendJSON(reply); err != nil {
		h.logger.Error().Err(err).Msg("Failed to send mcp reply")
	}
}

func (h *Handler) sendMCPError(sessionID string, id json.RawMessage, code int, message string) {
	reply := MCPReply{
		SessionID: sessionID,
		Type:      "mcp",
		Payload: RPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &RPCError{Code: code, Message: message},
		},
	}
	if err := h.sendJSON(reply); err != nil {
		h.logger.Error().Err(err).Msg("Failed to send mcp error reply")
	}
}

// SendText submits user text. If the remote is still speaking an abort is
// sent first so the server stops the in-progress utterance.
func (h *Handler) SendText(text string) error {
	if text == "" {
		return fmt.Errorf("text is empty")
	}

	h.mu.Lock()
	conn := h.conn
	state := h.state
	sessionID := h.sessionID
	h.mu.Unlock()

	if conn == nil || (state != StateIdle && state != StateRemoteSpeaking) {
		return fmt.Errorf("cannot send text in state %s", state)
	}

	if state == StateRemoteSpeaking && sessionID != "" {
		abort := AbortMessage{
			SessionID: sessionID,
			Type:      "abort",
			Reason:    AbortReasonWakeWord,
		}
		if err := h.sendJSON(abort); err != nil {
			return fmt.Errorf("failed to send abort: %w", err)
		}
		h.logger.Info().Msg("Sent abort for barge-in")
		if h.metrics != nil {
			h.metrics.RecordAbortSent()
		}
	}

	listen := ListenMessage{
		Type:  "listen",
		State: "detect",
		Text:  text,
	}
	if err := h.sendJSON(listen); err != nil {
		return fmt.Errorf("failed to send listen: %w", err)
	}
	h.logger.Info().Str("text", text).Msg("Sent user text")
	return nil
}

// WriteAudioFrame sends one compressed capture frame as a binary message.
func (h *Handler) WriteAudioFrame(frame []byte) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (h *Handler) sendJSON(v interface{}) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteJSON(v)
}
