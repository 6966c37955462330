package protocol

import "encoding/json"

// Message is the generic inbound text-message envelope. Only the fields
// relevant to the received type are populated.
type Message struct {
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Emotion   string          `json:"emotion,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HelloFeatures advertises client capabilities in the handshake.
type HelloFeatures struct {
	MCP bool `json:"mcp"`
}

// HelloMessage opens the session after the transport connects.
type HelloMessage struct {
	Type       string        `json:"type"`
	DeviceID   string        `json:"device_id"`
	DeviceName string        `json:"device_name"`
	DeviceMAC  string        `json:"device_mac"`
	Token      string        `json:"token"`
	Features   HelloFeatures `json:"features"`
}

// ListenMessage submits user text or a voice-activity signal.
type ListenMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text"`
}

// AbortMessage interrupts in-progress remote speech (barge-in).
type AbortMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
}

// AbortReasonWakeWord is the reason code sent when user input interrupts
// remote speech.
const AbortReasonWakeWord = "wake_word_detected"

// RPCRequest is the JSON-RPC payload nested inside an mcp envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a structured JSON-RPC failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used in mcp replies.
const (
	RPCCodeMethodNotFound = -32601
	RPCCodeInternalError  = -32603
)

// RPCResponse is the JSON-RPC reply payload nested inside an mcp envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MCPReply is the outbound mcp envelope.
type MCPReply struct {
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	Payload   RPCResponse `json:"payload"`
}

// VisionConfig is the optional vision-analysis endpoint offered by the
// server during mcp initialize.
type VisionConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// InitializeParams carries the capability negotiation of mcp initialize.
type InitializeParams struct {
	Capabilities struct {
		Vision *VisionConfig `json:"vision,omitempty"`
	} `json:"capabilities"`
}

// InitializeResult answers mcp initialize.
type InitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools struct{} `json:"tools"`
	} `json:"capabilities"`
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// ToolCallParams carries the tools/call request parameters.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolContent is one content item in a tools/call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult answers tools/call.
type ToolCallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError"`
}
