// Package bus implements the agent message bus: a JSON-RPC 2.0
// publish/subscribe broker over a WebSocket text-frame transport, plus
// the typed client façade agent processes use to talk to it.
//
// One JSON document per frame. Requests carry integer ids; server-side
// deliveries arrive as "deliverMessage" notifications (nil id).
package bus

import (
	"encoding/json"
	"fmt"

	bub "github.com/bublab/bub"
)

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification returns true if this is a notification (no ID field).
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// Application error codes (server domain errors, -320xx range).
const (
	errCodeNotInitialized     = -32000
	errCodeAlreadyInitialized = -32001
	errCodeClientInUse        = -32002
)

// --- Method names ---

const (
	methodInitialize  = "initialize"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodSendMessage = "sendMessage"
	methodPing        = "ping"
	methodDeliver     = "deliverMessage"
)

// --- Method payloads ---

type initializeParams struct {
	ClientID   string          `json:"clientId"`
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ServerInfo   serverInfo `json:"serverInfo"`
	Capabilities []string   `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type subscribeParams struct {
	Pattern string `json:"pattern"`
}

type subscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

type unsubscribeParams struct {
	Pattern string `json:"pattern"`
}

type sendMessageParams struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type sendMessageResult struct {
	Delivered int `json:"delivered"`
}

type pingResult struct {
	TS string `json:"ts"`
}

// deliverParams is the payload of a server-issued deliverMessage
// notification.
type deliverParams struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
}

// --- Domain payload envelope ---

// Envelope is the canonical payload shape for domain messages on the
// bus. Content is a tagged union over Type; typed variants decode via
// the Decode* helpers and unknown types stay available as raw JSON.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// Envelope content types.
const (
	TypeMessage      = "tg_message"
	TypeReply        = "tg_reply"
	TypeSpawnRequest = "spawn_request"
	TypeSpawnResult  = "spawn_result"
	TypeAgentEvent   = "agent_event"
	TypeDisconnect   = "disconnect"
)

// NewEnvelope wraps content in a fresh envelope with a generated
// message id and an ISO-8601 UTC timestamp.
func NewEnvelope(msgType, from string, content any) (Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: encode %s content: %w", msgType, err)
	}
	return Envelope{
		MessageID: bub.NewID(),
		Type:      msgType,
		From:      from,
		Timestamp: bub.NowISO(),
		Content:   raw,
	}, nil
}

// DecodeInbound extracts an InboundMessage from a tg_message envelope.
func (e Envelope) DecodeInbound() (bub.InboundMessage, error) {
	var m bub.InboundMessage
	if err := json.Unmarshal(e.Content, &m); err != nil {
		return bub.InboundMessage{}, fmt.Errorf("bus: decode inbound: %w", err)
	}
	return m, nil
}

// DecodeOutbound extracts an OutboundMessage from a tg_reply envelope.
func (e Envelope) DecodeOutbound() (bub.OutboundMessage, error) {
	var m bub.OutboundMessage
	if err := json.Unmarshal(e.Content, &m); err != nil {
		return bub.OutboundMessage{}, fmt.Errorf("bus: decode outbound: %w", err)
	}
	return m, nil
}

// DecodeContent unmarshals the envelope content into v.
func (e Envelope) DecodeContent(v any) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("bus: decode %s content: %w", e.Type, err)
	}
	return nil
}

// SpawnRequest asks the agent runtime to fork a tape and run a prompt
// on the child. ChildTapeID and FromAnchor are optional: empty means a
// generated id and a fork at the source tail.
type SpawnRequest struct {
	SourceTapeID string `json:"sourceTapeId"`
	ChildTapeID  string `json:"childTapeId,omitempty"`
	FromAnchor   string `json:"fromAnchor,omitempty"`
	Prompt       string `json:"prompt"`
}

// AgentEvent is a lifecycle notification published on system topics.
type AgentEvent struct {
	Name     string `json:"name"`
	TapeID   string `json:"tapeId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// --- frame encoding helpers ---

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %s params: %w", method, err)
	}
	req := request{JSONRPC: "2.0", Method: method, Params: raw}
	if id > 0 {
		req.ID = json.RawMessage(fmt.Sprintf("%d", id))
	}
	return json.Marshal(req)
}

func encodeResponse(id json.RawMessage, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("bus: encode result: %w", err)
	}
	if id == nil {
		id = json.RawMessage("null")
	}
	return json.Marshal(response{JSONRPC: "2.0", ID: id, Result: raw})
}

func encodeError(id json.RawMessage, code int, message string, data any) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	return json.Marshal(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}
