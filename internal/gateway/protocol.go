package gateway

import (
	"encoding/json"

	"github.com/kernelmux/kernelmux/internal/wire"
)

type MessageType string

const (
	// Server -> browser.
	MsgSnapshot MessageType = "snapshot"
	MsgIOPub    MessageType = "iopub"
	MsgReply    MessageType = "reply"
	MsgDead     MessageType = "dead"
	MsgError    MessageType = "error"

	// Browser -> server.
	MsgCall  MessageType = "call"
	MsgInput MessageType = "input"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// KernelInfo is the REST and snapshot view of one kernel.
type KernelInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	State             string `json:"state"`
	Alive             bool   `json:"alive"`
	HeartbeatFailures int    `json:"heartbeat_failures"`
}

// StartRequest creates a kernel: either by kernelspec name or by
// attaching to an existing connection file.
type StartRequest struct {
	Name           string `json:"name,omitempty"`
	ConnectionFile string `json:"connection_file,omitempty"`
}

// CallPayload carries a shell request from the browser.
type CallPayload struct {
	MsgType string          `json:"msg_type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// InputPayload answers a kernel input_request.
type InputPayload struct {
	ParentMsgID string `json:"parent_msg_id"`
	Value       string `json:"value"`
}

// ReplyPayload wraps a correlated shell reply.
type ReplyPayload struct {
	Message *wire.Message `json:"message"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
