package interpreter

import "encoding/json"

// Wire format of the kernel messaging protocol: JSON text frames whose
// header carries the message type and whose parent header id correlates a
// frame back to the execute request that caused it.
// https://jupyter-client.readthedocs.io/en/stable/messaging.html

const protocolVersion = "5.3"

const (
	msgTypeExecuteRequest = "execute_request"
	msgTypeExecuteInput   = "execute_input"
	msgTypeExecuteReply   = "execute_reply"
	msgTypeExecuteResult  = "execute_result"
	msgTypeDisplayData    = "display_data"
	msgTypeStream         = "stream"
	msgTypeStatus         = "status"
	msgTypeError          = "error"
)

type kernelHeader struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username,omitempty"`
	Session  string `json:"session,omitempty"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version,omitempty"`
}

type parentHeader struct {
	MsgID string `json:"msg_id"`
}

// kernelMessage is an inbound frame. Content is opaque here; each message
// type decodes its own content shape.
type kernelMessage struct {
	Header       kernelHeader    `json:"header"`
	ParentHeader parentHeader    `json:"parent_header"`
	Content      json.RawMessage `json:"content"`
}

type executeRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
}

type executeRequestMessage struct {
	Header       kernelHeader          `json:"header"`
	ParentHeader struct{}              `json:"parent_header"`
	Metadata     struct{}              `json:"metadata"`
	Content      executeRequestContent `json:"content"`
}

func newExecuteRequest(msgID, sessionID, code string) executeRequestMessage {
	return executeRequestMessage{
		Header: kernelHeader{
			MsgID:    msgID,
			Username: "sandbox",
			Session:  sessionID,
			MsgType:  msgTypeExecuteRequest,
			Version:  protocolVersion,
		},
		Content: executeRequestContent{
			Code:            code,
			Silent:          false,
			StoreHistory:    true,
			UserExpressions: map[string]any{},
			AllowStdin:      false,
		},
	}
}

type executeInputContent struct {
	ExecutionCount int `json:"execution_count"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type displayContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

type errorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
	errorContent
}

type executeReplyContent struct {
	Status string `json:"status"`
	errorContent
}
