package sandbox

import (
	"encoding/json"
	"fmt"
)

// Wire format of the envd RPC protocol: JSON-RPC-shaped text frames over one
// WebSocket connection. Replies correlate to requests by id; notifications
// carry no id and are routed by subscription id instead.

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcReply struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorBody   `json:"error,omitempty"`
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type rpcNotification struct {
	Method string             `json:"method"`
	Params notificationParams `json:"params"`
}

// rpcMessage is the superset used to classify inbound frames.
type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorBody   `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// decodeMessage classifies an inbound frame as a reply or a notification.
// A frame carrying an error or a (result, id) pair is a reply; a frame
// carrying params is a notification; anything else is a protocol violation.
func decodeMessage(frame []byte) (*rpcReply, *rpcNotification, error) {
	var msg rpcMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, nil, &ProtocolError{Reason: fmt.Sprintf("unparseable frame: %s", err), Frame: frame}
	}

	switch {
	case msg.Error != nil && msg.ID != nil:
		return &rpcReply{ID: *msg.ID, Error: msg.Error}, nil, nil
	case msg.Result != nil && msg.ID != nil:
		return &rpcReply{ID: *msg.ID, Result: msg.Result}, nil, nil
	case msg.Params != nil:
		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, nil, &ProtocolError{Reason: fmt.Sprintf("bad notification params: %s", err), Frame: frame}
		}
		return nil, &rpcNotification{Method: msg.Method, Params: params}, nil
	}
	return nil, nil, &ProtocolError{Reason: "frame is neither a reply nor a notification", Frame: frame}
}
