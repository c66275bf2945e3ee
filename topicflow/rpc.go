/******************************************************************************
 *
 *  Description :
 *
 *    Wire envelope. Messages are JSON-RPC 2.0 shaped: a request carries
 *    {id, method, params}, a success reply {id, result, meta} and an error
 *    reply {id, error}. Frames are JSON arrays of message objects. Full
 *    JSON-RPC compliance is not a goal; only the "method not found" error
 *    code is honored for unknown inbound requests.
 *
 *****************************************************************************/

package topicflow

import (
	"encoding/json"
	"fmt"
	"strconv"

	sf "github.com/tinode/snowflake"
)

const rpcVersion = "2.0"

// Protocol vocabulary. Anything else inbound is answered with
// codeMethodNotFound.
const (
	methodInit                     = "init"
	methodPing                     = "ping"
	methodColdSync                 = "cold_sync"
	methodWarmSync                 = "warm_sync"
	methodTopicSubscribe           = "topic_subscribe"
	methodTopicUnsubscribe         = "topic_unsubscribe"
	methodTopicSnapshot            = "topic_snapshot"
	methodTopicVerifyRequest       = "topic_verify_request"
	methodTopicVerifyReply         = "topic_verify_reply"
	methodTopicDiff                = "topic_diff"
	methodTopicSetKey              = "topic_set_key"
	methodTopicSetPresenceKey      = "topic_set_presence_key"
	methodTopicClearPrefix         = "topic_clear_prefix"
	methodTopicClearPresencePrefix = "topic_clear_presence_prefix"
	methodTopicAtomicAdd           = "topic_atomic_add"
	methodTopicAtomicSubtract      = "topic_atomic_subtract"
)

const codeMethodNotFound = -32601

// RpcError is the error object of an error reply. It doubles as the error
// value delivered to callers whose request the server rejected.
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc: %s (code %d)", e.Message, e.Code)
}

type rpcMeta struct {
	// Server-side processing time in microseconds.
	Us int64 `json:"us"`
}

// rpcMessage is a single wire message: a request, a success reply or an
// error reply, depending on which fields are populated.
type rpcMessage struct {
	Version string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Result  any            `json:"result,omitempty"`
	Meta    *rpcMeta       `json:"meta,omitempty"`
	Error   *RpcError      `json:"error,omitempty"`
}

func (m *rpcMessage) isRequest() bool {
	return m.Method != ""
}

func (m *rpcMessage) isError() bool {
	return m.Method == "" && m.Error != nil
}

// Request id generator. Ids only need to be unique within one connection
// lineage; the worker id is irrelevant client-side.
var ridSeq, _ = sf.NewSnowFlake(0)

func newRequestID() string {
	id, err := ridSeq.Next()
	if err != nil {
		// Clock moved back far enough to exhaust the sequence. Should not
		// happen; a zero id would break reply correlation.
		panic("rpc: id generation failed: " + err.Error())
	}
	return strconv.FormatUint(id, 32)
}

func newRequest(method string, params map[string]any) *rpcMessage {
	return &rpcMessage{
		Version: rpcVersion,
		ID:      newRequestID(),
		Method:  method,
		Params:  params,
	}
}

// newResult builds a success reply. A nil result is still serialized as
// an explicit JSON null.
func newResult(id string, result any) *rpcMessage {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &rpcMessage{Version: rpcVersion, ID: id, Result: result}
}

func newError(id string, code int, message string) *rpcMessage {
	return &rpcMessage{
		Version: rpcVersion,
		ID:      id,
		Error:   &RpcError{Code: code, Message: message},
	}
}

func methodNotFound(id, method string) *rpcMessage {
	return newError(id, codeMethodNotFound, "method not found: "+method)
}

// marshalFrame serializes messages into one text frame.
func marshalFrame(msgs ...*rpcMessage) ([]byte, error) {
	return json.Marshal(msgs)
}

// parseFrame decodes a text frame into its messages.
func parseFrame(raw []byte) ([]*rpcMessage, error) {
	var msgs []*rpcMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			return nil, fmt.Errorf("rpc: frame contains message without id")
		}
	}
	return msgs, nil
}

// Typed param accessors. Inbound params come from encoding/json, so
// numbers are float64 and objects are map[string]any.

func paramString(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

func paramInt(params map[string]any, name string) int64 {
	switch v := params[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func paramMap(params map[string]any, name string) map[string]any {
	m, _ := params[name].(map[string]any)
	return m
}
