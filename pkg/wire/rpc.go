package wire

import (
	"encoding/json"
	"fmt"
)

// RPCRequest is the JSON-RPC-like envelope carried over the common-DP
// wrapper for richer commands.
type RPCRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// RPCError is the failure half of an RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCResponse is the envelope a device answers an RPCRequest with.
// Exactly one of Result or Err is populated.
type RPCResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *RPCError       `json:"error,omitempty"`
}

// EncodeRPC builds a data-point mapping carrying the envelope on the
// common request slot. The envelope is embedded as a JSON string, which
// is how the device schema transports it.
func EncodeRPC(req *RPCRequest) (map[int]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}
	return map[int]any{DPCommonRequest: string(body)}, nil
}

// DecodeRPC extracts an RPC response from a data-point mapping, looking
// on the common response slot. ok is false when the mapping carries no
// envelope, which is normal for plain DP reports.
func DecodeRPC(dps map[int]json.RawMessage) (*RPCResponse, bool, error) {
	raw, found := dps[DPCommonResponse]
	if !found {
		return nil, false, nil
	}
	// The envelope arrives as a JSON string wrapping the object.
	var body string
	if err := json.Unmarshal(raw, &body); err != nil {
		// Some firmware revisions send the object directly.
		body = string(raw)
	}
	var resp RPCResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, true, fmt.Errorf("parse rpc response: %w", err)
	}
	return &resp, true, nil
}

// B01Envelope is the message-id correlated wrapper used by the B01
// generation, whose responses are matched on the inner msgId rather
// than the frame's request id.
type B01Envelope struct {
	MsgID  int64           `json:"msgId"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EncodeB01 builds a data-point mapping carrying a msgId envelope on
// the common request slot, embedded as a JSON string like the standard
// envelope.
func EncodeB01(env *B01Envelope) (map[int]any, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal b01 envelope: %w", err)
	}
	return map[int]any{DPCommonRequest: string(body)}, nil
}

// DecodeB01 scans every data-point value for a msgId envelope and
// returns the first one found.
func DecodeB01(dps map[int]json.RawMessage) (*B01Envelope, bool) {
	for _, raw := range dps {
		var body string
		if err := json.Unmarshal(raw, &body); err != nil {
			continue
		}
		var env B01Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil || env.MsgID == 0 {
			continue
		}
		return &env, true
	}
	return nil, false
}
