package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Reserved data points of the common-DP wrapper. Sub-commands without a
// top-level data-point slot are multiplexed through DPCommonRequest; the
// device echoes their results on DPCommonResponse.
const (
	DPCommonRequest  = 101
	DPCommonResponse = 102
)

// payloadEnvelope is the JSON object a payload decrypts to.
type payloadEnvelope struct {
	T   int64                      `json:"t,omitempty"`
	DPS map[string]json.RawMessage `json:"dps"`
}

// EncodeDPS serializes a data-point mapping into a payload body.
func EncodeDPS(dps map[int]any) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(dps))
	for id, v := range dps {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal dp %d: %w", id, err)
		}
		out[strconv.Itoa(id)] = raw
	}
	return json.Marshal(payloadEnvelope{T: time.Now().Unix(), DPS: out})
}

// DecodeDPS parses a decrypted payload into its data-point mapping.
// Values are left as raw JSON for the caller to interpret.
func DecodeDPS(payload []byte) (map[int]json.RawMessage, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse dps payload: %w", err)
	}
	out := make(map[int]json.RawMessage, len(env.DPS))
	for key, raw := range env.DPS {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("non-numeric dp id %q", key)
		}
		out[id] = raw
	}
	return out, nil
}

// WrapCommon nests a mapping of inner data points inside the reserved
// common-DP slot. The inner keys are stringified per the device schema.
func WrapCommon(inner map[int]any) map[int]any {
	nested := make(map[string]any, len(inner))
	for id, v := range inner {
		nested[strconv.Itoa(id)] = v
	}
	return map[int]any{DPCommonRequest: nested}
}

// UnwrapCommon extracts the inner data-point mapping from a common-DP
// echo, if present. ok is false when the payload carries no common-DP
// response slot.
func UnwrapCommon(dps map[int]json.RawMessage) (map[int]json.RawMessage, bool, error) {
	raw, found := dps[DPCommonResponse]
	if !found {
		return nil, false, nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, true, fmt.Errorf("parse common dp echo: %w", err)
	}
	out := make(map[int]json.RawMessage, len(nested))
	for key, v := range nested {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, true, fmt.Errorf("non-numeric inner dp id %q", key)
		}
		out[id] = v
	}
	return out, true, nil
}
