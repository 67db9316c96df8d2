// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Control-plane and client-facing event names.
const (
	EvHelloFromClient       = "hello_from_client"
	EvAuthSuccess           = "auth_success"
	EvAuthFailed            = "auth_failed"
	EvKeepalive             = "keepalive"
	EvGetBFDefaultConfig    = "get_bloom_filter_default_config"
	EvBFDefaultConfig       = "bloom_filter_default_config"
	EvRevokeJwt             = "revoke_jwt"
	EvAdjustBloomFilter     = "adjust_bloom_filter"
	EvAdjustBloomFilterDone = "adjust_bloom_filter_done"
	EvBloomFilterStatus     = "bloom_filter_status"
	EvNodeStatus            = "node_status"
	EvIsJwtRevoked          = "is_jwt_revoked"
	EvIsJwtRevokedResponse  = "is_jwt_revoked_response"
	EvGetRevokeLog          = "get_revoke_log"
	EvGetRevokeLogResponse  = "get_revoke_log_response"
	EvGetRevokeLogDone      = "get_revoke_log_done"
)

// UseNumber keeps integer data values in their decimal form when coercing
// to strings (the standard float64 path would mangle large timestamps).
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

type wireMsg struct {
	Event string            `json:"event"`
	Data  map[string]string `json:"data"`
}

// MsgAssembly serializes (event, data) into the wire JSON object. All data
// values cross the wire as JSON strings.
func MsgAssembly(event string, data map[string]string) (string, error) {
	if event == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty event")
	}
	if data == nil {
		data = map[string]string{}
	}
	b, err := jsonAPI.Marshal(wireMsg{Event: event, Data: data})
	if err != nil {
		return "", errors.Wrapf(ErrProtocol, "assemble %q: %v", event, err)
	}
	return string(b), nil
}

// MsgParse decodes a wire message. Scalar data values are coerced to
// strings: numbers in decimal, booleans as "true"/"false", nulls as "null".
// Unknown top-level keys are ignored.
func MsgParse(raw string) (event string, data map[string]string, err error) {
	var m map[string]any
	if err := jsonAPI.UnmarshalFromString(raw, &m); err != nil {
		return "", nil, errors.Wrapf(ErrProtocol, "not a JSON object: %v", err)
	}
	ev, ok := m["event"].(string)
	if !ok || ev == "" {
		return "", nil, errors.Wrap(ErrProtocol, "missing event")
	}
	data = map[string]string{}
	if dv, ok := m["data"].(map[string]any); ok {
		for k, v := range dv {
			data[k] = coerceScalar(v)
		}
	}
	return ev, data, nil
}

func coerceScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		// nested objects/arrays are not part of the protocol
		b, err := jsonAPI.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
