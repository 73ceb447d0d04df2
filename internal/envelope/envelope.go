// Package envelope encodes and decodes the JSON envelope shared by every
// device-management message:
//
//	request:  {"d": {...}, "reqId": "..."}
//	response: {"rc": 200, "message": "...", "d": {...}, "reqId": "..."}
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Response codes.
const (
	RCSuccess        = 200
	RCAccepted       = 202
	RCChanged        = 204
	RCBadRequest     = 400
	RCNotFound       = 404
	RCConflict       = 409
	RCInternalError  = 500
	RCNotImplemented = 501
)

// RequestIDField is the JSON key carrying the correlation id.
const RequestIDField = "reqId"

var (
	// ErrMalformed is returned for payloads that are not a JSON object or
	// that lack a request id where one is required.
	ErrMalformed = errors.New("envelope: malformed message")

	// ErrRequestIDPresent is returned when a caller-supplied body already
	// carries a request id.
	ErrRequestIDPresent = errors.New("envelope: body already contains reqId")
)

// Request is a command from the server, or a request the device sends.
type Request struct {
	ReqID string          `json:"reqId"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// Response answers a Request with the same ReqID.
type Response struct {
	ReqID   string          `json:"reqId"`
	RC      int             `json:"rc"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"d,omitempty"`
}

// OK reports whether RC is in the 2xx range.
func (r *Response) OK() bool {
	return r.RC >= 200 && r.RC < 300
}

// DecodeRequest parses a server command. The request id is mandatory.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := decodeObject(payload, &req); err != nil {
		return nil, err
	}
	if req.ReqID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, RequestIDField)
	}
	return &req, nil
}

// DecodeResponse parses a server response. The request id is mandatory.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := decodeObject(payload, &resp); err != nil {
		return nil, err
	}
	if resp.ReqID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, RequestIDField)
	}
	return &resp, nil
}

func decodeObject(payload []byte, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// InjectRequestID returns body with reqId set to id. An empty body becomes
// {"reqId": id}. Other top-level fields are preserved.
func InjectRequestID(body []byte, id string) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if err := decodeObject(trimmed, &fields); err != nil {
			return nil, err
		}
	}
	if _, exists := fields[RequestIDField]; exists {
		return nil, ErrRequestIDPresent
	}

	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding request id: %w", err)
	}
	fields[RequestIDField] = rawID

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return out, nil
}

// NewRequestBody wraps data as {"d": data}. A nil data yields "{}".
func NewRequestBody(data any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(struct {
		Data any `json:"d"`
	}{Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return out, nil
}

// EncodeResponse renders a device response. data may be nil.
func EncodeResponse(reqID string, rc int, message string, data any) ([]byte, error) {
	resp := Response{ReqID: reqID, RC: rc, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding response data: %w", err)
		}
		resp.Data = raw
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return out, nil
}
