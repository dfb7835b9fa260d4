// Package protocol defines the JSON frame types exchanged between the
// Gateway and the Worker over the WebSocket link. Frames are UTF-8 JSON
// text messages; only the `type` field is required to route a frame.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the largest frame either peer will read or write.
const MaxFrameSize = 1 << 20 // 1 MiB

// FrameType is the value of the `type` field of a frame.
type FrameType string

const (
	// From Worker to Gateway.
	FrameAgentHello       FrameType = "agent_hello"
	FrameActionResponse   FrameType = "action_response"
	FrameEmergencyStopAck FrameType = "emergency_stop_ack"
	FrameResumeAck        FrameType = "resume_ack"
	FramePong             FrameType = "pong"

	// From Gateway to Worker.
	FrameActionRequest FrameType = "action_request"
	FrameAction        FrameType = "action" // legacy alias of action_request
	FrameEmergencyStop FrameType = "emergency_stop"
	FrameResume        FrameType = "resume"
	FramePing          FrameType = "ping"
)

// Envelope is used to extract the `type` field before decoding the full frame.
type Envelope struct {
	Type FrameType `json:"type"`
}

// AgentHello is sent by the Worker immediately after connecting.
type AgentHello struct {
	Type         FrameType `json:"type"`
	AgentVersion string    `json:"agent_version"`
	Capabilities []string  `json:"capabilities"`
}

// ActionRequest asks the Worker to run a named action.
type ActionRequest struct {
	Type      FrameType      `json:"type"`
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Confirmed bool           `json:"confirmed,omitempty"`
}

// ExecResult is the captured output of a subprocess or filesystem operation.
type ExecResult struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// ActionResponse is the Worker's single reply to an ActionRequest.
// Exactly one of Result or Error is meaningful depending on Status.
type ActionResponse struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"` // "success" | "error"
	Action    string          `json:"action,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ControlFrame covers emergency_stop, resume, ping and their acks.
type ControlFrame struct {
	Type   FrameType `json:"type"`
	Status string    `json:"status,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Success builds a success ActionResponse with result marshalled into place.
func Success(requestID, action string, result any) (*ActionResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &ActionResponse{
		Type:      FrameActionResponse,
		RequestID: requestID,
		Status:    StatusSuccess,
		Action:    action,
		Result:    raw,
	}, nil
}

// Failure builds an error ActionResponse.
func Failure(requestID, action, reason string) *ActionResponse {
	return &ActionResponse{
		Type:      FrameActionResponse,
		RequestID: requestID,
		Status:    StatusError,
		Action:    action,
		Error:     reason,
	}
}

// Decode unmarshals a raw frame into the struct matching its type field.
// Returns the envelope type and the decoded frame, or an error for frames
// that are not valid JSON objects. Unknown types return the envelope type
// with a nil frame so callers can log and ignore them.
func Decode(data []byte) (FrameType, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch env.Type {
	case FrameAgentHello:
		var f AgentHello
		if err := json.Unmarshal(data, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode agent_hello: %w", err)
		}
		return env.Type, &f, nil
	case FrameActionRequest, FrameAction:
		var f ActionRequest
		if err := json.Unmarshal(data, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode action_request: %w", err)
		}
		return env.Type, &f, nil
	case FrameActionResponse:
		var f ActionResponse
		if err := json.Unmarshal(data, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode action_response: %w", err)
		}
		return env.Type, &f, nil
	case FrameEmergencyStop, FrameResume, FramePing,
		FrameEmergencyStopAck, FrameResumeAck, FramePong:
		var f ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode control frame: %w", err)
		}
		return env.Type, &f, nil
	default:
		return env.Type, nil, nil
	}
}
