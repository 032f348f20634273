package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// envelope is the field pair every message shares; it is used to classify
// an inbound frame before unmarshaling it into its concrete type.
type envelope struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// PeekType extracts the discriminating "type" field from a raw frame
// without committing to a concrete message struct. An absent or empty
// type is a PROTOCOL_ERROR per spec §4.b.
func PeekType(raw json.RawMessage) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", newFrameError(ErrMalformedJSON, "decode envelope", err)
	}
	if env.Type == "" {
		return "", newFrameError(ErrProtocolError, "missing type field", nil)
	}
	return env.Type, nil
}

// Message type discriminators (spec §6).
const (
	TypeRegister       = "REGISTER"
	TypeRegistered     = "REGISTERED"
	TypeStatus         = "STATUS"
	TypeCommandResult  = "COMMAND_RESULT"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeCommand        = "COMMAND"
	TypeRequest        = "REQUEST"
	TypeListInstances  = "LIST_INSTANCES"
	TypeSetDefault     = "SET_DEFAULT"
	TypeResponse       = "RESPONSE"
	TypeError          = "ERROR"
	TypeInstances      = "INSTANCES"
)

// Instance statuses (spec §3 / §6).
const (
	StatusReady        = "ready"
	StatusBusy         = "busy"
	StatusReloading    = "reloading"
	StatusDisconnected = "disconnected"
)

// RegisterMessage is sent agent -> relay to announce an instance.
type RegisterMessage struct {
	Type            string   `json:"type"`
	Ts              int64    `json:"ts"`
	ProtocolVersion string   `json:"protocol_version"`
	InstanceID      string   `json:"instance_id"`
	ProjectName     string   `json:"project_name"`
	AgentVersion    string   `json:"unity_version"`
	Capabilities    []string `json:"capabilities"`
}

// RegisteredMessage is sent relay -> agent in reply to REGISTER.
type RegisteredMessage struct {
	Type                string       `json:"type"`
	Ts                  int64        `json:"ts"`
	Success             bool         `json:"success"`
	HeartbeatIntervalMs int          `json:"heartbeat_interval_ms,omitempty"`
	Error               *ErrorDetail `json:"error,omitempty"`
}

func NewRegistered(success bool, heartbeatIntervalMs int, errDetail *ErrorDetail) *RegisteredMessage {
	return &RegisteredMessage{Type: TypeRegistered, Ts: nowMs(), Success: success, HeartbeatIntervalMs: heartbeatIntervalMs, Error: errDetail}
}

// StatusMessage is sent agent -> relay to report a status transition.
type StatusMessage struct {
	Type       string  `json:"type"`
	Ts         int64   `json:"ts"`
	InstanceID string  `json:"instance_id"`
	Status     string  `json:"status"`
	Detail     *string `json:"detail,omitempty"`
}

// CommandResultMessage is sent agent -> relay to complete a COMMAND.
type CommandResultMessage struct {
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// PingMessage is sent relay -> agent as a heartbeat.
type PingMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

func NewPing() *PingMessage { return &PingMessage{Type: TypePing, Ts: nowMs()} }

// PongMessage is sent agent -> relay in reply to PING.
type PongMessage struct {
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	EchoTs  int64  `json:"echo_ts"`
}

// CommandMessage is sent relay -> agent to invoke one command.
type CommandMessage struct {
	Type      string          `json:"type"`
	Ts        int64           `json:"ts"`
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeout_ms"`
}

func NewCommand(id, command string, params json.RawMessage, timeoutMs int) *CommandMessage {
	if params == nil {
		params = json.RawMessage("{}")
	}
	return &CommandMessage{Type: TypeCommand, Ts: nowMs(), ID: id, Command: command, Params: params, TimeoutMs: timeoutMs}
}

// RequestMessage is sent client -> relay to invoke one command on an instance.
type RequestMessage struct {
	Type      string          `json:"type"`
	Ts        int64           `json:"ts"`
	ID        string          `json:"id"`
	Instance  string          `json:"instance,omitempty"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeout_ms"`
}

// ListInstancesMessage is sent client -> relay to enumerate instances.
type ListInstancesMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
	ID   string `json:"id"`
}

// SetDefaultMessage is sent client -> relay to change the default instance.
type SetDefaultMessage struct {
	Type     string `json:"type"`
	Ts       int64  `json:"ts"`
	ID       string `json:"id"`
	Instance string `json:"instance"`
}

// ResponseMessage is sent relay -> client on success.
type ResponseMessage struct {
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewResponse(id string, data json.RawMessage) *ResponseMessage {
	return &ResponseMessage{Type: TypeResponse, Ts: nowMs(), ID: id, Success: true, Data: data}
}

// ErrorMessage is sent relay -> client on failure.
type ErrorMessage struct {
	Type    string      `json:"type"`
	Ts      int64       `json:"ts"`
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// NewErrorFromCode builds the standard ERROR frame for a given code.
func NewErrorFromCode(id string, code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Ts: nowMs(), ID: id, Success: false, Error: ErrorDetail{Code: code, Message: message}}
}

func (e *ErrorMessage) Errorf(format string, args ...any) *ErrorMessage {
	e.Error.Message = fmt.Sprintf(format, args...)
	return e
}

// InstanceInfo is one entry of an INSTANCES response (spec §4.f).
type InstanceInfo struct {
	InstanceID   string   `json:"instance_id"`
	ProjectName  string   `json:"project_name"`
	AgentVersion string   `json:"unity_version"`
	Status       string   `json:"status"`
	IsDefault    bool     `json:"is_default"`
	Capabilities []string `json:"capabilities"`
	QueueSize    int      `json:"queue_size"`
}

// InstancesData is the `data` payload of an INSTANCES response.
type InstancesData struct {
	Instances []InstanceInfo `json:"instances"`
}

// InstancesMessage is sent relay -> client in reply to LIST_INSTANCES.
type InstancesMessage struct {
	Type    string        `json:"type"`
	Ts      int64         `json:"ts"`
	ID      string        `json:"id"`
	Success bool          `json:"success"`
	Data    InstancesData `json:"data"`
}

func NewInstances(id string, instances []InstanceInfo) *InstancesMessage {
	if instances == nil {
		instances = []InstanceInfo{}
	}
	return &InstancesMessage{Type: TypeInstances, Ts: nowMs(), ID: id, Success: true, Data: InstancesData{Instances: instances}}
}
