package protocol

import "encoding/json"

// Outcome is the result of executing one command against an instance,
// independent of whether it arrived via a direct COMMAND_RESULT or was
// synthesized by the relay itself (timeout, queue full, disconnect, ...).
// It is the common currency between the dispatch core, the per-instance
// command queue, and the request cache, which only ever looks at Success.
type Outcome struct {
	Success      bool
	Data         json.RawMessage
	ErrorCode    ErrorCode
	ErrorMessage string
}

// ToMessage renders the outcome as the RESPONSE or ERROR frame a client
// receives for request id.
func (o Outcome) ToMessage(id string) any {
	if o.Success {
		return NewResponse(id, o.Data)
	}
	return NewErrorFromCode(id, o.ErrorCode, o.ErrorMessage)
}

// NewFrameClosedError reports a write attempted against a closed sink.
func NewFrameClosedError() *FrameError {
	return newFrameError(ErrInternalError, "connection closed", nil)
}
