package relay

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/unitybridge/relay/internal/protocol"
)

// idOnly extracts just the "id" field from a frame whose concrete type is
// not yet known, so a decode failure can still be reported against the
// right request id.
func idOnly(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &v)
	return v.ID
}

// handleClientMessage serves one CLI connection: REQUEST, LIST_INSTANCES,
// or SET_DEFAULT. CLI connections are one-shot — a single reply is written
// and the connection closes (spec §5).
func (rl *Relay) handleClientMessage(conn net.Conn, raw json.RawMessage) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		rl.logger.Warn("malformed client message", "peer", conn.RemoteAddr(), "error", err)
		return
	}

	var resp any
	switch msgType {
	case protocol.TypeListInstances:
		msg, derr := decode[protocol.ListInstancesMessage](raw)
		if derr != nil {
			resp = protocol.NewErrorFromCode(idOnly(raw), protocol.ErrMalformedJSON, derr.Error())
			break
		}
		resp = protocol.NewInstances(msg.ID, rl.registry.ListAll())

	case protocol.TypeSetDefault:
		msg, derr := decode[protocol.SetDefaultMessage](raw)
		if derr != nil {
			resp = protocol.NewErrorFromCode(idOnly(raw), protocol.ErrMalformedJSON, derr.Error())
			break
		}
		if rl.registry.SetDefault(msg.Instance) {
			data, _ := json.Marshal(map[string]string{"message": fmt.Sprintf("Default instance set to %s", msg.Instance)})
			resp = protocol.NewResponse(msg.ID, data)
		} else {
			resp = protocol.NewErrorFromCode(msg.ID, protocol.ErrInstanceNotFound, fmt.Sprintf("Instance not found: %s", msg.Instance))
		}

	case protocol.TypeRequest:
		msg, derr := decode[protocol.RequestMessage](raw)
		if derr != nil {
			resp = protocol.NewErrorFromCode(idOnly(raw), protocol.ErrMalformedJSON, derr.Error())
			break
		}
		outcome := rl.handleRequest(msg)
		resp = outcome.ToMessage(msg.ID)

	default:
		resp = protocol.NewErrorFromCode(idOnly(raw), protocol.ErrProtocolError, "Unknown message type: "+msgType)
	}

	if err := protocol.WriteFrame(conn, resp); err != nil {
		rl.logger.Warn("failed to write client response", "peer", conn.RemoteAddr(), "error", err)
	}
}
