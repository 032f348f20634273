package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/unitybridge/relay/internal/logging"
	"github.com/unitybridge/relay/internal/protocol"
	"github.com/unitybridge/relay/internal/registry"
)

// handleInstanceConnection completes the REGISTER handshake and then reads
// that instance's frames until it disconnects (spec §4.b, §5).
func (rl *Relay) handleInstanceConnection(conn net.Conn, firstFrame json.RawMessage) {
	reg, err := decode[protocol.RegisterMessage](firstFrame)
	if err != nil {
		rl.logger.Warn("malformed REGISTER", "peer", conn.RemoteAddr(), "error", err)
		return
	}

	if reg.ProtocolVersion != protocol.Version {
		msg := "Unsupported protocol version: " + reg.ProtocolVersion + ". Expected: " + protocol.Version
		resp := protocol.NewRegistered(false, 0, &protocol.ErrorDetail{
			Code:    protocol.ErrProtocolVersionMismatch,
			Message: msg,
		})
		protocol.WriteFrame(conn, resp)
		return
	}

	inst := rl.registry.Register(reg.InstanceID, reg.ProjectName, reg.AgentVersion, reg.Capabilities, conn)
	log := logging.InstanceLogger(rl.logger, reg.InstanceID)

	if err := protocol.WriteFrame(conn, protocol.NewRegistered(true, rl.cfg.HeartbeatIntervalMs, nil)); err != nil {
		log.Warn("failed to send REGISTERED", "error", err)
		rl.registry.DisconnectWithGrace(reg.InstanceID, rl.cfg.GraceTimeoutMs)
		return
	}
	log.Info("instance registered", "project", reg.ProjectName, "agent_version", reg.AgentVersion)

	stop := make(chan struct{})
	go rl.heartbeatLoop(reg.InstanceID, stop)

	rl.instanceReadLoop(conn, inst, log)

	close(stop)
	if cur, ok := rl.registry.Get(reg.InstanceID); ok && cur != inst {
		// A newer REGISTER for the same id took this record over; that
		// connection owns the id now, so its record and pong slot stay.
		log.Info("instance connection closed after takeover")
		return
	}
	rl.mu.Lock()
	delete(rl.pendingPongs, reg.InstanceID)
	rl.mu.Unlock()
	rl.registry.DisconnectWithGrace(reg.InstanceID, rl.cfg.GraceTimeoutMs)
	log.Info("instance connection closed")
}

func (rl *Relay) instanceReadLoop(conn net.Conn, inst *registry.Instance, log *slog.Logger) {
	for inst.IsConnected() {
		conn.SetReadDeadline(time.Now().Add(rl.cfg.HeartbeatTimeout()))
		raw, err := protocol.ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if rl.registry.HeartbeatTimeoutCheck(inst.InstanceID, rl.cfg.HeartbeatTimeoutMs, rl.cfg.ReloadTimeoutMs) {
					return
				}
				continue
			}
			if errors.Is(err, protocol.ErrConnectionLost) {
				log.Debug("instance connection lost")
				return
			}
			log.Warn("error reading from instance", "error", err)
			return
		}
		rl.handleInstanceMessage(inst, raw)
	}
}

// handleInstanceMessage dispatches one frame received from a registered
// instance: STATUS, COMMAND_RESULT, or PONG (spec §4.b).
func (rl *Relay) handleInstanceMessage(inst *registry.Instance, raw json.RawMessage) {
	inst.UpdateHeartbeat()

	msgType, err := protocol.PeekType(raw)
	if err != nil {
		rl.logger.Warn("malformed instance message", "instance", inst.InstanceID, "error", err)
		return
	}

	switch msgType {
	case protocol.TypeStatus:
		msg, err := decode[protocol.StatusMessage](raw)
		if err != nil {
			rl.logger.Warn("malformed STATUS", "instance", inst.InstanceID, "error", err)
			return
		}
		rl.registry.UpdateStatus(inst.InstanceID, msg.Status)

	case protocol.TypeCommandResult:
		msg, err := decode[protocol.CommandResultMessage](raw)
		if err != nil {
			rl.logger.Warn("malformed COMMAND_RESULT", "instance", inst.InstanceID, "error", err)
			return
		}
		rl.resolvePendingCommand(msg)

	case protocol.TypePong:
		rl.mu.Lock()
		ch := rl.pendingPongs[inst.InstanceID]
		rl.mu.Unlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

	default:
		rl.logger.Warn("unknown instance message type", "instance", inst.InstanceID, "type", msgType)
	}
}

func (rl *Relay) resolvePendingCommand(msg protocol.CommandResultMessage) {
	rl.mu.Lock()
	ch, ok := rl.pendingCommands[msg.ID]
	if ok {
		delete(rl.pendingCommands, msg.ID)
	}
	rl.mu.Unlock()

	if !ok {
		rl.logger.Warn("ignoring late COMMAND_RESULT", "request_id", msg.ID)
		return
	}

	outcome := protocol.Outcome{Success: msg.Success, Data: msg.Data}
	if !msg.Success && msg.Error != nil {
		outcome.ErrorCode = msg.Error.Code
		outcome.ErrorMessage = msg.Error.Message
	}
	select {
	case ch <- outcome:
	default:
	}
}
