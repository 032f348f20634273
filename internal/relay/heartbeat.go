package relay

import (
	"time"

	"github.com/unitybridge/relay/internal/protocol"
)

// heartbeatLoop sends periodic PINGs to instanceID using the single
// outstanding PING discipline: it never sends a second PING while the
// first is still waiting for its PONG or its timeout. After
// HeartbeatMaxFailures consecutive missed PONGs (or failed sends) it marks
// the instance DISCONNECTED and exits; the read loop then stops at its next
// read deadline and runs the connection's teardown. An instance that stops
// sending frames altogether is usually caught first by the read loop's own
// stale-heartbeat check (spec §4.e).
func (rl *Relay) heartbeatLoop(instanceID string, stop chan struct{}) {
	failures := 0

	for {
		select {
		case <-stop:
			return
		case <-time.After(rl.cfg.HeartbeatInterval()):
		}

		inst, ok := rl.registry.Get(instanceID)
		if !ok || !inst.IsConnected() {
			return
		}

		timeout := rl.cfg.HeartbeatTimeout()
		if inst.Status() == protocol.StatusReloading {
			timeout = rl.cfg.ReloadTimeout()
		}

		pongCh := make(chan struct{}, 1)
		rl.mu.Lock()
		rl.pendingPongs[instanceID] = pongCh
		rl.mu.Unlock()

		if err := inst.WriteFrame(protocol.NewPing()); err != nil {
			rl.clearPendingPong(instanceID, pongCh)
			failures++
			if failures >= rl.cfg.HeartbeatMaxFailures {
				rl.logger.Error("heartbeat send failed repeatedly, giving up", "instance", instanceID)
				inst.SetStatus(protocol.StatusDisconnected)
				return
			}
			continue
		}

		select {
		case <-pongCh:
			failures = 0
		case <-time.After(timeout):
			failures++
			rl.logger.Warn("heartbeat timeout", "instance", instanceID, "failures", failures, "max", rl.cfg.HeartbeatMaxFailures)
			if failures >= rl.cfg.HeartbeatMaxFailures {
				rl.clearPendingPong(instanceID, pongCh)
				rl.logger.Error("heartbeat failed repeatedly, giving up", "instance", instanceID)
				inst.SetStatus(protocol.StatusDisconnected)
				return
			}
		case <-stop:
			rl.clearPendingPong(instanceID, pongCh)
			return
		}

		rl.clearPendingPong(instanceID, pongCh)
	}
}

func (rl *Relay) clearPendingPong(instanceID string, expect chan struct{}) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.pendingPongs[instanceID] == expect {
		delete(rl.pendingPongs, instanceID)
	}
}
