package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unitybridge/relay/internal/protocol"
	"github.com/unitybridge/relay/internal/registry"
)

// handleRequest runs msg through the request cache so that a retried
// request id either replays a cached success or joins an in-flight
// execution instead of running twice (spec §4.d).
func (rl *Relay) handleRequest(msg protocol.RequestMessage) protocol.Outcome {
	timeoutMs := msg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = rl.cfg.CommandTimeoutMs
	}

	outcome, err := rl.cache.Handle(context.Background(), msg.ID, func(ctx context.Context) (protocol.Outcome, error) {
		return rl.executeCommand(ctx, msg.ID, msg.Instance, msg.Command, msg.Params, timeoutMs), nil
	})
	if err != nil {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInternalError, ErrorMessage: err.Error()}
	}
	return outcome
}

// executeCommand waits for the target instance to become reachable, then
// either dispatches the command immediately, queues it behind a BUSY
// instance, or fails with the appropriate error code. Ported from the
// reference relay's wait-then-dispatch loop (spec §4.e).
func (rl *Relay) executeCommand(ctx context.Context, requestID, instanceQuery, command string, params json.RawMessage, timeoutMs int) protocol.Outcome {
	waitBudget := rl.cfg.InstanceReadyWaitBudgetMs
	pollInterval := time.Duration(rl.cfg.InstanceReadyPollIntervalMs) * time.Millisecond
	waitedMs := 0

	for waitedMs < waitBudget {
		inst, err := rl.registry.GetForRequest(instanceQuery)
		if errOutcome, handled := ambiguousOutcome(err); handled {
			return errOutcome
		}

		if inst == nil {
			if instanceQuery != "" {
				return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInstanceNotFound, ErrorMessage: "Instance not found: " + instanceQuery}
			}
			time.Sleep(pollInterval)
			waitedMs += rl.cfg.InstanceReadyPollIntervalMs
			continue
		}

		if inst.Status() == protocol.StatusReloading || inst.Status() == protocol.StatusDisconnected || !inst.IsConnected() {
			time.Sleep(pollInterval)
			waitedMs += rl.cfg.InstanceReadyPollIntervalMs
			continue
		}

		break
	}

	inst, err := rl.registry.GetForRequest(instanceQuery)
	if errOutcome, handled := ambiguousOutcome(err); handled {
		return errOutcome
	}
	if inst == nil {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInstanceNotFound, ErrorMessage: fmt.Sprintf("Instance not found after waiting %dms", waitedMs)}
	}

	if !inst.HasCapability(command) {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrCapabilityNotSupported, ErrorMessage: fmt.Sprintf("Command %q not supported by instance", command)}
	}

	if inst.Status() == protocol.StatusReloading {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInstanceReloading, ErrorMessage: fmt.Sprintf("Instance still reloading after %dms: %s", waitedMs, inst.InstanceID)}
	}

	if inst.Status() == protocol.StatusBusy {
		return rl.queueOrReject(inst, requestID, command, params, timeoutMs)
	}

	return rl.dispatchDirect(ctx, inst, requestID, command, params, timeoutMs)
}

func ambiguousOutcome(err error) (protocol.Outcome, bool) {
	if err == nil {
		return protocol.Outcome{}, false
	}
	var ambig *registry.AmbiguousInstanceError
	if errors.As(err, &ambig) {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrAmbiguousInstance, ErrorMessage: err.Error()}, true
	}
	return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInternalError, ErrorMessage: err.Error()}, true
}

// queueOrReject enqueues a command behind a BUSY instance's FIFO, or fails
// fast with INSTANCE_BUSY / QUEUE_FULL if queuing isn't available.
func (rl *Relay) queueOrReject(inst *registry.Instance, requestID, command string, params json.RawMessage, timeoutMs int) protocol.Outcome {
	if !inst.QueueEnabled() {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInstanceBusy, ErrorMessage: "Instance is busy: " + inst.InstanceID}
	}

	qc := &registry.QueuedCommand{
		RequestID: requestID,
		Command:   command,
		Params:    params,
		TimeoutMs: timeoutMs,
		Done:      make(chan protocol.Outcome, 1),
	}
	if !inst.EnqueueCommand(qc) {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrQueueFull, ErrorMessage: fmt.Sprintf("Command queue is full (max: %d): %s", registry.DefaultQueueMaxSize, inst.InstanceID)}
	}

	select {
	case out := <-qc.Done:
		return out
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		qc.MarkDone(protocol.Outcome{}) // best-effort: let a pump skip it if it hasn't started yet
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrTimeout, ErrorMessage: fmt.Sprintf("Queued command timed out after %dms", timeoutMs)}
	}
}

// dispatchDirect sends command to inst and waits for its COMMAND_RESULT,
// restoring the instance to READY and pumping its queue afterwards
// regardless of outcome.
func (rl *Relay) dispatchDirect(ctx context.Context, inst *registry.Instance, requestID, command string, params json.RawMessage, timeoutMs int) protocol.Outcome {
	resultCh := make(chan protocol.Outcome, 1)
	rl.mu.Lock()
	rl.pendingCommands[requestID] = resultCh
	rl.mu.Unlock()

	inst.SetStatus(protocol.StatusBusy)

	outcome := rl.runDispatch(inst, requestID, command, params, timeoutMs, resultCh)

	rl.mu.Lock()
	delete(rl.pendingCommands, requestID)
	rl.mu.Unlock()

	if inst.Status() == protocol.StatusBusy {
		inst.SetStatus(protocol.StatusReady)
	}
	rl.processQueue(inst)

	return outcome
}

func (rl *Relay) runDispatch(inst *registry.Instance, requestID, command string, params json.RawMessage, timeoutMs int, resultCh chan protocol.Outcome) protocol.Outcome {
	if err := inst.WriteFrame(protocol.NewCommand(requestID, command, params, timeoutMs)); err != nil {
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrInternalError, ErrorMessage: err.Error()}
	}

	select {
	case result := <-resultCh:
		return result
	case <-rl.done:
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrRelayShuttingDown, ErrorMessage: "relay is shutting down"}
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return protocol.Outcome{Success: false, ErrorCode: protocol.ErrTimeout, ErrorMessage: fmt.Sprintf("Command timed out after %dms", timeoutMs)}
	}
}

// processQueue dispatches the next queued command for inst, skipping any
// entry whose waiter already gave up (spec §4.e "queue pump").
func (rl *Relay) processQueue(inst *registry.Instance) {
	if !inst.QueueEnabled() {
		return
	}
	for {
		qc, ok := inst.DequeueCommand()
		if !ok {
			return
		}
		if qc.IsSettled() {
			continue
		}
		outcome := rl.executeCommand(context.Background(), qc.RequestID, inst.InstanceID, qc.Command, qc.Params, qc.TimeoutMs)
		qc.MarkDone(outcome)
		return
	}
}
