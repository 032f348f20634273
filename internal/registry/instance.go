// Package registry implements the relay's instance registry: the mapping
// from instance id to connected editor instance, default-instance
// selection, grace-period handling for reloading instances, and the
// four-stage query resolver.
package registry

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/unitybridge/relay/internal/protocol"
)

// DefaultQueueMaxSize is the bound on a per-instance command queue when
// the queue feature is enabled (spec §3, §5).
const DefaultQueueMaxSize = 10

// QueuedCommand is a command waiting for its turn while the instance is
// BUSY. Done is resolved exactly once, by whichever side settles it first:
// the dispatcher that eventually runs it, or a waiter that gives up first.
type QueuedCommand struct {
	RequestID string
	Command   string
	Params    json.RawMessage
	TimeoutMs int
	Done      chan protocol.Outcome

	mu      sync.Mutex
	settled bool
}

// MarkDone resolves the command's completion channel exactly once,
// reporting whether this call was the one that settled it. Safe to call
// even if nobody is listening — Done is buffered.
func (q *QueuedCommand) MarkDone(outcome protocol.Outcome) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.settled {
		return false
	}
	q.settled = true
	q.Done <- outcome
	return true
}

// IsSettled reports whether the command has already been resolved, so a
// queue pump can skip dispatching a command whose waiter already gave up.
func (q *QueuedCommand) IsSettled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settled
}

// Instance is a connected editor instance (spec §3 "Instance record").
type Instance struct {
	InstanceID   string
	ProjectName  string
	AgentVersion string
	Capabilities []string

	mu             sync.Mutex
	status         string
	registeredAt   time.Time
	lastHeartbeat  time.Time
	reloadingSince *time.Time
	conn           net.Conn
	closed         bool

	writeMu sync.Mutex // serializes frame writes on conn (spec §5 ordering)

	queueEnabled bool
	queueMax     int
	queue        []*QueuedCommand
}

func newInstance(id, project, agentVersion string, capabilities []string, conn net.Conn, queueEnabled bool) *Instance {
	now := time.Now()
	return &Instance{
		InstanceID:    id,
		ProjectName:   project,
		AgentVersion:  agentVersion,
		Capabilities:  capabilities,
		status:        protocol.StatusReady,
		registeredAt:  now,
		lastHeartbeat: now,
		conn:          conn,
		queueEnabled:  queueEnabled,
		queueMax:      DefaultQueueMaxSize,
	}
}

// Status returns the instance's current status.
func (i *Instance) Status() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// SetStatus transitions the instance's status, maintaining the
// reloading_since invariant: it is set exactly when status == RELOADING
// and cleared on any transition away from it (spec §3, §4.c).
func (i *Instance) SetStatus(status string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	old := i.status
	i.status = status
	if status == protocol.StatusReloading {
		now := time.Now()
		i.reloadingSince = &now
	} else if old == protocol.StatusReloading {
		i.reloadingSince = nil
	}
}

// UpdateHeartbeat records that a frame (or PONG) was just received.
func (i *Instance) UpdateHeartbeat() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHeartbeat = time.Now()
}

func (i *Instance) heartbeatElapsed() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastHeartbeat)
}

// IsConnected reports whether the instance has a live, open sink.
func (i *Instance) IsConnected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn != nil && !i.closed && i.status != protocol.StatusDisconnected
}

// IsAvailable reports whether the instance can accept a new command
// immediately (connected and READY).
func (i *Instance) IsAvailable() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn != nil && !i.closed && i.status == protocol.StatusReady
}

// Conn returns the live connection, or nil if the instance is disconnected.
func (i *Instance) Conn() net.Conn {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	return i.conn
}

// WriteFrame serializes v and writes it to the instance's sink, serialized
// against any other concurrent write on the same connection.
func (i *Instance) WriteFrame(v any) error {
	conn := i.Conn()
	if conn == nil {
		return protocol.NewFrameClosedError()
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return protocol.WriteFrame(conn, v)
}

// QueueEnabled reports whether this instance accepts queued commands.
func (i *Instance) QueueEnabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.queueEnabled
}

// QueueSize returns the current number of queued commands.
func (i *Instance) QueueSize() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// EnqueueCommand appends cmd to the FIFO queue. Returns false if the queue
// is disabled or full.
func (i *Instance) EnqueueCommand(cmd *QueuedCommand) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.queueEnabled {
		return false
	}
	if len(i.queue) >= i.queueMax {
		return false
	}
	i.queue = append(i.queue, cmd)
	return true
}

// DequeueCommand pops the oldest queued command, or returns false if the
// queue is empty.
func (i *Instance) DequeueCommand() (*QueuedCommand, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return nil, false
	}
	cmd := i.queue[0]
	i.queue[0] = nil
	i.queue = i.queue[1:]
	return cmd, true
}

// FlushQueue drains the queue, resolving every not-yet-done command with
// the given error. Called on takeover and on disconnect (spec §4.c).
func (i *Instance) FlushQueue(code protocol.ErrorCode, message string) {
	i.mu.Lock()
	queue := i.queue
	i.queue = nil
	i.mu.Unlock()

	for _, cmd := range queue {
		cmd.MarkDone(protocol.Outcome{Success: false, ErrorCode: code, ErrorMessage: message})
	}
}

// Close flushes the queue and closes the underlying connection, marking
// the instance DISCONNECTED. Safe to call more than once.
func (i *Instance) Close() {
	i.FlushQueue(protocol.ErrInstanceDisconnected, "instance disconnected")

	i.mu.Lock()
	conn := i.conn
	already := i.closed
	i.closed = true
	i.conn = nil
	i.status = protocol.StatusDisconnected
	i.reloadingSince = nil
	i.mu.Unlock()

	if !already && conn != nil {
		conn.Close()
	}
}

// ReloadingSince returns the time the instance entered RELOADING, or the
// zero time plus false if it is not currently reloading.
func (i *Instance) ReloadingSince() (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reloadingSince == nil {
		return time.Time{}, false
	}
	return *i.reloadingSince, true
}

// Snapshot renders the instance as the wire-level InstanceInfo used by
// LIST_INSTANCES (spec §4.f).
func (i *Instance) Snapshot(isDefault bool) protocol.InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	caps := make([]string, len(i.Capabilities))
	copy(caps, i.Capabilities)
	return protocol.InstanceInfo{
		InstanceID:   i.InstanceID,
		ProjectName:  i.ProjectName,
		AgentVersion: i.AgentVersion,
		Status:       i.status,
		IsDefault:    isDefault,
		Capabilities: caps,
		QueueSize:    len(i.queue),
	}
}

// HasCapability reports whether the instance publishes command as a
// capability. An empty capability set means "unconstrained" (spec §4.f
// capability check: "If the instance publishes a non-empty capability set").
func (i *Instance) HasCapability(command string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.Capabilities) == 0 {
		return true
	}
	for _, c := range i.Capabilities {
		if c == command {
			return true
		}
	}
	return false
}
