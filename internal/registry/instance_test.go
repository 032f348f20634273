package registry

import (
	"net"
	"testing"

	"github.com/unitybridge/relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T, queueEnabled bool) (*Instance, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	inst := newInstance("inst-1", "demo-project", "2022.3.1", []string{"build", "test"}, server, queueEnabled)
	return inst, client
}

func TestInstanceStatusTransitions(t *testing.T) {
	inst, _ := newTestInstance(t, false)
	assert.Equal(t, protocol.StatusReady, inst.Status())

	inst.SetStatus(protocol.StatusReloading)
	since, ok := inst.ReloadingSince()
	assert.True(t, ok)
	assert.False(t, since.IsZero())

	inst.SetStatus(protocol.StatusReady)
	_, ok = inst.ReloadingSince()
	assert.False(t, ok, "reloading_since must clear on leaving RELOADING")
}

func TestInstanceAvailability(t *testing.T) {
	inst, _ := newTestInstance(t, false)
	assert.True(t, inst.IsAvailable())

	inst.SetStatus(protocol.StatusBusy)
	assert.False(t, inst.IsAvailable())
	assert.True(t, inst.IsConnected())

	inst.Close()
	assert.False(t, inst.IsConnected())
	assert.False(t, inst.IsAvailable())
}

func TestInstanceQueueDisabledByDefault(t *testing.T) {
	inst, _ := newTestInstance(t, false)
	ok := inst.EnqueueCommand(&QueuedCommand{RequestID: "r1", Done: make(chan protocol.Outcome, 1)})
	assert.False(t, ok, "queue must reject when disabled")
}

func TestInstanceQueueFIFOAndBound(t *testing.T) {
	inst, _ := newTestInstance(t, true)

	for i := 0; i < DefaultQueueMaxSize; i++ {
		cmd := &QueuedCommand{RequestID: string(rune('a' + i)), Done: make(chan protocol.Outcome, 1)}
		require.True(t, inst.EnqueueCommand(cmd))
	}
	overflow := &QueuedCommand{RequestID: "overflow", Done: make(chan protocol.Outcome, 1)}
	assert.False(t, inst.EnqueueCommand(overflow), "queue must reject once full")

	first, ok := inst.DequeueCommand()
	require.True(t, ok)
	assert.Equal(t, "a", first.RequestID)
}

func TestInstanceFlushQueueResolvesWaiters(t *testing.T) {
	inst, _ := newTestInstance(t, true)
	cmd := &QueuedCommand{RequestID: "r1", Done: make(chan protocol.Outcome, 1)}
	require.True(t, inst.EnqueueCommand(cmd))

	inst.FlushQueue(protocol.ErrInstanceDisconnected, "gone")

	select {
	case out := <-cmd.Done:
		assert.False(t, out.Success)
		assert.Equal(t, protocol.ErrInstanceDisconnected, out.ErrorCode)
	default:
		t.Fatal("expected flushed command to be resolved")
	}
	assert.Equal(t, 0, inst.QueueSize())
}

func TestInstanceHasCapability(t *testing.T) {
	inst, _ := newTestInstance(t, false)
	assert.True(t, inst.HasCapability("build"))
	assert.False(t, inst.HasCapability("deploy"))

	unconstrained := &Instance{Capabilities: nil}
	assert.True(t, unconstrained.HasCapability("anything"))
}

func TestInstanceSnapshot(t *testing.T) {
	inst, _ := newTestInstance(t, false)
	snap := inst.Snapshot(true)
	assert.Equal(t, "inst-1", snap.InstanceID)
	assert.Equal(t, "demo-project", snap.ProjectName)
	assert.True(t, snap.IsDefault)
	assert.Equal(t, protocol.StatusReady, snap.Status)
}
