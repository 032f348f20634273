package registry

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/unitybridge/relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pipePair(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return server
}

func TestRegistryRegisterFirstBecomesDefault(t *testing.T) {
	r := New(testLogger(), nil, false)

	inst := r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	require.NotNil(t, inst)

	def, ok := r.GetDefault()
	require.True(t, ok)
	assert.Equal(t, "a-1", def.InstanceID)
}

func TestRegistryReelectsDefaultOnUnregister(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	r.Register("b-1", "beta", "1.0", nil, pipePair(t))
	r.SetDefault("a-1")

	ok := r.Unregister("a-1")
	require.True(t, ok)

	def, ok := r.GetDefault()
	require.True(t, ok)
	assert.Equal(t, "b-1", def.InstanceID)
}

func TestRegistryResolveExactInstanceID(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/proj-a", "proj-a", "1.0", nil, pipePair(t))

	inst, err := r.Resolve("/Users/dev/proj-a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "proj-a", inst.ProjectName)
}

func TestRegistryResolveProjectNameExact(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/proj-a", "proj-a", "1.0", nil, pipePair(t))

	inst, err := r.Resolve("proj-a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "/Users/dev/proj-a", inst.InstanceID)
}

func TestRegistryResolveAmbiguousProjectName(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/one/proj-a", "proj-a", "1.0", nil, pipePair(t))
	r.Register("/Users/dev/two/proj-a", "proj-a", "1.0", nil, pipePair(t))

	_, err := r.Resolve("proj-a")
	require.Error(t, err)
	var ambig *AmbiguousInstanceError
	require.ErrorAs(t, err, &ambig)
	assert.Len(t, ambig.Candidates, 2)
}

func TestRegistryResolvePathSuffix(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/workspace/proj-a", "renamed", "1.0", nil, pipePair(t))

	inst, err := r.Resolve("proj-a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "/Users/dev/workspace/proj-a", inst.InstanceID)
}

func TestRegistryResolveProjectNamePrefix(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/game-client", "game-client", "1.0", nil, pipePair(t))

	inst, err := r.Resolve("game")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "game-client", inst.ProjectName)
}

func TestRegistryResolveNoMatch(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("/Users/dev/proj-a", "proj-a", "1.0", nil, pipePair(t))

	inst, err := r.Resolve("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestRegistryGraceReconnectRestoresDefault(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	r.UpdateStatus("a-1", protocol.StatusReloading)

	r.DisconnectWithGrace("a-1", 200)
	_, stillDefault := r.GetDefault()
	assert.False(t, stillDefault, "instance removed from live map during grace")

	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	def, ok := r.GetDefault()
	require.True(t, ok)
	assert.Equal(t, "a-1", def.InstanceID, "reconnect during grace must restore default")
}

func TestRegistryGraceExpiryReelectsDefault(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	r.Register("b-1", "beta", "1.0", nil, pipePair(t))
	r.SetDefault("a-1")
	r.UpdateStatus("a-1", protocol.StatusReloading)

	r.DisconnectWithGrace("a-1", 20)
	time.Sleep(100 * time.Millisecond)

	def, ok := r.GetDefault()
	require.True(t, ok)
	assert.Equal(t, "b-1", def.InstanceID, "default must re-elect after grace expiry")
}

func TestRegistryDisconnectWithoutGraceUnregistersImmediately(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))

	r.DisconnectWithGrace("a-1", 200) // not RELOADING, so no grace applies
	_, ok := r.Get("a-1")
	assert.False(t, ok)
}

func TestRegistryTakeoverFlushesOldQueue(t *testing.T) {
	r := New(testLogger(), nil, true)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	old, _ := r.Get("a-1")
	old.SetStatus(protocol.StatusBusy)
	cmd := &QueuedCommand{RequestID: "r1", Done: make(chan protocol.Outcome, 1)}
	require.True(t, old.EnqueueCommand(cmd))

	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))

	select {
	case out := <-cmd.Done:
		assert.False(t, out.Success)
	default:
		t.Fatal("expected takeover to flush the old instance's queue")
	}
}

func TestRegistryHeartbeatTimeoutTransitionsDisconnected(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	inst, _ := r.Get("a-1")

	inst.mu.Lock()
	inst.lastHeartbeat = time.Now().Add(-time.Hour)
	inst.mu.Unlock()

	changed := r.HeartbeatTimeoutCheck("a-1", 15000, 30000)
	assert.True(t, changed)
	assert.Equal(t, protocol.StatusDisconnected, inst.Status())
}

func TestRegistryListAllMarksDefault(t *testing.T) {
	r := New(testLogger(), nil, false)
	r.Register("a-1", "alpha", "1.0", nil, pipePair(t))
	r.Register("b-1", "beta", "1.0", nil, pipePair(t))

	infos := r.ListAll()
	require.Len(t, infos, 2)
	var sawDefault bool
	for _, info := range infos {
		if info.IsDefault {
			sawDefault = true
			assert.Equal(t, "a-1", info.InstanceID)
		}
	}
	assert.True(t, sawDefault)
}
