package registry

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/unitybridge/relay/internal/protocol"
)

// AmbiguousInstanceError is raised by Resolve when a query matches more
// than one instance at the same match priority (spec §4.c).
type AmbiguousInstanceError struct {
	Query      string
	Candidates []*Instance
}

func (e *AmbiguousInstanceError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = fmt.Sprintf("%s (%s)", c.ProjectName, c.InstanceID)
	}
	return fmt.Sprintf("ambiguous instance %q: matches %s", e.Query, strings.Join(names, ", "))
}

// ReloadOracle is an optional out-of-band signal that an instance's
// project is reloading, consulted alongside the in-memory STATUS state
// when deciding whether a disconnect should enter the grace period (spec
// §9 Open Questions). The zero value (nil) is treated as "never".
type ReloadOracle func(instanceID string) bool

type graceEntry struct {
	timer      *time.Timer
	wasDefault bool
}

// Registry tracks connected instances, the default instance, and instances
// currently in their post-reload grace period.
type Registry struct {
	mu          sync.Mutex
	instances   map[string]*Instance
	defaultID   string
	grace       map[string]*graceEntry
	logger      *slog.Logger
	reloadOracle ReloadOracle
	queueEnabled bool
}

// New creates an empty registry. queueEnabled sets the default queue
// feature flag newly registered instances start with (spec §3: "disabled
// by default").
func New(logger *slog.Logger, reloadOracle ReloadOracle, queueEnabled bool) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if reloadOracle == nil {
		reloadOracle = func(string) bool { return false }
	}
	return &Registry{
		instances:    make(map[string]*Instance),
		grace:        make(map[string]*graceEntry),
		logger:       logger,
		reloadOracle: reloadOracle,
		queueEnabled: queueEnabled,
	}
}

// Register installs a new instance record, handling takeover of an
// existing live connection and restoration from a grace period (spec
// §4.c).
func (r *Registry) Register(id, projectName, agentVersion string, capabilities []string, conn net.Conn) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	restoreDefault := false
	if entry, ok := r.grace[id]; ok {
		entry.timer.Stop()
		delete(r.grace, id)
		restoreDefault = entry.wasDefault
		r.logger.Info("instance reconnected during grace period", "instance", id, "was_default", restoreDefault)
	}

	if old, ok := r.instances[id]; ok {
		r.logger.Info("takeover: replacing existing instance", "instance", id, "old_status", old.Status())
		old.Close()
	}

	inst := newInstance(id, projectName, agentVersion, capabilities, conn, r.queueEnabled)
	r.instances[id] = inst

	if restoreDefault {
		r.defaultID = id
		r.logger.Info("restored default instance", "instance", id)
	} else if r.defaultID == "" {
		r.defaultID = id
		r.logger.Info("set default instance", "instance", id)
	}

	r.logger.Info("registered instance", "instance", id, "project", projectName, "agent_version", agentVersion)
	return inst
}

// Unregister removes and closes a live instance immediately, re-electing
// the default if necessary.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) bool {
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	delete(r.instances, id)
	inst.Close()
	r.reelectIfDefaultLocked(id)
	r.logger.Info("unregistered instance", "instance", id)
	return true
}

// reelectIfDefaultLocked picks an arbitrary remaining live instance as the
// new default if id was the outgoing default. Caller must hold r.mu.
func (r *Registry) reelectIfDefaultLocked(id string) {
	if r.defaultID != id {
		return
	}
	for newDefault := range r.instances {
		r.defaultID = newDefault
		r.logger.Info("new default instance", "instance", newDefault)
		return
	}
	r.defaultID = ""
}

// DisconnectWithGrace closes id's connection. If the instance was
// RELOADING (by in-memory status or the reload oracle) and graceMs > 0,
// the record enters a grace period rather than being unregistered
// immediately; a reconnect via Register before expiry cancels the timer
// and restores identity and default status (spec §4.c, §9).
func (r *Registry) DisconnectWithGrace(id string, graceMs int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}

	wasReloading := inst.Status() == protocol.StatusReloading || r.reloadOracle(id)
	wasDefault := r.defaultID == id

	delete(r.instances, id)
	inst.Close()

	if wasReloading && graceMs > 0 {
		entry := &graceEntry{wasDefault: wasDefault}
		entry.timer = time.AfterFunc(time.Duration(graceMs)*time.Millisecond, func() {
			r.expireGrace(id)
		})
		r.grace[id] = entry
		r.logger.Info("instance entering grace period", "instance", id, "grace_ms", graceMs, "was_default", wasDefault)
		return
	}

	r.reelectIfDefaultLocked(id)
	r.logger.Info("unregistered instance", "instance", id)
}

func (r *Registry) expireGrace(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.grace[id]
	if !ok {
		// Cancelled by a concurrent reconnect — that race's winner already decided.
		return
	}
	delete(r.grace, id)

	if entry.wasDefault && r.defaultID == id {
		r.reelectIfDefaultLocked(id)
		r.logger.Info("grace period expired, default re-elected", "instance", id, "new_default", r.defaultID)
	} else {
		r.logger.Info("grace period expired, fully unregistered", "instance", id)
	}
}

// Get returns the live instance for id, if any.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// GetDefault returns the current default instance, if any.
func (r *Registry) GetDefault() (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultID == "" {
		return nil, false
	}
	inst, ok := r.instances[r.defaultID]
	return inst, ok
}

// SetDefault designates id as the default instance. Returns false if id
// is not a live instance.
func (r *Registry) SetDefault(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return false
	}
	r.defaultID = id
	r.logger.Info("set default instance", "instance", id)
	return true
}

// UpdateStatus applies a STATUS transition reported by an instance.
func (r *Registry) UpdateStatus(id, status string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	inst.SetStatus(status)
	return true
}

// ListAll renders every live instance as an InstanceInfo (spec §4.f).
func (r *Registry) ListAll() []protocol.InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.InstanceInfo, 0, len(r.instances))
	for id, inst := range r.instances {
		out = append(out, inst.Snapshot(id == r.defaultID))
	}
	return out
}

// resolveLocked implements the four-stage match described in spec §4.c.
// Caller must hold r.mu.
func (r *Registry) resolveLocked(query string) (*Instance, error) {
	// Stage 1: instance_id exact match.
	if inst, ok := r.instances[query]; ok {
		return inst, nil
	}

	// Stage 2: project_name exact match.
	var nameMatches []*Instance
	for _, inst := range r.instances {
		if inst.ProjectName == query {
			nameMatches = append(nameMatches, inst)
		}
	}
	if len(nameMatches) == 1 {
		return nameMatches[0], nil
	}
	if len(nameMatches) > 1 {
		return nil, &AmbiguousInstanceError{Query: query, Candidates: nameMatches}
	}

	// Stage 3: instance_id path-suffix match.
	var suffixMatches []*Instance
	for _, inst := range r.instances {
		if strings.HasSuffix(inst.InstanceID, "/"+query) || strings.HasSuffix(inst.InstanceID, "\\"+query) {
			suffixMatches = append(suffixMatches, inst)
		}
	}
	if len(suffixMatches) == 1 {
		return suffixMatches[0], nil
	}
	if len(suffixMatches) > 1 {
		return nil, &AmbiguousInstanceError{Query: query, Candidates: suffixMatches}
	}

	// Stage 4: project_name prefix match.
	var prefixMatches []*Instance
	for _, inst := range r.instances {
		if strings.HasPrefix(inst.ProjectName, query) {
			prefixMatches = append(prefixMatches, inst)
		}
	}
	if len(prefixMatches) == 1 {
		return prefixMatches[0], nil
	}
	if len(prefixMatches) > 1 {
		return nil, &AmbiguousInstanceError{Query: query, Candidates: prefixMatches}
	}

	return nil, nil
}

// Resolve looks up an instance by the four-stage query match.
func (r *Registry) Resolve(query string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(query)
}

// GetForRequest resolves query if non-empty, else returns the default
// instance (spec §4.c get_for_request).
func (r *Registry) GetForRequest(query string) (*Instance, error) {
	if query != "" {
		return r.Resolve(query)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultID == "" {
		return nil, nil
	}
	return r.instances[r.defaultID], nil
}

// HeartbeatTimeoutCheck transitions id to DISCONNECTED if more than
// timeoutMs (or reloadTimeoutMs while RELOADING) has elapsed since its last
// heartbeat. Returns true if a transition occurred.
func (r *Registry) HeartbeatTimeoutCheck(id string, timeoutMs, reloadTimeoutMs int) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	effectiveTimeout := time.Duration(timeoutMs) * time.Millisecond
	if inst.Status() == protocol.StatusReloading {
		effectiveTimeout = time.Duration(reloadTimeoutMs) * time.Millisecond
	}

	if inst.heartbeatElapsed() > effectiveTimeout {
		r.logger.Warn("instance heartbeat timeout", "instance", id)
		inst.SetStatus(protocol.StatusDisconnected)
		return true
	}
	return false
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// ConnectedCount returns the number of instances with a live connection.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	n := 0
	for _, inst := range instances {
		if inst.IsConnected() {
			n++
		}
	}
	return n
}

// InstancesByStatus returns all live instances currently in status.
func (r *Registry) InstancesByStatus(status string) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.Status() == status {
			out = append(out, inst)
		}
	}
	return out
}

// CloseAll closes every instance connection and clears the registry,
// flushing each instance's queue (spec §4.f Shutdown).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		inst.Close()
	}
	r.instances = make(map[string]*Instance)
	r.defaultID = ""
	for id, entry := range r.grace {
		entry.timer.Stop()
		delete(r.grace, id)
	}
	r.logger.Info("closed all instances")
}
