// Package relay implements the dispatch core: the TCP accept loop, the
// Editor registration handshake, the per-instance heartbeat, and the
// request/response bridge between CLI clients and registered instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unitybridge/relay/internal/cache"
	"github.com/unitybridge/relay/internal/config"
	"github.com/unitybridge/relay/internal/protocol"
	"github.com/unitybridge/relay/internal/registry"
)

// classificationTimeout bounds how long the relay waits for a new
// connection's first frame before deciding what kind of peer it is.
const classificationTimeout = 10 * time.Second

// Relay multiplexes CLI requests to registered editor instances over TCP.
type Relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	cache    *cache.Cache

	listener net.Listener

	mu              sync.Mutex
	pendingCommands map[string]chan protocol.Outcome
	pendingPongs    map[string]chan struct{}

	wg       sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Relay ready to Serve. reloadOracle may be nil.
func New(cfg *config.Config, logger *slog.Logger, reloadOracle registry.ReloadOracle) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:             cfg,
		logger:          logger,
		registry:        registry.New(logger, reloadOracle, cfg.QueueEnabled),
		cache:           cache.New(cfg.CacheTTL()),
		pendingCommands: make(map[string]chan protocol.Outcome),
		pendingPongs:    make(map[string]chan struct{}),
		done:            make(chan struct{}),
	}
}

// Registry exposes the instance registry, mainly for tests and admin tooling.
func (rl *Relay) Registry() *registry.Registry { return rl.registry }

// Serve binds the listening socket and accepts connections until ctx is
// cancelled or Shutdown is called. It blocks until the accept loop exits.
func (rl *Relay) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", rl.cfg.Host, rl.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	rl.listener = ln
	rl.logger.Info("relay listening", "addr", ln.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			rl.Shutdown()
		case <-rl.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-rl.done:
				rl.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		rl.wg.Add(1)
		go func() {
			defer rl.wg.Done()
			rl.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting new connections, cancels every in-flight
// dispatched command, closes every registered instance (which flushes
// their queues), and halts the request cache sweeper. Safe to call more
// than once; does not wait for in-flight connections to drain. Ordering
// mirrors the reference relay's stop(): cancel pending work first, then
// close instances.
func (rl *Relay) Shutdown() {
	rl.closeOnce.Do(func() {
		close(rl.done)
		if rl.listener != nil {
			rl.listener.Close()
		}

		rl.mu.Lock()
		for id, ch := range rl.pendingCommands {
			select {
			case ch <- protocol.Outcome{Success: false, ErrorCode: protocol.ErrRelayShuttingDown, ErrorMessage: "relay is shutting down"}:
			default:
			}
			delete(rl.pendingCommands, id)
		}
		rl.mu.Unlock()

		rl.registry.CloseAll()
		rl.cache.Stop()
		rl.logger.Info("relay stopped")
	})
}

// handleConnection classifies a freshly accepted connection by its first
// frame and routes it to the instance or CLI handling path (spec §5 "New
// connection classification").
func (rl *Relay) handleConnection(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	connID := uuid.New().String()

	conn.SetReadDeadline(time.Now().Add(classificationTimeout))
	raw, err := protocol.ReadFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, protocol.ErrConnectionLost) {
			rl.logger.Debug("connection closed before classification", "conn", connID, "peer", peer)
			return
		}
		rl.logger.Warn("error classifying connection", "conn", connID, "peer", peer, "error", err)
		return
	}

	msgType, err := protocol.PeekType(raw)
	if err != nil {
		rl.logger.Warn("malformed first frame", "conn", connID, "peer", peer, "error", err)
		return
	}

	switch msgType {
	case protocol.TypeRegister:
		rl.handleInstanceConnection(conn, raw)
	case protocol.TypeRequest, protocol.TypeListInstances, protocol.TypeSetDefault:
		rl.handleClientMessage(conn, raw)
	default:
		rl.logger.Warn("unknown first message type", "peer", peer, "type", msgType)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
