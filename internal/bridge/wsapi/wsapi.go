// Package wsapi is the read-only REST+WebSocket UI surface named in §4:
// a health endpoint, a point-in-time tag snapshot, and a live WebSocket
// tail of the frame bus. It exists to prove the bus has external
// consumers beyond drivers and bridges, not to re-implement the full
// historian/openapi surface spec.md scopes out.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/value"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// tagSnapshot is the last observed value for one tag.
type tagSnapshot struct {
	Tag       string      `json:"tag"`
	Value     value.Value `json:"value"`
	QoS       string      `json:"qos"`
	Timestamp uint64      `json:"ts"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// wsFrame is the JSON shape streamed to WebSocket clients, one per
// matching envelope.
type wsFrame struct {
	Seq  uint64          `json:"seq"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Bridge serves the read-only UI surface over REST and WebSocket.
type Bridge struct {
	cfg    config.WSAPIConfig
	bus    *framebus.Bus
	logger *slog.Logger
	server *http.Server

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	snapshots map[string]tagSnapshot
	startedAt time.Time
}

// New builds a Bridge. logger defaults to slog.Default() when nil.
func New(cfg config.WSAPIConfig, bus *framebus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		snapshots: make(map[string]tagSnapshot),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is served from the same host/port in the common
			// deployment; a stricter origin check belongs to whatever
			// reverse proxy terminates TLS in front of this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP/WebSocket requests and, in the background,
// maintains the tag snapshot table from the frame bus. It returns once
// the listener is up; call Stop to shut down gracefully.
func (b *Bridge) Start(ctx context.Context) error {
	b.startedAt = time.Now()

	go b.maintainSnapshots(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /tags", b.handleTagList)
	mux.HandleFunc("GET /tags/{tag}", b.handleTagGet)
	mux.HandleFunc("GET /ws", b.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", b.cfg.Address, b.cfg.Port)
	b.server = &http.Server{
		Addr:         addr,
		Handler:      b.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming WebSocket connections must not be cut off
	}

	b.logger.Info("starting wsapi server", "address", addr)

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("wsapi server stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

func (b *Bridge) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		b.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// maintainSnapshots subscribes to data frames and keeps the tag
// snapshot table current until ctx is cancelled.
func (b *Bridge) maintainSnapshots(ctx context.Context) {
	sub := b.bus.Subscribe("wsapi-snapshot", framebus.DataOnly(), false)
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		df, err := env.IntoData()
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.snapshots[df.Tag] = tagSnapshot{
			Tag:       df.Tag,
			Value:     df.Value,
			QoS:       df.QoS.String(),
			Timestamp: df.Timestamp,
			UpdatedAt: time.Now(),
		}
		b.mu.Unlock()
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	tagCount := len(b.snapshots)
	b.mu.RUnlock()

	writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(b.startedAt).String(),
		"tagCount": tagCount,
	}, b.logger)
}

func (b *Bridge) handleTagList(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	tags := make([]tagSnapshot, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		tags = append(tags, s)
	}
	b.mu.RUnlock()

	writeJSON(w, map[string]any{
		"tags":  tags,
		"count": len(tags),
	}, b.logger)
}

func (b *Bridge) handleTagGet(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")

	b.mu.RLock()
	snap, ok := b.snapshots[tag]
	b.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "unknown tag"}, b.logger)
		return
	}
	writeJSON(w, snap, b.logger)
}

// handleWebSocket upgrades the connection and streams every envelope
// the bus publishes (optionally narrowed with ?kind=data|cmd|cmd_ack)
// until the client disconnects.
func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := framebus.All()
	switch r.URL.Query().Get("kind") {
	case "data":
		filter = framebus.DataOnly()
	case "cmd":
		filter = framebus.CmdOnly()
	case "cmd_ack":
		filter = framebus.CmdAckOnly()
	}

	ctx := r.Context()
	sub := b.bus.Subscribe(fmt.Sprintf("wsapi-ws-%p", conn), filter, false)
	defer sub.Close()

	// Detect client-initiated close without blocking the write side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}

		msg := wsFrame{Seq: env.Seq, Kind: env.Kind.String(), Data: env.Payload}
		payload, err := json.Marshal(msg)
		if err != nil {
			b.logger.Debug("failed to marshal ws frame", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
