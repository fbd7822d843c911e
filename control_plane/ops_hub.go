package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
	"github.com/petrhale/camshaft/control_plane/scheduler"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/timeline"
)

const maxOpsConnections = 200

// Snapshot is the 1 s operational picture pushed to connected clients.
type Snapshot struct {
	At                  time.Time                 `json:"at"`
	QueueDepth          int                       `json:"queueDepth"`
	ActiveByGroup       []model.GroupActive       `json:"activeByGroup"`
	AwaitingDeadLetters int                       `json:"awaitingDeadLetters"`
	Evaluator           scheduler.EvaluatorStats  `json:"evaluator"`
	Dispatcher          scheduler.DispatcherStats `json:"dispatcher"`
	RecentEvents        []timeline.Event          `json:"recentEvents,omitempty"`
}

// OpsHub broadcasts scheduler snapshots over websockets. A single ticker
// serves all clients; one hub per process.
type OpsHub struct {
	store      store.Store
	evaluator  *scheduler.Evaluator
	dispatcher *scheduler.Dispatcher
	timeline   *timeline.Store
	logger     *zap.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewOpsHub wires the hub over the running scheduler components.
func NewOpsHub(st store.Store, ev *scheduler.Evaluator, di *scheduler.Dispatcher, tl *timeline.Store, logger *zap.Logger) *OpsHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHub{
		store:      st,
		evaluator:  ev,
		dispatcher: di,
		timeline:   tl,
		logger:     logger.Named("ops_hub"),
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives registration and the broadcast tick until the context ends.
func (h *OpsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxOpsConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("ops client rejected, connection cap reached",
					zap.Int("cap", maxOpsConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.OpsClients.Set(float64(total))
			h.logger.Info("ops client connected", zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.OpsClients.Set(float64(total))
			h.logger.Info("ops client disconnected", zap.Int("total", total))

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

// broadcast builds one snapshot and writes it to every client. Writes carry a
// deadline so a dead connection cannot stall the hub.
func (h *OpsHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	snap, err := h.snapshot(ctx)
	if err != nil {
		h.logger.Error("cannot build ops snapshot", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			h.logger.Warn("ops write failed, dropping client", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *OpsHub) snapshot(ctx context.Context) (Snapshot, error) {
	depth, err := h.store.QueueDepth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	active, err := h.store.CountActiveByGroup(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	awaiting, err := h.store.CountAwaitingDeadLetters(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	observability.AwaitingDeadLetters.Set(float64(awaiting))

	snap := Snapshot{
		At:                  time.Now(),
		QueueDepth:          depth,
		ActiveByGroup:       active,
		AwaitingDeadLetters: awaiting,
	}
	if h.evaluator != nil {
		snap.Evaluator = h.evaluator.LastStats()
	}
	if h.dispatcher != nil {
		snap.Dispatcher = h.dispatcher.LastStats()
	}
	if h.timeline != nil {
		snap.RecentEvents = h.timeline.Recent(20)
	}
	return snap, nil
}

func (h *OpsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("shutting down ops hub", zap.Int("clients", len(h.clients)))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.OpsClients.Set(0)
}

// Register adds a new client connection.
func (h *OpsHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *OpsHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *OpsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
