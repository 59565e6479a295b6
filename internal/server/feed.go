package server

import (
	"PointSwap/internal/core"
	"PointSwap/internal/observability"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// SnapshotSource yields the latest engine snapshot.
type SnapshotSource interface {
	Snapshot() *core.Snapshot
}

// SnapshotFeed pushes every new snapshot to connected websocket clients.
// Slow clients only ever see the latest snapshot; older ones are dropped.
type SnapshotFeed struct {
	source   SnapshotSource
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*feedClient
}

type feedClient struct {
	conn    *websocket.Conn
	updates chan *core.Snapshot
	done    chan struct{}
}

func NewSnapshotFeed(source SnapshotSource, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotFeed {
	return &SnapshotFeed{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics:     metrics,
		logger:      logger,
		subscribers: make(map[uuid.UUID]*feedClient),
	}
}

// ServeHTTP upgrades the connection and streams snapshots until the
// client goes away. The current snapshot is sent first.
func (f *SnapshotFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug().Err(err).Msg("feed upgrade failed")
		return
	}

	id := uuid.New()
	c := &feedClient{
		conn:    conn,
		updates: make(chan *core.Snapshot, 1),
		done:    make(chan struct{}),
	}
	c.updates <- f.source.Snapshot()
	f.subscribe(id, c)

	go f.writeLoop(id, c)
	f.readLoop(c)
	f.unsubscribe(id)
}

// Broadcast offers a snapshot to every client without blocking.
func (f *SnapshotFeed) Broadcast(snap *core.Snapshot) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, c := range f.subscribers {
		select {
		case c.updates <- snap:
		default:
			// replace the stale pending snapshot
			select {
			case <-c.updates:
			default:
			}
			select {
			case c.updates <- snap:
			default:
			}
		}
	}
}

// Clients reports the number of connected clients.
func (f *SnapshotFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Run polls the source and broadcasts whenever the snapshot changed.
func (f *SnapshotFeed) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := f.source.Snapshot()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return nil
		case <-ticker.C:
			snap := f.source.Snapshot()
			if snap != last {
				last = snap
				f.Broadcast(snap)
			}
		}
	}
}

func (f *SnapshotFeed) subscribe(id uuid.UUID, c *feedClient) {
	f.mu.Lock()
	f.subscribers[id] = c
	n := len(f.subscribers)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.FeedClients.Set(float64(n))
	}
}

func (f *SnapshotFeed) unsubscribe(id uuid.UUID) {
	f.mu.Lock()
	c, ok := f.subscribers[id]
	if ok {
		delete(f.subscribers, id)
		close(c.done)
	}
	n := len(f.subscribers)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.FeedClients.Set(float64(n))
	}
}

func (f *SnapshotFeed) closeAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.subscribers {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(feedWriteWait))
		c.conn.Close()
	}
}

// readLoop discards client messages and returns once the peer is gone.
func (f *SnapshotFeed) readLoop(c *feedClient) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *SnapshotFeed) writeLoop(id uuid.UUID, c *feedClient) {
	ping := time.NewTicker(feedPingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case snap := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteJSON(snap); err != nil {
				if f.metrics != nil {
					f.metrics.FeedSendErrors.Inc()
				}
				f.logger.Debug().Err(err).Str("client", id.String()).Msg("feed write failed")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
