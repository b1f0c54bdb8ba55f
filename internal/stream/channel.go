// Package stream fans deal lifecycle events out to connected clients over
// buffered channels, the in-process stand-in for a websocket layer.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
)

const sendBuffer = 16

// Filters narrow which deal updates a connection receives. Zero values
// pass everything.
type Filters struct {
	CampusID   string   `json:"campus_id,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

type connection struct {
	userID       string
	filters      Filters
	ch           chan events.Event
	connectedAt  time.Time
	lastActivity time.Time
}

// Connection is a live subscription handle. Updates arrives on Updates();
// Close releases the connection.
type Connection struct {
	ID      string
	channel *Channel
	conn    *connection
}

// Updates is the stream of matching deal events. Closed on disconnect.
func (c *Connection) Updates() <-chan events.Event {
	return c.conn.ch
}

// Close disconnects and closes the update stream.
func (c *Connection) Close() {
	c.channel.disconnect(c.ID)
}

// UpdateFilters replaces the connection's filters in place.
func (c *Connection) UpdateFilters(f Filters) {
	c.channel.updateFilters(c.ID, f)
}

// ConnectionStats describes one live connection.
type ConnectionStats struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	ConnectedFor time.Duration `json:"connected_for"`
	IdleFor      time.Duration `json:"idle_for"`
}

// Stats is the channel-wide connection summary.
type Stats struct {
	ActiveConnections int               `json:"active_connections"`
	Connections       []ConnectionStats `json:"connections"`
}

// Channel owns the connection table and subscribes itself to deal
// lifecycle events on the bus.
type Channel struct {
	mu          sync.Mutex
	log         *zap.SugaredLogger
	connections map[string]*connection
	unsubscribe []func()
}

// NewChannel builds a channel and wires it to deal.created, deal.updated
// and deal.expired events on the bus.
func NewChannel(bus *events.Bus, log *zap.SugaredLogger) *Channel {
	c := &Channel{
		log:         log,
		connections: make(map[string]*connection),
	}

	handler := func(_ context.Context, e events.Event) error {
		c.broadcast(e, time.Now())
		return nil
	}
	for _, eventType := range []string{events.TypeDealCreated, events.TypeDealUpdated, events.TypeDealExpired} {
		c.unsubscribe = append(c.unsubscribe, bus.Subscribe(eventType, handler, events.SubscribeOptions{}))
	}

	return c
}

// Close drops the bus subscriptions and disconnects every client.
func (c *Channel) Close() {
	for _, unsub := range c.unsubscribe {
		unsub()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.connections {
		close(conn.ch)
		delete(c.connections, id)
	}
}

// Connect registers a client and returns its live handle.
func (c *Channel) Connect(userID string, filters Filters, now time.Time) *Connection {
	id := userID + "_" + uuid.NewString()
	conn := &connection{
		userID:       userID,
		filters:      filters,
		ch:           make(chan events.Event, sendBuffer),
		connectedAt:  now,
		lastActivity: now,
	}

	c.mu.Lock()
	c.connections[id] = conn
	c.mu.Unlock()

	c.log.Debugw("client connected for updates", "user_id", userID, "connection_id", id)
	return &Connection{ID: id, channel: c, conn: conn}
}

func (c *Channel) disconnect(id string) {
	c.mu.Lock()
	conn, ok := c.connections[id]
	if ok {
		delete(c.connections, id)
	}
	c.mu.Unlock()

	if ok {
		close(conn.ch)
		c.log.Debugw("client disconnected", "connection_id", id)
	}
}

func (c *Channel) updateFilters(id string, f Filters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.connections[id]; ok {
		conn.filters = f
	}
}

// broadcast sends the event to every matching connection. Sends are
// non-blocking: a client that cannot keep up drops updates rather than
// stalling the bus.
func (c *Channel) broadcast(e events.Event, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, conn := range c.connections {
		if !matchesFilters(e, conn.filters) {
			continue
		}
		select {
		case conn.ch <- e:
			conn.lastActivity = now
		default:
			c.log.Debugw("dropping update for slow connection", "connection_id", id, "type", e.Type)
		}
	}
}

func matchesFilters(e events.Event, f Filters) bool {
	if e.Deal == nil {
		return true
	}

	if f.CampusID != "" && len(e.Deal.CampusIDs) > 0 {
		found := false
		for _, campus := range e.Deal.CampusIDs {
			if campus == f.CampusID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Categories) > 0 && e.Deal.Category != "" {
		found := false
		for _, category := range f.Categories {
			if category == e.Deal.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// Stats summarizes the live connections.
func (c *Channel) Stats(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{ActiveConnections: len(c.connections)}
	for id, conn := range c.connections {
		stats.Connections = append(stats.Connections, ConnectionStats{
			ID:           id,
			UserID:       conn.userID,
			ConnectedFor: now.Sub(conn.connectedAt),
			IdleFor:      now.Sub(conn.lastActivity),
		})
	}
	return stats
}
