package raceserver

import (
	"sync"
)

// Conn is a single subscriber connection. WriteEvent must be safe for
// concurrent use; the websocket implementation guards writes with a mutex.
type Conn interface {
	ID() string
	WriteEvent(event Event) error
	Close() error
}

// Hub fans race events out to subscribers. Membership is keyed by connection
// ID and serialized through a single mutex, because subscribe and unsubscribe
// calls race against publishes from the tick loop and from sensor events.
// Delivery is best effort: a connection whose write fails is dropped and
// closed, and the failure never reaches the publisher.
type Hub struct {
	mu            sync.Mutex
	connections   map[string]Conn
	subscriptions map[string]map[int]bool // connection ID -> subscribed race IDs

	logger  Logger
	metrics *Metrics
}

func NewHub(logger Logger, metrics *Metrics) *Hub {
	return &Hub{
		connections:   make(map[string]Conn),
		subscriptions: make(map[string]map[int]bool),
		logger:        logger,
		metrics:       metrics,
	}
}

func (h *Hub) Join(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID()]; ok {
		return
	}

	h.connections[conn.ID()] = conn
	h.subscriptions[conn.ID()] = make(map[int]bool)
	h.metrics.ConnectedClients.Set(float64(len(h.connections)))

	h.logger.Debugf("Connection %s joined hub", conn.ID())
}

func (h *Hub) Leave(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(conn.ID())
}

func (h *Hub) removeLocked(connID string) {
	if _, ok := h.connections[connID]; !ok {
		return
	}

	delete(h.connections, connID)
	delete(h.subscriptions, connID)
	h.metrics.ConnectedClients.Set(float64(len(h.connections)))

	h.logger.Debugf("Connection %s left hub", connID)
}

// Subscribe adds the connection to a race's subscriber set. Idempotent.
func (h *Hub) Subscribe(conn Conn, raceID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	races, ok := h.subscriptions[conn.ID()]

	if !ok {
		// unknown connections are joined implicitly
		h.connections[conn.ID()] = conn
		races = make(map[int]bool)
		h.subscriptions[conn.ID()] = races
		h.metrics.ConnectedClients.Set(float64(len(h.connections)))
	}

	races[raceID] = true
}

// Unsubscribe removes the connection from a race's subscriber set. Idempotent.
func (h *Hub) Unsubscribe(conn Conn, raceID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if races, ok := h.subscriptions[conn.ID()]; ok {
		delete(races, raceID)
	}
}

// Publish delivers an event to every connection subscribed to the race.
func (h *Hub) Publish(raceID int, event Event) {
	h.mu.Lock()

	recipients := make([]Conn, 0, len(h.connections))

	for connID, races := range h.subscriptions {
		if races[raceID] {
			recipients = append(recipients, h.connections[connID])
		}
	}

	h.mu.Unlock()

	h.deliver(recipients, event)
}

// SendTo delivers an event to a single connection.
func (h *Hub) SendTo(conn Conn, event Event) {
	h.deliver([]Conn{conn}, event)
}

func (h *Hub) deliver(recipients []Conn, event Event) {
	var failed []Conn

	for _, conn := range recipients {
		if err := conn.WriteEvent(event); err != nil {
			h.logger.WithError(err).Debugf("Could not deliver %s event to connection %s, dropping it", event.Type, conn.ID())
			failed = append(failed, conn)
			continue
		}

		h.metrics.EventsPublished.Inc()
	}

	if len(failed) == 0 {
		return
	}

	h.mu.Lock()

	for _, conn := range failed {
		h.removeLocked(conn.ID())
	}

	h.mu.Unlock()

	for _, conn := range failed {
		_ = conn.Close()
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.connections)
}
