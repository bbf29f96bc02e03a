package raceserver

import (
	"testing"
)

func newTestHub() *Hub {
	return NewHub(testLogger(), NewMetrics())
}

func TestHubPublishReachesSubscribersOnly(t *testing.T) {
	hub := newTestHub()

	subscriber := &memConn{id: "subscriber"}
	bystander := &memConn{id: "bystander"}

	hub.Join(subscriber)
	hub.Join(bystander)
	hub.Subscribe(subscriber, 1)

	hub.Publish(1, NewEvent(EventRaceStarted, StartedPayload{RaceID: 1}))

	if got := len(subscriber.eventsOfType(EventRaceStarted)); got != 1 {
		t.Errorf("expected subscriber to receive 1 event, got %d", got)
	}

	if got := len(bystander.events); got != 0 {
		t.Errorf("expected bystander to receive nothing, got %d events", got)
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub()

	conn := &memConn{id: "conn"}
	hub.Join(conn)
	hub.Subscribe(conn, 1)
	hub.Subscribe(conn, 1)

	hub.Publish(1, NewEvent(EventRaceStarted, StartedPayload{RaceID: 1}))

	if got := len(conn.events); got != 1 {
		t.Errorf("expected a single delivery despite double subscribe, got %d", got)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := newTestHub()

	conn := &memConn{id: "conn"}
	hub.Join(conn)
	hub.Subscribe(conn, 1)
	hub.Unsubscribe(conn, 1)

	// unsubscribing twice, or from a race never subscribed to, is fine
	hub.Unsubscribe(conn, 1)
	hub.Unsubscribe(conn, 42)

	hub.Publish(1, NewEvent(EventRaceStarted, StartedPayload{RaceID: 1}))

	if got := len(conn.events); got != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", got)
	}

	if got := hub.ConnectionCount(); got != 1 {
		t.Errorf("unsubscribe should not remove the connection, count: %d", got)
	}
}

func TestHubDropsFailingConnections(t *testing.T) {
	hub := newTestHub()

	healthy := &memConn{id: "healthy"}
	broken := &memConn{id: "broken", failWrites: true}

	hub.Join(healthy)
	hub.Join(broken)
	hub.Subscribe(healthy, 1)
	hub.Subscribe(broken, 1)

	hub.Publish(1, NewEvent(EventRaceState, StatePayload{RaceID: 1}))

	if got := len(healthy.eventsOfType(EventRaceState)); got != 1 {
		t.Errorf("healthy connection should still receive events, got %d", got)
	}

	if got := hub.ConnectionCount(); got != 1 {
		t.Errorf("expected failing connection to be dropped, count: %d", got)
	}

	if !broken.closed {
		t.Error("expected failing connection to be closed")
	}

	// a second publish must not attempt the dropped connection again
	hub.Publish(1, NewEvent(EventRaceState, StatePayload{RaceID: 1}))

	if got := len(healthy.eventsOfType(EventRaceState)); got != 2 {
		t.Errorf("expected two deliveries to the healthy connection, got %d", got)
	}
}

func TestHubSendTo(t *testing.T) {
	hub := newTestHub()

	conn := &memConn{id: "conn"}
	hub.Join(conn)

	hub.SendTo(conn, NewEvent("subscribed", map[string]int{"race_id": 1}))

	if got := len(conn.events); got != 1 {
		t.Fatalf("expected direct delivery, got %d events", got)
	}

	broken := &memConn{id: "broken", failWrites: true}
	hub.Join(broken)

	hub.SendTo(broken, NewEvent("subscribed", map[string]int{"race_id": 1}))

	if got := hub.ConnectionCount(); got != 1 {
		t.Errorf("expected failing connection removed after SendTo, count: %d", got)
	}
}

func TestHubJoinLeave(t *testing.T) {
	hub := newTestHub()

	conn := &memConn{id: "conn"}

	hub.Join(conn)
	hub.Join(conn)

	if got := hub.ConnectionCount(); got != 1 {
		t.Errorf("double join should count once, got %d", got)
	}

	hub.Leave(conn)
	hub.Leave(conn)

	if got := hub.ConnectionCount(); got != 0 {
		t.Errorf("expected empty hub after leave, got %d", got)
	}
}
