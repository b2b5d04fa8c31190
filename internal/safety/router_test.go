package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakePublisher records published payloads per room and can be configured to
// fail for specific rooms.
type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]any
	failRooms map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string][]any),
		failRooms: make(map[string]bool),
	}
}

func (p *fakePublisher) Publish(room string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRooms[room] {
		return errors.New("recipient unreachable")
	}
	p.published[room] = append(p.published[room], payload)
	return nil
}

func (p *fakePublisher) count(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published[room])
}

func (p *fakePublisher) last(room string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.published[room]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// failingStore always fails Save, simulating a storage outage.
type failingStore struct{}

func (failingStore) Save(context.Context, *Event) (*SaveResult, error) {
	return nil, &PersistenceError{Op: "insert", Err: errors.New("connection refused")}
}

func (failingStore) Get(context.Context, string) (*Event, error) {
	return nil, ErrEventNotFound
}

func newTestRouter(t *testing.T) (*Router, *InMemoryEventStore, *InMemoryContactDirectory, *fakePublisher) {
	t.Helper()
	store := NewInMemoryEventStore()
	contacts := NewInMemoryContactDirectory()
	publisher := newFakePublisher()
	router := NewRouter(store, contacts, publisher, nil, nil)
	return router, store, contacts, publisher
}

func TestRouter_SOSHappyPath(t *testing.T) {
	router, store, contacts, publisher := newTestRouter(t)
	contacts.SetName("u1", "Asha")
	contacts.SetContacts("u1", []Contact{{UserID: "c1", Name: "Contact One"}, {UserID: "c2", Name: "Contact Two"}})

	event := NewSOS("u1", "key-1", SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 40.7, Lng: -74.0}})

	ack, err := router.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if ack.EventID == "" {
		t.Fatal("expected acknowledgment with event id")
	}

	if _, err := store.Get(context.Background(), ack.EventID); err != nil {
		t.Errorf("event should be persisted before fan-out: %v", err)
	}

	for _, room := range []string{RoomForUser("c1"), RoomForUser("c2")} {
		if publisher.count(room) != 1 {
			t.Errorf("expected 1 delivery to %s, got %d", room, publisher.count(room))
			continue
		}
		n, ok := publisher.last(room).(*ContactNotification)
		if !ok {
			t.Fatalf("unexpected payload type %T", publisher.last(room))
		}
		if n.Type != NotifySOS {
			t.Errorf("expected type %s, got %s", NotifySOS, n.Type)
		}
		if n.AlertID != ack.EventID {
			t.Errorf("notification should carry persisted id, got %s", n.AlertID)
		}
		if n.ContactID != "u1" || n.ContactName != "Asha" {
			t.Errorf("notification should identify the sender: %+v", n)
		}
		if n.Location == nil || n.Location.Lat != 40.7 {
			t.Errorf("notification should carry location: %+v", n.Location)
		}
		if len(n.Geohash) != 6 {
			t.Errorf("notification should carry a coarse geohash, got %q", n.Geohash)
		}
	}
}

func TestRouter_ValidationFailureLeavesNoState(t *testing.T) {
	router, store, contacts, publisher := newTestRouter(t)
	contacts.SetContacts("u1", []Contact{{UserID: "c1"}})

	// SOS without coordinates is malformed.
	event := &Event{UserID: "u1", Kind: KindSOS, SOS: &SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 200, Lng: 0}}}

	_, err := router.Handle(context.Background(), event)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if store.Len() != 0 {
		t.Errorf("validation failure must not persist anything, have %d events", store.Len())
	}
	if publisher.count(RoomForUser("c1")) != 0 {
		t.Error("validation failure must not fan out")
	}
}

func TestRouter_PersistenceFailureSkipsFanout(t *testing.T) {
	contacts := NewInMemoryContactDirectory()
	contacts.SetContacts("u1", []Contact{{UserID: "c1"}})
	publisher := newFakePublisher()
	router := NewRouter(failingStore{}, contacts, publisher, nil, nil)

	event := NewSOS("u1", "key-1", SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 1, Lng: 1}})

	_, err := router.Handle(context.Background(), event)
	if !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if publisher.count(RoomForUser("c1")) != 0 {
		t.Error("fan-out must be skipped when persistence fails")
	}
}

func TestRouter_FanoutIsolation(t *testing.T) {
	router, _, contacts, publisher := newTestRouter(t)
	contacts.SetContacts("u1", []Contact{{UserID: "c1"}, {UserID: "c2"}, {UserID: "c3"}})
	publisher.failRooms[RoomForUser("c2")] = true

	event := NewSOS("u1", "key-1", SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 1, Lng: 1}})

	ack, err := router.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("one unreachable recipient must not fail the operation: %v", err)
	}
	if ack.EventID == "" {
		t.Error("sender should still receive an acknowledgment")
	}

	if publisher.count(RoomForUser("c1")) != 1 {
		t.Error("c1 should receive the event despite c2 failing")
	}
	if publisher.count(RoomForUser("c3")) != 1 {
		t.Error("c3 should receive the event despite c2 failing")
	}
}

func TestRouter_EmptyContactListStillAcks(t *testing.T) {
	router, store, _, _ := newTestRouter(t)

	event := NewCheckIn("u1", "key-1", CheckInDetails{TripID: "trip-1", Location: Location{Lat: 1, Lng: 1}, Status: CheckInStatusSafe})

	ack, err := router.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("empty contact list is not an error: %v", err)
	}
	if _, err := store.Get(context.Background(), ack.EventID); err != nil {
		t.Errorf("event should still be persisted: %v", err)
	}
}

func TestRouter_DuplicateReplaySkipsFanout(t *testing.T) {
	router, store, contacts, publisher := newTestRouter(t)
	contacts.SetContacts("u1", []Contact{{UserID: "c1"}})

	details := SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 1, Lng: 1}}

	first, err := router.Handle(context.Background(), NewSOS("u1", "replay-key", details))
	if err != nil {
		t.Fatalf("first handle failed: %v", err)
	}

	second, err := router.Handle(context.Background(), NewSOS("u1", "replay-key", details))
	if err != nil {
		t.Fatalf("replay handle failed: %v", err)
	}

	if second.EventID != first.EventID {
		t.Errorf("replay should return the original id: %s vs %s", second.EventID, first.EventID)
	}
	if !second.Duplicate {
		t.Error("replay should be flagged as duplicate")
	}
	if store.Len() != 1 {
		t.Errorf("replay must not create a second event, have %d", store.Len())
	}
	if publisher.count(RoomForUser("c1")) != 1 {
		t.Errorf("replay must not fan out again, got %d deliveries", publisher.count(RoomForUser("c1")))
	}
}

func TestRouter_TripShareExplicitRecipients(t *testing.T) {
	router, _, contacts, publisher := newTestRouter(t)
	contacts.SetContacts("u1", []Contact{{UserID: "fallback"}})

	event := NewTripShare("u1", "key-1", TripShareDetails{TripID: "trip-9", ShareWith: []string{"friend-1", "friend-2"}})

	if _, err := router.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if publisher.count(RoomForUser("friend-1")) != 1 || publisher.count(RoomForUser("friend-2")) != 1 {
		t.Error("explicit share list should receive the trip share")
	}
	if publisher.count(RoomForUser("fallback")) != 0 {
		t.Error("emergency contacts should not receive a trip share with an explicit share list")
	}

	n := publisher.last(RoomForUser("friend-1")).(*ContactNotification)
	if n.Type != NotifyTripShare || n.TripID != "trip-9" {
		t.Errorf("unexpected trip share notification: %+v", n)
	}
}
