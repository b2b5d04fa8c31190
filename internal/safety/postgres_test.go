//go:build integration

package safety

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	beacondb "github.com/onnwee/beacon/internal/db"
)

// Requires a migrated Postgres; run with -tags=integration and DATABASE_URL set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := beacondb.Open(context.Background(), url)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// createTestUser inserts a throwaway user and registers cleanup for the user
// row and any events it accumulates. The event tables reference users without
// ON DELETE CASCADE, so children go first.
func createTestUser(t *testing.T, pool *sql.DB, displayName string) string {
	t.Helper()
	id := "itest-" + uuid.NewString()
	if _, err := pool.Exec(
		"INSERT INTO users (id, display_name) VALUES ($1, NULLIF($2, ''))", id, displayName,
	); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	t.Cleanup(func() {
		for _, table := range []string{"sos_alerts", "safety_checkins", "safety_events"} {
			if _, err := pool.Exec("DELETE FROM "+table+" WHERE user_id = $1", id); err != nil {
				t.Errorf("cleanup %s: %v", table, err)
			}
		}
		if _, err := pool.Exec("DELETE FROM users WHERE id = $1", id); err != nil {
			t.Errorf("cleanup users: %v", err)
		}
	})
	return id
}

func countRows(t *testing.T, pool *sql.DB, table, userID string) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(
		"SELECT count(*) FROM "+table+" WHERE user_id = $1", userID,
	).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestPostgresEventStore_SaveAndGetSOS(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)
	userID := createTestUser(t, pool, "Ada")
	ctx := context.Background()

	event := NewSOS(userID, "sos-"+uuid.NewString(), SOSDetails{
		Type:        SOSTypeMedical,
		Location:    Location{Lat: 47.6062, Lng: -122.3321},
		Description: "fell on the trail",
	})

	result, err := store.Save(ctx, event)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if result.Duplicate {
		t.Error("first save must not be a duplicate")
	}
	if result.ID == "" {
		t.Fatal("expected a generated event id")
	}

	got, err := store.Get(ctx, result.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Kind != KindSOS || got.UserID != userID {
		t.Errorf("got kind=%q user=%q, want %q/%q", got.Kind, got.UserID, KindSOS, userID)
	}
	if got.IdempotencyKey != event.IdempotencyKey {
		t.Errorf("idempotency key = %q, want %q", got.IdempotencyKey, event.IdempotencyKey)
	}
	if got.SOS == nil {
		t.Fatal("expected SOS details")
	}
	if got.SOS.Type != SOSTypeMedical || got.SOS.Status != SOSStatusActive {
		t.Errorf("sos = %+v, want medical/active", got.SOS)
	}
	if got.SOS.Location != event.SOS.Location || got.SOS.Description != "fell on the trail" {
		t.Errorf("sos payload = %+v, want %+v", got.SOS, event.SOS)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected a persisted created_at")
	}
}

// Replaying a key must return the original row id, flag the duplicate, and
// leave exactly one row behind. Submission retries depend on this.
func TestPostgresEventStore_DuplicateReplay(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)
	userID := createTestUser(t, pool, "Ada")
	ctx := context.Background()

	key := "checkin-" + uuid.NewString()
	details := CheckInDetails{
		TripID:   "trip-42",
		Location: Location{Lat: 52.52, Lng: 13.405},
		Status:   CheckInStatusSafe,
		Notes:    "at the hostel",
	}

	first, err := store.Save(ctx, NewCheckIn(userID, key, details))
	if err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	replay, err := store.Save(ctx, NewCheckIn(userID, key, details))
	if err != nil {
		t.Fatalf("replayed Save() error = %v", err)
	}

	if !replay.Duplicate {
		t.Error("replayed key should be reported as duplicate")
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned id %q, want original %q", replay.ID, first.ID)
	}
	if n := countRows(t, pool, "safety_checkins", userID); n != 1 {
		t.Errorf("expected 1 check-in row, got %d", n)
	}
}

// The dedupe index is scoped per user: two users may submit the same key.
func TestPostgresEventStore_KeyScopedPerUser(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)
	alice := createTestUser(t, pool, "Alice")
	bob := createTestUser(t, pool, "Bob")
	ctx := context.Background()

	key := "shared-" + uuid.NewString()
	details := SOSDetails{Type: SOSTypeEmergency, Location: Location{Lat: 1, Lng: 2}}

	a, err := store.Save(ctx, NewSOS(alice, key, details))
	if err != nil {
		t.Fatalf("Save() for alice: %v", err)
	}
	b, err := store.Save(ctx, NewSOS(bob, key, details))
	if err != nil {
		t.Fatalf("Save() for bob: %v", err)
	}
	if b.Duplicate {
		t.Error("another user's key must not collide")
	}
	if a.ID == b.ID {
		t.Error("each user should own a distinct row")
	}
}

// Events submitted without a key are never deduplicated.
func TestPostgresEventStore_NoKeyNeverDedupes(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)
	userID := createTestUser(t, pool, "")
	ctx := context.Background()

	details := LocationShareDetails{Location: Location{Lat: 51.5074, Lng: -0.1278}}
	first, err := store.Save(ctx, NewLocationShare(userID, "", details))
	if err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	second, err := store.Save(ctx, NewLocationShare(userID, "", details))
	if err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if second.Duplicate || second.ID == first.ID {
		t.Errorf("keyless saves must create fresh rows, got %+v after %+v", second, first)
	}
	if n := countRows(t, pool, "safety_events", userID); n != 2 {
		t.Errorf("expected 2 event rows, got %d", n)
	}
}

// Location and trip shares round-trip through the JSONB payload column.
func TestPostgresEventStore_GenericPayloadRoundTrip(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)
	userID := createTestUser(t, pool, "Ada")
	ctx := context.Background()

	trip := NewTripShare(userID, "trip-"+uuid.NewString(), TripShareDetails{
		TripID:    "trip-42",
		ShareWith: []string{"u-contact-1", "u-contact-2"},
	})
	result, err := store.Save(ctx, trip)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, result.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Kind != KindTripShare || got.TripShare == nil {
		t.Fatalf("got %+v, want a trip share", got)
	}
	if got.TripShare.TripID != "trip-42" || len(got.TripShare.ShareWith) != 2 {
		t.Errorf("trip payload = %+v, want original details", got.TripShare)
	}
}

func TestPostgresEventStore_GetMissing(t *testing.T) {
	pool := openTestDB(t)
	store := NewPostgresEventStore(pool)

	if _, err := store.Get(context.Background(), uuid.NewString()); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Get() error = %v, want ErrEventNotFound", err)
	}
}

func TestPostgresContactDirectory(t *testing.T) {
	pool := openTestDB(t)
	dir := NewPostgresContactDirectory(pool)
	ctx := context.Background()

	owner := createTestUser(t, pool, "Owner")
	named := createTestUser(t, pool, "Grace")
	unnamed := createTestUser(t, pool, "")

	// Explicit timestamps pin the fan-out order.
	base := time.Now().Add(-time.Minute)
	for i, contact := range []string{named, unnamed} {
		if _, err := pool.Exec(`
			INSERT INTO emergency_contacts (user_id, contact_user_id, created_at)
			VALUES ($1, $2, $3)`,
			owner, contact, base.Add(time.Duration(i)*time.Second),
		); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
	}

	contacts, err := dir.GetEmergencyContacts(ctx, owner)
	if err != nil {
		t.Fatalf("GetEmergencyContacts() error = %v", err)
	}
	want := []Contact{{UserID: named, Name: "Grace"}, {UserID: unnamed, Name: ""}}
	if len(contacts) != len(want) {
		t.Fatalf("got %d contacts, want %d", len(contacts), len(want))
	}
	for i := range want {
		if contacts[i] != want[i] {
			t.Errorf("contact[%d] = %+v, want %+v", i, contacts[i], want[i])
		}
	}

	name, err := dir.DisplayName(ctx, named)
	if err != nil || name != "Grace" {
		t.Errorf("DisplayName(%q) = %q, %v, want Grace", named, name, err)
	}
	name, err = dir.DisplayName(ctx, "itest-nobody-"+uuid.NewString())
	if err != nil || name != "" {
		t.Errorf("DisplayName for unknown user = %q, %v, want empty", name, err)
	}
}
