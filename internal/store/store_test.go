package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/reliefgrid/beacon/internal/model"
	"github.com/reliefgrid/beacon/internal/store"
)

func openStore(t *testing.T, secret string) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), func() string { return secret })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pending(id string, retries int) model.PendingSOS {
	return model.PendingSOS{
		MessageID: id,
		Payload: model.SOSPayload{
			PatientID: "patient-1",
			Latitude:  35.68,
			Longitude: 139.76,
			Status:    model.StatusTrapped,
			Severity:  4,
			Details:   "under rubble, second floor",
		},
		CreatedAtNs: time.Now().UnixNano(),
		RetryCount:  retries,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, "session-secret")

	want := pending("msg-1", 0)
	if err := s.Put(store.StorePendingSOS, want.MessageID, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got model.PendingSOS
	found, err := s.Get(store.StorePendingSOS, "msg-1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get reported record missing")
	}
	if got.MessageID != want.MessageID || got.Payload.PatientID != want.Payload.PatientID {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestGetMissingRecord(t *testing.T) {
	s := openStore(t, "secret")
	var out model.PendingSOS
	found, err := s.Get(store.StorePendingSOS, "absent", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("Get found a record that was never written")
	}
}

func TestRecordsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, func() string { return "secret" })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(store.StoreProfileCache, "me", map[string]string{"name": "Aiko"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	db, err := store.OpenDB(dir + "/queue.db")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	var body string
	if err := db.QueryRow("SELECT body FROM records WHERE store = ? AND key = ?",
		store.StoreProfileCache, "me").Scan(&body); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if body == `{"name":"Aiko"}` {
		t.Fatal("record stored in plaintext")
	}
	if len(body) == 0 {
		t.Fatal("empty body at rest")
	}
}

func TestUndecryptableRecordsSkippedInBulkRead(t *testing.T) {
	dir := t.TempDir()

	// Write two records under the first session key.
	s1, err := store.Open(dir, func() string { return "old-session" })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Put(store.StorePendingSOS, "old-1", pending("old-1", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Put(store.StorePendingSOS, "old-2", pending("old-2", 2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s1.Close()

	// Re-open under a rotated key and add one readable record.
	s2, err := store.Open(dir, func() string { return "new-session" })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()
	if err := s2.Put(store.StorePendingSOS, "new-1", pending("new-1", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, skipped, err := store.ReadAll[model.PendingSOS](s2, store.StorePendingSOS)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if len(records) != 1 {
		t.Fatalf("readable records = %d, want 1", len(records))
	}
	if _, ok := records["new-1"]; !ok {
		t.Fatal("readable record new-1 missing from bulk read")
	}

	// Single-record read of a legacy record surfaces ErrUndecryptable.
	var out model.PendingSOS
	if _, err := s2.Get(store.StorePendingSOS, "old-1", &out); !errors.Is(err, store.ErrUndecryptable) {
		t.Fatalf("Get legacy record: err = %v, want ErrUndecryptable", err)
	}
}

func TestInvalidateKeyForcesRederivation(t *testing.T) {
	secret := "first"
	s, err := store.Open(t.TempDir(), func() string { return secret })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Put(store.StoreProfileCache, "k", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	secret = "second"
	s.InvalidateKey()

	// Old record is now unreadable; new writes succeed under the new key.
	var out string
	if _, err := s.Get(store.StoreProfileCache, "k", &out); !errors.Is(err, store.ErrUndecryptable) {
		t.Fatalf("Get after rotation: err = %v, want ErrUndecryptable", err)
	}
	if err := s.Put(store.StoreProfileCache, "k2", "v2"); err != nil {
		t.Fatalf("Put after rotation: %v", err)
	}
	found, err := s.Get(store.StoreProfileCache, "k2", &out)
	if err != nil || !found {
		t.Fatalf("Get after rotation: found=%v err=%v", found, err)
	}
	if out != "v2" {
		t.Fatalf("got %q, want v2", out)
	}
}

func TestDeleteClearCount(t *testing.T) {
	s := openStore(t, "secret")

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(store.StoreSyncQueue, id, model.SyncQueueItem{
			EntityType: "patient", EntityID: id, Op: model.SyncOpCreate,
		}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	n, err := s.Count(store.StoreSyncQueue)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}

	if err := s.Delete(store.StoreSyncQueue, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ = s.Count(store.StoreSyncQueue); n != 2 {
		t.Fatalf("Count after delete = %d, want 2", n)
	}

	// Deleting a missing key is a no-op.
	if err := s.Delete(store.StoreSyncQueue, "ghost"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}

	if err := s.Clear(store.StoreSyncQueue); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ = s.Count(store.StoreSyncQueue); n != 0 {
		t.Fatalf("Count after clear = %d, want 0", n)
	}
}

func TestStoresAreIndependentNamespaces(t *testing.T) {
	s := openStore(t, "secret")

	if err := s.Put(store.StorePendingSOS, "shared-key", pending("shared-key", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(store.StoreReceivedSOS, "shared-key", model.ReceivedSOS{MessageID: "shared-key"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Clear(store.StorePendingSOS); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(store.StoreReceivedSOS); n != 1 {
		t.Fatalf("clearing one store affected another: count = %d", n)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := store.Open(dir, func() string { return "secret" })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Put(store.StorePendingSOS, "persist-me", pending("persist-me", 3)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s1.Close()

	s2, err := store.Open(dir, func() string { return "secret" })
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var got model.PendingSOS
	found, err := s2.Get(store.StorePendingSOS, "persist-me", &got)
	if err != nil || !found {
		t.Fatalf("Get after reopen: found=%v err=%v", found, err)
	}
	if got.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", got.RetryCount)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := openStore(t, "secret")

	if err := s.Put(store.StoreReceivedSOS, "old", model.ReceivedSOS{MessageID: "old"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := s.PurgeOlderThan(store.StoreReceivedSOS, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if cnt, _ := s.Count(store.StoreReceivedSOS); cnt != 0 {
		t.Fatalf("count after purge = %d, want 0", cnt)
	}
}
