package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/reliefgrid/beacon/internal/meshcrypto"
)

var (
	// ErrUndecryptable is returned by Get when a record exists but cannot be
	// decrypted under the current vault key (for example after a session
	// key rotation). Bulk reads skip such records instead.
	ErrUndecryptable = errors.New("store: record undecryptable under current key")
)

const readCacheEntries = 1024

// Store is the durable encrypted queue store. All writes are serialized by an
// internal mutex; records are encrypted before hitting SQLite and decrypted
// on read, with a bounded plaintext read cache in front.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	secret func() string

	keyMu    sync.Mutex
	vaultKey []byte

	cache otter.Cache[string, []byte]
}

// Open opens (or creates) queue.db under dir, applies migrations, and returns
// a ready Store. sessionSecret provides the per-device/per-session secret the
// vault key is derived from; it is consulted lazily so the session may be
// established after Open.
func Open(dir string, sessionSecret func() string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
	}

	db, err := OpenDB(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, err
	}
	if err := MigrateQueueDB(db); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := otter.MustBuilder[string, []byte](readCacheEntries).
		Cost(func(_ string, _ []byte) uint32 { return 1 }).
		Build()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create read cache: %w", err)
	}

	return &Store{db: db, secret: sessionSecret, cache: cache}, nil
}

// Close releases the database handle and the read cache.
func (s *Store) Close() error {
	s.cache.Close()
	return s.db.Close()
}

func (s *Store) key() ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.vaultKey != nil {
		return s.vaultKey, nil
	}
	secret := s.secret()
	if secret == "" {
		return nil, errors.New("store: no session secret available")
	}
	s.vaultKey = meshcrypto.DeriveVaultKey(secret)
	return s.vaultKey, nil
}

// InvalidateKey clears the cached vault key and the plaintext read cache,
// forcing re-derivation on next use. Called on logout/session change.
func (s *Store) InvalidateKey() {
	s.keyMu.Lock()
	s.vaultKey = nil
	s.keyMu.Unlock()
	s.cache.Clear()
}

func cacheKey(storeName, key string) string {
	return storeName + "\x00" + key
}

// Put marshals v to JSON, encrypts it, and upserts it under (storeName, key).
func (s *Store) Put(storeName, key string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", storeName, key, err)
	}
	vaultKey, err := s.key()
	if err != nil {
		return err
	}
	body, err := meshcrypto.Seal(vaultKey, plain)
	if err != nil {
		return fmt.Errorf("store: encrypt %s/%s: %w", storeName, key, err)
	}

	now := time.Now().UnixNano()
	s.mu.Lock()
	_, err = s.db.Exec(`
		INSERT INTO records (store, key, body, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET
			body          = excluded.body,
			updated_at_ns = excluded.updated_at_ns
	`, storeName, key, body, now, now)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", storeName, key, err)
	}

	s.cache.Set(cacheKey(storeName, key), plain)
	return nil
}

// Get loads and decrypts the record at (storeName, key) into out.
// Returns false when no record exists, ErrUndecryptable when one exists but
// cannot be opened under the current vault key.
func (s *Store) Get(storeName, key string, out any) (bool, error) {
	if plain, ok := s.cache.Get(cacheKey(storeName, key)); ok {
		return true, json.Unmarshal(plain, out)
	}

	row := s.db.QueryRow("SELECT body FROM records WHERE store = ? AND key = ?", storeName, key)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: get %s/%s: %w", storeName, key, err)
	}

	vaultKey, err := s.key()
	if err != nil {
		return false, err
	}
	plain, err := meshcrypto.Open(vaultKey, body)
	if err != nil {
		return false, fmt.Errorf("%w: %s/%s", ErrUndecryptable, storeName, key)
	}

	s.cache.Set(cacheKey(storeName, key), plain)
	return true, json.Unmarshal(plain, out)
}

// GetAll decrypts every record in storeName, keyed by record key. Records
// that fail to decrypt are skipped and counted rather than aborting the read,
// so a handful of legacy records never block the rest of a store.
func (s *Store) GetAll(storeName string) (records map[string][]byte, skipped int, err error) {
	vaultKey, err := s.key()
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(
		"SELECT key, body FROM records WHERE store = ? ORDER BY created_at_ns", storeName)
	if err != nil {
		return nil, 0, fmt.Errorf("store: get all %s: %w", storeName, err)
	}
	defer rows.Close()

	records = make(map[string][]byte)
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, skipped, fmt.Errorf("store: scan %s: %w", storeName, err)
		}
		plain, err := meshcrypto.Open(vaultKey, body)
		if err != nil {
			skipped++
			continue
		}
		records[key] = plain
	}
	if skipped > 0 {
		log.Printf("store: %s: skipped %d undecryptable record(s)", storeName, skipped)
	}
	return records, skipped, rows.Err()
}

// Delete removes the record at (storeName, key). Deleting a missing record
// is a no-op.
func (s *Store) Delete(storeName, key string) error {
	s.mu.Lock()
	_, err := s.db.Exec("DELETE FROM records WHERE store = ? AND key = ?", storeName, key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", storeName, key, err)
	}
	s.cache.Delete(cacheKey(storeName, key))
	return nil
}

// Clear removes every record in storeName.
func (s *Store) Clear(storeName string) error {
	s.mu.Lock()
	_, err := s.db.Exec("DELETE FROM records WHERE store = ?", storeName)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: clear %s: %w", storeName, err)
	}
	s.cache.Clear()
	return nil
}

// Count returns the number of records in storeName, decryptable or not.
func (s *Store) Count(storeName string) (int, error) {
	row := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE store = ?", storeName)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", storeName, err)
	}
	return n, nil
}

// PurgeOlderThan removes records in storeName created before cutoff and
// reports how many were removed. Used to bound stale responder records.
func (s *Store) PurgeOlderThan(storeName string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	res, err := s.db.Exec(
		"DELETE FROM records WHERE store = ? AND created_at_ns < ?",
		storeName, cutoff.UnixNano())
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("store: purge %s: %w", storeName, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.cache.Clear()
	}
	return int(n), nil
}

// ReadAll decrypts and unmarshals every record in storeName into T, keyed by
// record key. Undecryptable and unparseable records are skipped and counted.
func ReadAll[T any](s *Store, storeName string) (map[string]T, int, error) {
	raw, skipped, err := s.GetAll(storeName)
	if err != nil {
		return nil, skipped, err
	}
	out := make(map[string]T, len(raw))
	for key, plain := range raw {
		var v T
		if err := json.Unmarshal(plain, &v); err != nil {
			skipped++
			continue
		}
		out[key] = v
	}
	return out, skipped, nil
}
