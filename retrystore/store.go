// Package retrystore persists one attempt record per remediation target
// (host, policy, team) across runs, backed by an embedded pebble database.
package retrystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// Entries are pruned purely by absolute age, independent of backoff state.
const DefaultMaxAge = 7 * 24 * time.Hour

// Inner schema:
// A{uint64 hostId}{uint64 policyId}{uint64 teamId} : {uint64 unix seconds}{uint32 attempts}
//
// The fixed-width binary key makes distinct (host, policy, team) triples
// collision-free by construction.
const (
	keyPrefix = 'A'
	keyLen    = 1 + 8 + 8 + 8
	valueLen  = 8 + 4
)

// Entry is the persisted attempt state for one remediation target.
type Entry struct {
	// LastAttempt is the unix time of the most recent trigger attempt.
	LastAttempt int64
	// Attempts counts real (non-dry-run) trigger attempts. Only ever
	// increases for a given key.
	Attempts int
}

func makeKey(hostID, policyID, teamID uint) []byte {
	out := make([]byte, keyLen)
	out[0] = keyPrefix
	binary.BigEndian.PutUint64(out[1:], uint64(hostID))
	binary.BigEndian.PutUint64(out[9:], uint64(policyID))
	binary.BigEndian.PutUint64(out[17:], uint64(teamID))
	return out
}

func parseKey(key []byte) (hostID, policyID, teamID uint, ok bool) {
	if len(key) != keyLen || key[0] != keyPrefix {
		return 0, 0, 0, false
	}
	hostID = uint(binary.BigEndian.Uint64(key[1:9]))
	policyID = uint(binary.BigEndian.Uint64(key[9:17]))
	teamID = uint(binary.BigEndian.Uint64(key[17:25]))
	return hostID, policyID, teamID, true
}

func makeValue(lastAttempt int64, attempts int) []byte {
	out := make([]byte, valueLen)
	binary.BigEndian.PutUint64(out[:8], uint64(lastAttempt))
	binary.BigEndian.PutUint32(out[8:], uint32(attempts))
	return out
}

func parseValue(value []byte) (Entry, bool) {
	if len(value) != valueLen {
		return Entry{}, false
	}
	return Entry{
		LastAttempt: int64(binary.BigEndian.Uint64(value[:8])),
		Attempts:    int(binary.BigEndian.Uint32(value[8:])),
	}, true
}

// Store is a persistent key -> (last attempt time, attempt count) map.
// Safe for one process at a time; pebble's directory lock rejects a second
// concurrent instance rather than corrupting the store.
type Store struct {
	db  *pebble.DB
	log *slog.Logger
}

// Open creates or opens the store at dir, creating parent directories as
// needed. An unwritable location is a fatal configuration problem for the
// caller to report.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("%s: could not create cache parent dir, %w", dir, err)
	}
	return openAt(dir, &pebble.Options{}, logger)
}

func openAt(dir string, opts *pebble.Options, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: could not open attempt store, %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}, nil
}

func (s *Store) Close() error {
	if err := s.db.Flush(); err != nil {
		s.log.Error("attempt store flush", "err", err)
	}
	return s.db.Close()
}

// Get returns the entry for one target, or found=false when the target has
// never been attempted. A corrupt value degrades to found=false so a
// damaged store means "first attempt", never a crash.
func (s *Store) Get(hostID, policyID, teamID uint) (Entry, bool, error) {
	value, closer, err := s.db.Get(makeKey(hostID, policyID, teamID))
	if closer != nil {
		defer closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("attempt store get, %w", err)
	}
	entry, ok := parseValue(value)
	if !ok {
		s.log.Warn("discarding corrupt attempt record",
			"host_id", hostID, "policy_id", policyID, "team_id", teamID)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Record upserts the entry for one target: any previous record for the
// same triple is replaced, never appended to. The synced write keeps the
// store readable even if the process dies mid-update.
func (s *Store) Record(hostID, policyID, teamID uint, when time.Time, attempts int) error {
	key := makeKey(hostID, policyID, teamID)
	if err := s.db.Set(key, makeValue(when.Unix(), attempts), pebble.Sync); err != nil {
		return fmt.Errorf("attempt store set, %w", err)
	}
	return nil
}

// Walk calls fn for every entry in the store, in key order.
func (s *Store) Walk(fn func(hostID, policyID, teamID uint, e Entry) error) error {
	lower := []byte{keyPrefix}
	upper := []byte{keyPrefix + 1}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("attempt store iter start, %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		hostID, policyID, teamID, ok := parseKey(iter.Key())
		if !ok {
			continue
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("attempt store iter, %w", err)
		}
		entry, ok := parseValue(value)
		if !ok {
			continue
		}
		if err := fn(hostID, policyID, teamID, entry); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes every entry whose last attempt is older than maxAge
// relative to now, and reports how many were removed. Entries within the
// age window are left untouched.
func (s *Store) Prune(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge).Unix()
	var stale [][]byte
	err := s.Walk(func(hostID, policyID, teamID uint, e Entry) error {
		if e.LastAttempt < cutoff {
			stale = append(stale, makeKey(hostID, policyID, teamID))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("attempt store delete, %w", err)
		}
	}
	return len(stale), nil
}
