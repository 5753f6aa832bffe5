// Package store persists stacks, schedules, job history, and settings in
// an embedded bbolt database, generalizing the teacher's SettingStore
// bucket-per-concern pattern (internal/models/setting.go) to the full set
// of records the backup engine needs to survive a restart.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stackvault/backupd/internal/model"
)

var (
	bucketStacks    = []byte("stacks")
	bucketSchedules = []byte("schedules")
	bucketHistory   = []byte("history")
	bucketSettings  = []byte("settings")
)

// maxHistoryEntries bounds the history ring per subject key; the oldest
// entry is evicted once a new one would exceed it.
const maxHistoryEntries = 200

const settingCacheTTL = 60 * time.Second

// Store is the KeyValueStore collaborator: a bbolt-backed database with a
// bucket per concern (stacks, schedules, history, settings) and a
// short-TTL read cache over settings only, mirroring SettingStore's cache.
type Store struct {
	db *bolt.DB

	mu            sync.RWMutex
	settingsCache map[string]settingEntry
}

type settingEntry struct {
	value   string
	expires time.Time
}

// Open opens (creating if needed) the bbolt database at path and ensures
// all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStacks, bucketSchedules, bucketHistory, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db, settingsCache: make(map[string]settingEntry)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveStack upserts a StackDefinition keyed by stack name.
func (s *Store) SaveStack(def model.StackDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal stack %s: %w", def.StackName, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStacks).Put([]byte(def.StackName), payload)
	})
}

// GetStack retrieves a StackDefinition by name. ok is false if absent.
func (s *Store) GetStack(name string) (def model.StackDefinition, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStacks).Get([]byte(name))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &def)
	})
	if err != nil {
		return model.StackDefinition{}, false, fmt.Errorf("get stack %s: %w", name, err)
	}
	return def, ok, nil
}

// AllStacks returns every stored StackDefinition.
func (s *Store) AllStacks() ([]model.StackDefinition, error) {
	var out []model.StackDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStacks).ForEach(func(k, v []byte) error {
			var def model.StackDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			out = append(out, def)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	return out, nil
}

// DeleteStack removes a StackDefinition.
func (s *Store) DeleteStack(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStacks).Delete([]byte(name))
	})
}

// SaveSchedule upserts a Schedule keyed by its Key.
func (s *Store) SaveSchedule(sched model.Schedule) error {
	payload, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", sched.Key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(sched.Key), payload)
	})
}

// AllSchedules returns every stored Schedule.
func (s *Store) AllSchedules() ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched model.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			out = append(out, sched)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// DeleteSchedule removes a Schedule by key.
func (s *Store) DeleteSchedule(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(key))
	})
}

// historyKey joins a subject (stack or container name), the entry's
// timestamp, and its ID into the bucket key. The timestamp is encoded as
// a fixed-width big-endian UnixNano so that byte-lexicographic key order
// — which bbolt's Cursor walks in — matches chronological order; the ID
// itself (a random UUIDv4) has no such relationship and can't be used
// alone to find the oldest entry. This lets AppendHistory range-scan one
// subject's entries by prefix, oldest first, for eviction without a
// secondary index.
func historyKey(subject string, ts time.Time, id string) []byte {
	key := make([]byte, 0, len(subject)+1+8+1+len(id))
	key = append(key, subject...)
	key = append(key, 0)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	key = append(key, tsBuf[:]...)
	key = append(key, 0)
	key = append(key, id...)
	return key
}

// AppendHistory records a new HistoryEntry under subject, evicting the
// oldest entry for that subject once the ring would exceed
// maxHistoryEntries.
func (s *Store) AppendHistory(subject string, entry model.HistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry %s: %w", entry.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		prefix := []byte(subject + "\x00")

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			cp := append([]byte(nil), k...)
			keys = append(keys, cp)
		}

		newKey := historyKey(subject, entry.Timestamp, entry.ID)
		if err := b.Put(newKey, payload); err != nil {
			return err
		}
		keys = append(keys, newKey)

		for len(keys) > maxHistoryEntries {
			oldest := keys[0]
			keys = keys[1:]
			if err := b.Delete(oldest); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// History returns every HistoryEntry recorded for subject, oldest first.
func (s *Store) History(subject string) ([]model.HistoryEntry, error) {
	var out []model.HistoryEntry
	prefix := []byte(subject + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry model.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", subject, err)
	}
	return out, nil
}

// GetSetting retrieves a setting value, consulting a 60s read cache
// before the database, per SettingStore's pattern.
func (s *Store) GetSetting(key string) (string, error) {
	s.mu.RLock()
	if entry, ok := s.settingsCache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.settingsCache[key] = settingEntry{value: val, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()
	return val, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	}); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.settingsCache[key] = settingEntry{value: value, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()
	return nil
}
