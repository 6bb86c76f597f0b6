package tss

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var bucketTasks = []byte("tasks")

// entry is the on-disk envelope: the domain Record plus its absolute
// expiry, which bbolt itself has no notion of.
type entry struct {
	Record    Record    `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the BoltDB-backed TSS client, with an in-memory hot cache layered
// on top the same way the reference platform's workflow store does.
type Store struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	hot  map[string]entry

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	expired      metric.Int64Counter
}

// Open creates/opens the TSS database at dbPath.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open tss db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tss bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("aiflow_tss_read_ms")
	writeLatency, _ := meter.Float64Histogram("aiflow_tss_write_ms")
	cacheHits, _ := meter.Int64Counter("aiflow_tss_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("aiflow_tss_cache_misses_total")
	expired, _ := meter.Int64Counter("aiflow_tss_expired_total")

	s := &Store{
		db:           db,
		hot:          make(map[string]entry),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		expired:      expired,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm tss cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			s.hot[string(k)] = e
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SetTask writes record under id with an absolute TTL from now.
func (s *Store) SetTask(id string, record Record, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "set_task")))
	}()

	e := entry{Record: record, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	s.hot[id] = e
	return nil
}

// GetTask returns the record for id, or ok=false if absent or TTL-expired
// (an expired record is lazily deleted on read).
func (s *Store) GetTask(id string) (Record, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_task")))
	}()

	s.mu.RLock()
	e, found := s.hot[id]
	s.mu.RUnlock()

	if !found {
		s.cacheMisses.Add(context.Background(), 1)
		var ok bool
		var err error
		e, ok, err = s.readFromDB(id)
		if err != nil || !ok {
			return Record{}, false, err
		}
	} else {
		s.cacheHits.Add(context.Background(), 1)
	}

	if e.Record.TaskID == "" {
		return Record{}, false, nil
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		s.expired.Add(context.Background(), 1)
		_, _ = s.DeleteTask(id)
		return Record{}, false, nil
	}
	return e.Record, true, nil
}

func (s *Store) readFromDB(id string) (entry, bool, error) {
	var e entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return entry{}, false, fmt.Errorf("read task record: %w", err)
	}
	if e.Record.TaskID == "" {
		return entry{}, false, nil
	}
	s.mu.Lock()
	s.hot[id] = e
	s.mu.Unlock()
	return e, true, nil
}

// DeleteTask removes id. Returns true if a record existed.
func (s *Store) DeleteTask(id string) (bool, error) {
	s.mu.Lock()
	_, existed := s.hot[id]
	delete(s.hot, id)
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if !existed {
			existed = b.Get([]byte(id)) != nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("delete task record: %w", err)
	}
	return existed, nil
}

// CompareAndUpdate atomically applies fn to the current record for id iff
// it is present, writing the result back with the same TTL it already had.
// fn returns ok=false to signal "no change should be applied" (e.g. the
// status DAG forbids the requested transition).
func (s *Store) CompareAndUpdate(id string, fn func(Record) (Record, bool)) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.hot[id]
	if !found {
		var err error
		e, found, err = s.readFromDBLocked(id)
		if err != nil {
			return Record{}, false, err
		}
	}
	if !found {
		return Record{}, false, nil
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		delete(s.hot, id)
		return Record{}, false, nil
	}

	next, apply := fn(e.Record)
	if !apply {
		return e.Record, false, nil
	}
	e.Record = next
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal task record: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(id), data)
	}); err != nil {
		return Record{}, false, fmt.Errorf("write task record: %w", err)
	}
	s.hot[id] = e
	return e.Record, true, nil
}

func (s *Store) readFromDBLocked(id string) (entry, bool, error) {
	var e entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return entry{}, false, fmt.Errorf("read task record: %w", err)
	}
	if e.Record.TaskID == "" {
		return entry{}, false, nil
	}
	return e, true, nil
}

// SweepExpired deletes every TTL-expired record and returns how many were removed.
// Intended to be called periodically from a cron job (see internal/tss.Reaper).
func (s *Store) SweepExpired() (int, error) {
	now := time.Now()
	var expiredIDs []string

	s.mu.RLock()
	for id, e := range s.hot {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expiredIDs {
		if _, err := s.DeleteTask(id); err != nil {
			return 0, err
		}
	}
	return len(expiredIDs), nil
}
