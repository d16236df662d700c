package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// alarmsBucket holds persisted alarms across all namespaces. The leading NUL
// keeps it out of the namespace bucket value space.
var alarmsBucket = []byte("\x00alarms")

// BoltFactory is the default storage backend: one bbolt file, one top-level
// bucket per namespace, alarms persisted so they survive restarts.
type BoltFactory struct {
	db           *bolt.DB
	sched        *alarmScheduler
	pollInterval time.Duration
	logger       *logrus.Entry
}

// BoltOption customizes a BoltFactory.
type BoltOption func(*BoltFactory)

// WithPollInterval overrides the worker poll interval reported by namespaces.
func WithPollInterval(d time.Duration) BoltOption {
	return func(f *BoltFactory) { f.pollInterval = d }
}

// WithLogger attaches a scoped logger.
func WithLogger(logger *logrus.Entry) BoltOption {
	return func(f *BoltFactory) { f.logger = logger }
}

// OpenBolt opens or creates the bbolt database at path and restores any
// persisted alarms into the scheduler.
func OpenBolt(path string, opts ...BoltOption) (*BoltFactory, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	f := &BoltFactory{
		db:           db,
		pollInterval: DefaultWorkerPollInterval,
		logger:       logrus.NewEntry(logrus.StandardLogger()).WithField("component", "kv.bolt"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.sched = newAlarmScheduler(f.logger)

	if err := f.restoreAlarms(); err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

func (f *BoltFactory) restoreAlarms() error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(alarmsBucket)
		if err != nil {
			return fmt.Errorf("failed to create alarms bucket: %w", err)
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			ns, id := splitAlarmKey(string(k))
			at := time.UnixMilli(int64(binary.BigEndian.Uint64(v)))
			f.sched.alarms[alarmKey(ns, id)] = at
			return nil
		})
	})
}

// OnAlarm registers the alarm handler. Fired alarms are removed from the
// persisted set before the handler runs, so a crash inside the handler drops
// the alarm rather than replaying it; the runtime re-arms alarms it still
// needs on actor load.
func (f *BoltFactory) OnAlarm(fn AlarmFunc) {
	f.sched.onAlarm(func(ns, id string, at time.Time) {
		if err := f.deleteAlarmRecord(ns, id); err != nil {
			f.logger.WithError(err).Warn("failed to clear fired alarm record")
		}
		fn(ns, id, at)
	})
	f.sched.mu.Lock()
	f.sched.rescheduleLocked()
	f.sched.mu.Unlock()
}

func (f *BoltFactory) deleteAlarmRecord(ns, id string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alarmsBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(alarmKey(ns, id)))
	})
}

// Namespace returns the driver bound to one top-level bucket.
func (f *BoltFactory) Namespace(name string) (Driver, error) {
	err := f.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &boltDriver{factory: f, bucket: []byte(name), namespace: name}, nil
}

// Close stops the alarm scheduler and closes the database.
func (f *BoltFactory) Close() error {
	f.sched.close()
	return f.db.Close()
}

type boltDriver struct {
	factory   *BoltFactory
	bucket    []byte
	namespace string
}

func (d *boltDriver) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.factory.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (d *boltDriver) Set(_ context.Context, key, value []byte) error {
	return d.factory.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		return b.Put(key, value)
	})
}

func (d *boltDriver) Delete(_ context.Context, key []byte) error {
	return d.factory.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		return b.Delete(key)
	})
}

func (d *boltDriver) DeletePrefix(_ context.Context, prefix []byte) error {
	return d.factory.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *boltDriver) List(_ context.Context, prefix []byte) ([]Entry, error) {
	var out []Entry
	err := d.factory.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}

func (d *boltDriver) ListRange(_ context.Context, start, end []byte, opts ListOptions) ([]Entry, error) {
	var out []Entry
	err := d.factory.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		c := b.Cursor()
		appendEntry := func(k, v []byte) bool {
			out = append(out, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
			return opts.Limit == 0 || len(out) < opts.Limit
		}
		if !opts.Reverse {
			for k, v := c.Seek(start); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
				if !appendEntry(k, v) {
					break
				}
			}
			return nil
		}
		// Reverse: position at the last key strictly below end.
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.Compare(k, start) >= 0; k, v = c.Prev() {
			if bytes.Compare(k, end) >= 0 {
				continue
			}
			if !appendEntry(k, v) {
				break
			}
		}
		return nil
	})
	return out, err
}

func (d *boltDriver) Batch(_ context.Context, puts []Entry, deletes [][]byte) error {
	return d.factory.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", d.namespace)
		}
		for _, e := range puts {
			if err := b.Put(e.Key, e.Value); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *boltDriver) SetAlarm(_ context.Context, id string, wakeAt time.Time) error {
	err := d.factory.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alarmsBucket)
		if b == nil {
			return fmt.Errorf("alarms bucket missing")
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(wakeAt.UnixMilli()))
		return b.Put([]byte(alarmKey(d.namespace, id)), v[:])
	})
	if err != nil {
		return err
	}
	d.factory.sched.set(d.namespace, id, wakeAt)
	return nil
}

func (d *boltDriver) ClearAlarm(_ context.Context, id string) error {
	if err := d.factory.deleteAlarmRecord(d.namespace, id); err != nil {
		return err
	}
	d.factory.sched.clear(d.namespace, id)
	return nil
}

func (d *boltDriver) WorkerPollInterval() time.Duration {
	return d.factory.pollInterval
}
