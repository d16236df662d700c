package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryFactory is an in-process, non-durable backend used by tests and by
// embedded setups that do not need persistence.
type MemoryFactory struct {
	mu           sync.Mutex
	namespaces   map[string]*memoryDriver
	sched        *alarmScheduler
	pollInterval time.Duration
}

// NewMemory creates an empty in-memory factory.
func NewMemory() *MemoryFactory {
	return &MemoryFactory{
		namespaces:   make(map[string]*memoryDriver),
		sched:        newAlarmScheduler(logrus.NewEntry(logrus.StandardLogger()).WithField("component", "kv.memory")),
		pollInterval: DefaultWorkerPollInterval,
	}
}

// SetPollInterval overrides the worker poll interval. Tests shrink it to keep
// alarm-driven paths fast.
func (f *MemoryFactory) SetPollInterval(d time.Duration) { f.pollInterval = d }

func (f *MemoryFactory) Namespace(name string) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.namespaces[name]; ok {
		return d, nil
	}
	d := &memoryDriver{factory: f, namespace: name, data: make(map[string][]byte)}
	f.namespaces[name] = d
	return d, nil
}

func (f *MemoryFactory) OnAlarm(fn AlarmFunc) { f.sched.onAlarm(fn) }

func (f *MemoryFactory) Close() error {
	f.sched.close()
	return nil
}

type memoryDriver struct {
	factory   *MemoryFactory
	namespace string
	mu        sync.RWMutex
	data      map[string][]byte
}

func (d *memoryDriver) Get(_ context.Context, key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (d *memoryDriver) Set(_ context.Context, key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (d *memoryDriver) Delete(_ context.Context, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, string(key))
	return nil
}

func (d *memoryDriver) DeletePrefix(_ context.Context, prefix []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(d.data, k)
		}
	}
	return nil
}

// sortedKeys snapshots the keyspace in lexicographic order.
func (d *memoryDriver) sortedKeys() []string {
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *memoryDriver) List(_ context.Context, prefix []byte) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entry
	for _, k := range d.sortedKeys() {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		out = append(out, Entry{
			Key:   []byte(k),
			Value: append([]byte(nil), d.data[k]...),
		})
	}
	return out, nil
}

func (d *memoryDriver) ListRange(_ context.Context, start, end []byte, opts ListOptions) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entry
	keys := d.sortedKeys()
	if opts.Reverse {
		for i := len(keys) - 1; i >= 0; i-- {
			k := []byte(keys[i])
			if bytes.Compare(k, end) >= 0 {
				continue
			}
			if bytes.Compare(k, start) < 0 {
				break
			}
			out = append(out, Entry{Key: k, Value: append([]byte(nil), d.data[keys[i]]...)})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return out, nil
	}
	for _, ks := range keys {
		k := []byte(ks)
		if bytes.Compare(k, start) < 0 {
			continue
		}
		if bytes.Compare(k, end) >= 0 {
			break
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), d.data[ks]...)})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (d *memoryDriver) Batch(_ context.Context, puts []Entry, deletes [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range puts {
		d.data[string(e.Key)] = append([]byte(nil), e.Value...)
	}
	for _, k := range deletes {
		delete(d.data, string(k))
	}
	return nil
}

func (d *memoryDriver) SetAlarm(_ context.Context, id string, wakeAt time.Time) error {
	d.factory.sched.set(d.namespace, id, wakeAt)
	return nil
}

func (d *memoryDriver) ClearAlarm(_ context.Context, id string) error {
	d.factory.sched.clear(d.namespace, id)
	return nil
}

func (d *memoryDriver) WorkerPollInterval() time.Duration {
	return d.factory.pollInterval
}
