package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisFactory keeps namespaces in redis: a sorted-set index per namespace
// provides lexicographic range scans, a hash holds the values. Useful when
// several runtime processes share one store, at the cost of weaker atomicity
// than bbolt.
type RedisFactory struct {
	client       *redis.Client
	prefix       string
	sched        *alarmScheduler
	pollInterval time.Duration
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	// URL is a redis connection URL (defaults to redis://localhost:6379/0).
	URL string
	// KeyPrefix namespaces all runtime keys inside the redis keyspace
	// (defaults to "rivetkit:").
	KeyPrefix string
	// PollInterval overrides the worker poll interval.
	PollInterval time.Duration
}

// OpenRedis connects to redis and restores persisted alarms.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisFactory, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "rivetkit:"
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = DefaultWorkerPollInterval
	}
	f := &RedisFactory{
		client:       client,
		prefix:       prefix,
		sched:        newAlarmScheduler(logrus.NewEntry(logrus.StandardLogger()).WithField("component", "kv.redis")),
		pollInterval: poll,
	}
	if err := f.restoreAlarms(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return f, nil
}

func (f *RedisFactory) alarmsKey() string { return f.prefix + "__alarms" }

func (f *RedisFactory) restoreAlarms(ctx context.Context) error {
	members, err := f.client.ZRangeWithScores(ctx, f.alarmsKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to restore alarms: %w", err)
	}
	for _, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		ns, id := splitAlarmKey(key)
		f.sched.alarms[alarmKey(ns, id)] = time.UnixMilli(int64(m.Score))
	}
	return nil
}

func (f *RedisFactory) OnAlarm(fn AlarmFunc) {
	f.sched.onAlarm(func(ns, id string, at time.Time) {
		if err := f.client.ZRem(context.Background(), f.alarmsKey(), alarmKey(ns, id)).Err(); err != nil {
			logrus.WithError(err).Warn("failed to clear fired alarm record")
		}
		fn(ns, id, at)
	})
	f.sched.mu.Lock()
	f.sched.rescheduleLocked()
	f.sched.mu.Unlock()
}

func (f *RedisFactory) Namespace(name string) (Driver, error) {
	return &redisDriver{
		factory:   f,
		namespace: name,
		idxKey:    f.prefix + name + ":idx",
		valKey:    f.prefix + name + ":val",
	}, nil
}

func (f *RedisFactory) Close() error {
	f.sched.close()
	return f.client.Close()
}

type redisDriver struct {
	factory   *RedisFactory
	namespace string
	idxKey    string
	valKey    string
}

func (d *redisDriver) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := d.factory.client.HGet(ctx, d.valKey, string(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (d *redisDriver) Set(ctx context.Context, key, value []byte) error {
	pipe := d.factory.client.TxPipeline()
	pipe.ZAdd(ctx, d.idxKey, redis.Z{Score: 0, Member: string(key)})
	pipe.HSet(ctx, d.valKey, string(key), string(value))
	_, err := pipe.Exec(ctx)
	return err
}

func (d *redisDriver) Delete(ctx context.Context, key []byte) error {
	pipe := d.factory.client.TxPipeline()
	pipe.ZRem(ctx, d.idxKey, string(key))
	pipe.HDel(ctx, d.valKey, string(key))
	_, err := pipe.Exec(ctx)
	return err
}

// scanKeys returns index members starting at min (inclusive lex bound syntax)
// in ascending order.
func (d *redisDriver) scanKeys(ctx context.Context, min, max string, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return d.factory.client.ZRangeByLex(ctx, d.idxKey, by).Result()
}

func (d *redisDriver) prefixBounds(prefix []byte) (string, string) {
	if len(prefix) == 0 {
		return "-", "+"
	}
	return "[" + string(prefix), "+"
}

func (d *redisDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	min, max := d.prefixBounds(prefix)
	keys, err := d.scanKeys(ctx, min, max, 0)
	if err != nil {
		return err
	}
	pipe := d.factory.client.TxPipeline()
	for _, k := range keys {
		if !bytes.HasPrefix([]byte(k), prefix) {
			break
		}
		pipe.ZRem(ctx, d.idxKey, k)
		pipe.HDel(ctx, d.valKey, k)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (d *redisDriver) fetch(ctx context.Context, keys []string) ([]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := d.factory.client.HMGet(ctx, d.valKey, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for i, k := range keys {
		s, ok := vals[i].(string)
		if !ok {
			// Index and hash drifted apart; skip the orphan.
			continue
		}
		out = append(out, Entry{Key: []byte(k), Value: []byte(s)})
	}
	return out, nil
}

func (d *redisDriver) List(ctx context.Context, prefix []byte) ([]Entry, error) {
	min, max := d.prefixBounds(prefix)
	keys, err := d.scanKeys(ctx, min, max, 0)
	if err != nil {
		return nil, err
	}
	matched := keys[:0]
	for _, k := range keys {
		if !bytes.HasPrefix([]byte(k), prefix) {
			break
		}
		matched = append(matched, k)
	}
	return d.fetch(ctx, matched)
}

func (d *redisDriver) ListRange(ctx context.Context, start, end []byte, opts ListOptions) ([]Entry, error) {
	by := &redis.ZRangeBy{Min: "[" + string(start), Max: "(" + string(end)}
	if opts.Limit > 0 {
		by.Count = int64(opts.Limit)
	}
	var (
		keys []string
		err  error
	)
	if opts.Reverse {
		keys, err = d.factory.client.ZRevRangeByLex(ctx, d.idxKey, by).Result()
	} else {
		keys, err = d.factory.client.ZRangeByLex(ctx, d.idxKey, by).Result()
	}
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, keys)
}

func (d *redisDriver) Batch(ctx context.Context, puts []Entry, deletes [][]byte) error {
	pipe := d.factory.client.TxPipeline()
	for _, e := range puts {
		pipe.ZAdd(ctx, d.idxKey, redis.Z{Score: 0, Member: string(e.Key)})
		pipe.HSet(ctx, d.valKey, string(e.Key), string(e.Value))
	}
	for _, k := range deletes {
		pipe.ZRem(ctx, d.idxKey, string(k))
		pipe.HDel(ctx, d.valKey, string(k))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (d *redisDriver) SetAlarm(ctx context.Context, id string, wakeAt time.Time) error {
	err := d.factory.client.ZAdd(ctx, d.factory.alarmsKey(), redis.Z{
		Score:  float64(wakeAt.UnixMilli()),
		Member: alarmKey(d.namespace, id),
	}).Err()
	if err != nil {
		return err
	}
	d.factory.sched.set(d.namespace, id, wakeAt)
	return nil
}

func (d *redisDriver) ClearAlarm(ctx context.Context, id string) error {
	if err := d.factory.client.ZRem(ctx, d.factory.alarmsKey(), alarmKey(d.namespace, id)).Err(); err != nil {
		return err
	}
	d.factory.sched.clear(d.namespace, id)
	return nil
}

func (d *redisDriver) WorkerPollInterval() time.Duration {
	return d.factory.pollInterval
}
