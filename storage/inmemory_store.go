package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type entry struct {
	value []byte

	// expireAt is zero for keys that never expire
	expireAt time.Time
}

type InmemoryStore struct {
	mu     sync.Mutex
	values map[string]*entry

	now func() time.Time

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: make(map[string]*entry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// WithClock replaces the store's time source, tests use it to expire keys.
func (i *InmemoryStore) WithClock(now func() time.Time) *InmemoryStore {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.now = now
	return i
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.isRunning() {
		close(i.stop)
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.lookup(key)
	if e == nil {
		return nil, false
	}

	return append([]byte(nil), e.value...), true
}

func (i *InmemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = i.now().Add(ttl)
	}

	i.values[key] = e
	return nil
}

func (i *InmemoryStore) Del(ctx context.Context, keys ...string) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	var n int64
	for _, key := range keys {
		if i.lookup(key) != nil {
			delete(i.values, key)
			n++
		}
	}

	return n
}

func (i *InmemoryStore) Exists(ctx context.Context, keys ...string) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	var n int64
	for _, key := range keys {
		if i.lookup(key) != nil {
			n++
		}
	}

	return n
}

func (i *InmemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var current int64

	e := i.lookup(key)
	if e != nil {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = n
	}

	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return 0, ErrOverflow
	}

	current += delta
	i.store(key, e, []byte(strconv.FormatInt(current, 10)))

	return current, nil
}

func (i *InmemoryStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var current float64

	e := i.lookup(key)
	if e != nil {
		f, err := strconv.ParseFloat(string(e.value), 64)
		if err != nil {
			return 0, ErrNotFloat
		}
		current = f
	}

	current += delta
	if math.IsInf(current, 0) || math.IsNaN(current) {
		return 0, ErrOverflow
	}

	i.store(key, e, []byte(strconv.FormatFloat(current, 'f', -1, 64)))

	return current, nil
}

func (i *InmemoryStore) ExpireAt(ctx context.Context, key string, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.lookup(key)
	if e == nil {
		return false
	}

	if !at.After(i.now()) {
		delete(i.values, key)
		return true
	}

	e.expireAt = at
	return true
}

func (i *InmemoryStore) Persist(ctx context.Context, key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return false
	}

	e.expireAt = time.Time{}
	return true
}

func (i *InmemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.lookup(key)
	if e == nil {
		return 0, false
	}

	if e.expireAt.IsZero() {
		return -1, true
	}

	return e.expireAt.Sub(i.now()), true
}

func (i *InmemoryStore) Len(ctx context.Context) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	var n int64
	for key := range i.values {
		if i.lookup(key) != nil {
			n++
		}
	}

	return n
}

func (i *InmemoryStore) Flush(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.values = make(map[string]*entry)
}

// Restore replaces the contents of the store with a snapshot taken by Backup.
func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return fmt.Errorf("invalid snapshot")
	}

	restored := make(map[string]*entry)

	var err error
	gjson.ParseBytes(values).ForEach(func(_, item gjson.Result) bool {
		key, kerr := base64.StdEncoding.DecodeString(item.Get("key").String())
		value, verr := base64.StdEncoding.DecodeString(item.Get("value").String())
		if kerr != nil || verr != nil {
			err = fmt.Errorf("invalid snapshot entry %s", item.Raw)
			return false
		}

		e := &entry{value: value}
		if ms := item.Get("expireAt").Int(); ms > 0 {
			e.expireAt = time.UnixMilli(ms)
		}

		restored[string(key)] = e
		return true
	})

	if err != nil {
		return err
	}

	i.mu.Lock()
	i.values = restored
	i.mu.Unlock()

	return nil
}

// Backup returns a JSON snapshot of the store. Keys and values are base64
// encoded as they are binary safe.
func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	keys := make([]string, 0, len(i.values))
	for key := range i.values {
		if i.lookup(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var err error
	snapshot := []byte("[]")

	for _, key := range keys {
		e := i.values[key]

		item := []byte("{}")
		if item, err = sjson.SetBytes(item, "key", base64.StdEncoding.EncodeToString([]byte(key))); err != nil {
			return nil, err
		}
		if item, err = sjson.SetBytes(item, "value", base64.StdEncoding.EncodeToString(e.value)); err != nil {
			return nil, err
		}
		if !e.expireAt.IsZero() {
			if item, err = sjson.SetBytes(item, "expireAt", e.expireAt.UnixMilli()); err != nil {
				return nil, err
			}
		}

		if snapshot, err = sjson.SetRawBytes(snapshot, "-1", item); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

// lookup returns the live entry for key, dropping it if it expired.
// Callers hold mu.
func (i *InmemoryStore) lookup(key string) *entry {
	e, ok := i.values[key]
	if !ok {
		return nil
	}

	if !e.expireAt.IsZero() && !e.expireAt.After(i.now()) {
		delete(i.values, key)
		return nil
	}

	return e
}

// store writes value, keeping the expiry of the entry it replaces.
func (i *InmemoryStore) store(key string, prev *entry, value []byte) {
	if prev != nil {
		prev.value = value
		return
	}

	i.values[key] = &entry{value: value}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
