package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"threatdesk/internal/storage"
)

const eventsBucket = "events"

// KVStore keeps events in a storage.Store bucket. Keys are prefixed with
// the event timestamp so a bucket scan runs in time order.
type KVStore struct {
	kv    storage.Store
	clock func() time.Time
}

func NewKVStore(kv storage.Store) *KVStore {
	return &KVStore{kv: kv, clock: func() time.Time { return time.Now().UTC() }}
}

func (s *KVStore) Insert(ctx context.Context, e *Event) error {
	e.normalize(s.clock())
	e.ID = uuid.NewString()
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%020d-%s", e.Timestamp.UnixNano(), e.ID)
	return s.kv.Put(eventsBucket, key, raw)
}

func (s *KVStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var all []Event
	if err := s.scan(f, func(e *Event) { all = append(all, *e) }); err != nil {
		return nil, err
	}
	// Scan order is oldest first; callers want newest first.
	res := make([]Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		res = append(res, all[i])
	}
	if limit := listLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *KVStore) Aggregate(ctx context.Context, f Filter, groupBy string, size int) ([]Bucket, error) {
	if !validGroupBy(groupBy) {
		return nil, fmt.Errorf("cannot group events by %q", groupBy)
	}
	if size <= 0 {
		size = 10
	}
	byKey := map[string]*Bucket{}
	err := s.scan(f, func(e *Event) {
		k := e.groupKey(groupBy)
		b, ok := byKey[k]
		if !ok {
			b = &Bucket{Key: k}
			byKey[k] = b
		}
		b.Count++
		if !e.Timestamp.Before(b.LastSeen) {
			b.LastSeen = e.Timestamp
			b.LatestUser = e.User
		}
	})
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, 0, len(byKey))
	for _, b := range byKey {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].LastSeen.After(buckets[j].LastSeen)
	})
	if len(buckets) > size {
		buckets = buckets[:size]
	}
	return buckets, nil
}

func (s *KVStore) scan(f Filter, fn func(e *Event)) error {
	return s.kv.ForEach(eventsBucket, func(key, value []byte) error {
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode event %s: %w", key, err)
		}
		if f.matches(&e) {
			fn(&e)
		}
		return nil
	})
}
