package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"threatdesk/internal/storage"
)

const incidentsBucket = "incidents"

// KVStore keeps incidents as JSON documents in a storage.Store bucket.
// Queries are full bucket scans, which is fine for a single-node deployment.
type KVStore struct {
	kv storage.Store
}

func NewKVStore(kv storage.Store) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Create(ctx context.Context, inc *Incident) error {
	id := uuid.NewString()
	inc.ID = id
	inc.Version = 1
	doc, err := json.Marshal(inc)
	if err != nil {
		inc.ID = ""
		return fmt.Errorf("marshal incident: %w", err)
	}
	err = s.kv.Update(incidentsBucket, id, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, fmt.Errorf("incident %s already exists", id)
		}
		return doc, nil
	})
	if err != nil {
		inc.ID = ""
		return err
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*Incident, error) {
	raw, err := s.kv.Get(incidentsBucket, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, err
	}
	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return &inc, nil
}

func (s *KVStore) Update(ctx context.Context, inc *Incident, expectedVersion int64) error {
	next := *inc
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	err = s.kv.Update(incidentsBucket, inc.ID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrIncidentNotFound
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(current, &stored); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", inc.ID, err)
		}
		if stored.Version != expectedVersion {
			return nil, ErrVersionConflict
		}
		return doc, nil
	})
	if errors.Is(err, storage.ErrConflict) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	inc.Version = next.Version
	return nil
}

func (s *KVStore) CountSimilar(ctx context.Context, sourceIP, threatType string, from, to time.Time) (int, error) {
	n := 0
	err := s.each(func(inc *Incident) {
		if inc.SourceIP != sourceIP || inc.ThreatType != threatType {
			return
		}
		if !inc.CreatedAt.Before(from) && inc.CreatedAt.Before(to) {
			n++
		}
	})
	return n, err
}

func (s *KVStore) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	res := []Incident{}
	err := s.each(func(inc *Incident) {
		if f.matches(inc) {
			res = append(res, *inc)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit := listLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *KVStore) SeverityCounts(ctx context.Context) (map[Severity]int, error) {
	counts := map[Severity]int{}
	err := s.each(func(inc *Incident) { counts[inc.Severity]++ })
	return counts, err
}

func (s *KVStore) each(fn func(inc *Incident)) error {
	return s.kv.ForEach(incidentsBucket, func(key, value []byte) error {
		var inc Incident
		if err := json.Unmarshal(value, &inc); err != nil {
			return fmt.Errorf("decode incident %s: %w", key, err)
		}
		fn(&inc)
		return nil
	})
}
