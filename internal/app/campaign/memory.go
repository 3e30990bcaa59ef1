package campaign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. The ledger decision runs
// under the store lock, giving the same per-campaign serialization as the
// Postgres row lock. Used in tests and for single-node development runs.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	rsvps     map[string]map[string]RSVPRecord
	Now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]Campaign),
		rsvps:     make(map[string]map[string]RSVPRecord),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Save(_ context.Context, c Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
	return nil
}

func (s *MemoryStore) Load(_ context.Context, campaignID string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ApplyRSVP(_ context.Context, campaignID, contactID, response string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return Outcome{}, ErrNotFound
	}

	var prev *RSVPRecord
	if record, ok := s.rsvps[campaignID][contactID]; ok {
		prev = &record
	}

	outcome, upsert := applyRSVP(&c, prev, contactID, response, s.Now())
	if upsert != nil {
		if s.rsvps[campaignID] == nil {
			s.rsvps[campaignID] = make(map[string]RSVPRecord)
		}
		s.rsvps[campaignID][contactID] = *upsert
	}
	s.campaigns[campaignID] = c
	return outcome, nil
}

// RSVPOf returns the recorded response for one contact, used by tests to
// assert record uniqueness and overwrite semantics.
func (s *MemoryStore) RSVPOf(campaignID, contactID string) (RSVPRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rsvps[campaignID][contactID]
	return record, ok
}
