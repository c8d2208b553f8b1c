package metrics

import (
	"sort"
	"sync"
	"time"

	"nidsguard/internal/model"
)

// Store keeps running prediction counters per model. When more than limit
// models are tracked, the least recently updated one is evicted.
type Store struct {
	mu      sync.RWMutex
	byModel map[string]model.ModelStats
	limit   int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		byModel: make(map[string]model.ModelStats),
		limit:   limit,
	}
}

func (s *Store) Update(res model.PredictionResult) {
	if res.ModelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byModel[res.ModelID]
	st.ModelID = res.ModelID
	st.Total++
	if res.IsThreat() {
		st.Threats++
	}
	if res.Source == model.SourceFallback {
		st.Fallbacks++
	}
	st.LastConfidence = res.Confidence
	st.UpdatedAt = time.Now().UTC()
	s.byModel[res.ModelID] = st
	if len(s.byModel) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(modelID string) (model.ModelStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byModel[modelID]
	return st, ok
}

// GetAll returns every tracked model, ordered by id.
func (s *Store) GetAll() []model.ModelStats {
	s.mu.RLock()
	out := make([]model.ModelStats, 0, len(s.byModel))
	for _, st := range s.byModel {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, st := range s.byModel {
		if oldestID == "" || st.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = st.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byModel, oldestID)
	}
}
