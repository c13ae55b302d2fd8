// Package memory is an in-process content store with the same semantics
// as the postgres store. It backs STORE_DRIVER=memory and the tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/metrics"
)

const feedSize = 256

type key struct {
	ct domain.ContentType
	id string
}

type Store struct {
	mu      sync.RWMutex
	records map[key]domain.Record
	feed    chan domain.Transition
	writes  int
	failErr error
	now     func() time.Time
	log     *zap.Logger
}

func New() *Store {
	return &Store{
		records: make(map[key]domain.Record),
		feed:    make(chan domain.Transition, feedSize),
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.NewNop(),
	}
}

// WithLogger sets the logger used to report dropped transitions.
func (s *Store) WithLogger(log *zap.Logger) *Store {
	s.log = log.Named("memory_store")
	return s
}

// Put seeds a record without emitting a transition.
func (s *Store) Put(rec domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	s.records[key{rec.ContentType, rec.ID}] = rec
}

// Update is an ordinary application write. Unlike ApplyDecision it
// publishes the before/after pair on the change feed.
func (s *Store) Update(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	k := key{rec.ContentType, rec.ID}
	before, ok := s.records[k]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	s.mu.Unlock()

	select {
	case s.feed <- domain.Transition{Before: before, After: rec}:
	default:
		metrics.DetectedTransitionsTotal.WithLabelValues("dropped").Inc()
		s.log.Warn("change feed full, dropping transition",
			zap.String("id", rec.ID),
			zap.String("content_type", string(rec.ContentType)),
			zap.String("from", string(before.Status)),
			zap.String("to", string(rec.Status)),
		)
	}
	return nil
}

func (s *Store) Get(_ context.Context, ct domain.ContentType, id string) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key{ct, id}]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec, nil
}

// ApplyDecision writes a moderation outcome. It never reaches the
// change feed.
func (s *Store) ApplyDecision(_ context.Context, d domain.Decision) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.Record{}, fmt.Errorf("apply decision: %w", s.failErr)
	}
	k := key{d.ContentType, d.ID}
	rec, ok := s.records[k]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	rec.Status = d.Status
	rec.ModerationReason = d.Reason
	rec.SyncedFrom = string(d.SyncedFrom)
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	s.writes++
	return rec, nil
}

func (s *Store) StatusCounts(_ context.Context) ([]domain.StatusCount, error) {
	s.mu.RLock()
	counts := make(map[[2]string]int64)
	for _, rec := range s.records {
		counts[[2]string{string(rec.ContentType), string(rec.Status)}]++
	}
	s.mu.RUnlock()

	out := make([]domain.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.StatusCount{ContentType: domain.ContentType(k[0]), Status: domain.Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentType != out[j].ContentType {
			return out[i].ContentType < out[j].ContentType
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (s *Store) Ready(context.Context) error { return nil }

// Transitions exposes the change feed. There is a single feed; callers
// should consume it from one goroutine.
func (s *Store) Transitions(context.Context) (<-chan domain.Transition, error) {
	return s.feed, nil
}

// Writes reports how many decisions have been applied.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// FailWith makes subsequent ApplyDecision calls fail with err; nil clears it.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
