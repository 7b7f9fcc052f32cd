package recording

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
)

type memoryStore struct {
	mu       sync.Mutex
	nextID   uint
	records  map[uint]*Record
	values   []Value
	hasView  bool
	failNext error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[uint]*Record{}}
}

func (s *memoryStore) FindActiveRecord(subscriptionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SubscriptionID == subscriptionID && r.IsRecording {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) FindInactiveRecord(userID, subscriptionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.UserID == userID && r.SubscriptionID == subscriptionID && !r.IsRecording {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) CreateRecord(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	c := *rec
	s.records[rec.ID] = &c
	return nil
}

func (s *memoryStore) SetRecording(id uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].IsRecording = active
	return nil
}

func (s *memoryStore) RenameRecord(id uint, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Name = name
	return nil
}

func (s *memoryStore) GetRecord(id uint) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	c := *r
	return &c, nil
}

func (s *memoryStore) RecordsByUser(userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := []Record{}
	for _, r := range s.records {
		if r.UserID == userID {
			recs = append(recs, *r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
	return recs, nil
}

func (s *memoryStore) DeactivateAll() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.IsRecording {
			r.IsRecording = false
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) InsertValue(v *Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	v.ID = uint(len(s.values) + 1)
	s.values = append(s.values, *v)
	return nil
}

func (s *memoryStore) CountValues(recordID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.values {
		if v.RecordID == recordID {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ValueSpan(recordID uint) (*time.Time, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first, last *time.Time
	for i := range s.values {
		v := s.values[i]
		if v.RecordID != recordID {
			continue
		}
		if first == nil || v.RecordedAt.Before(*first) {
			first = &v.RecordedAt
		}
		if last == nil || v.RecordedAt.After(*last) {
			last = &v.RecordedAt
		}
	}
	return first, last, nil
}

func (s *memoryStore) ListValues(recordID uint, q ValueQuery) ([]Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := []Value{}
	for _, v := range s.values {
		if v.RecordID != recordID {
			continue
		}
		if q.From != nil && v.RecordedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && v.RecordedAt.After(*q.To) {
			continue
		}
		values = append(values, v)
	}
	sort.SliceStable(values, func(i, j int) bool {
		if q.Ascending {
			return values[i].ID < values[j].ID
		}
		return values[i].ID > values[j].ID
	})
	if q.Offset >= len(values) {
		return []Value{}, nil
	}
	values = values[q.Offset:]
	if len(values) > q.Limit {
		values = values[:q.Limit]
	}
	return values, nil
}

func (s *memoryStore) DeleteValuesOlderThan(userID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := []Value{}
	var n int64
	for _, v := range s.values {
		if (userID == "" || v.UserID == userID) && v.RecordedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, v)
	}
	s.values = kept
	return n, nil
}

func (s *memoryStore) DeleteRecordCascade(id uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := []Value{}
	var n int64
	for _, v := range s.values {
		if v.RecordID == id {
			n++
			continue
		}
		kept = append(kept, v)
	}
	s.values = kept
	delete(s.records, id)
	return n, nil
}

func (s *memoryStore) SummaryView(userID string) ([]Summary, error) {
	if !s.hasView {
		return nil, ErrSummaryViewUnavailable
	}
	return nil, errors.New("view not implemented by the memory store")
}

type fakeSubscriptions map[string]subscription.Summary

func (f fakeSubscriptions) Get(id string) (subscription.Summary, bool) {
	s, ok := f[id]
	return s, ok
}

//endingSubscription is live for the first lookup only, as if it stopped right after
type endingSubscription struct {
	mu      sync.Mutex
	summary subscription.Summary
	lookups int
}

func (f *endingSubscription) Get(id string) (subscription.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if id != f.summary.ID || f.lookups > 1 {
		return subscription.Summary{}, false
	}
	return f.summary, true
}

type eventLog struct {
	mu      sync.Mutex
	started []uint
	stopped []uint
	deleted []uint
}

func (e *eventLog) RecordingStarted(rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, rec.ID)
}

func (e *eventLog) RecordingStopped(rec Record, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, rec.ID)
}

func (e *eventLog) RecordingDeleted(rec Record, deleted int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, rec.ID)
}
