// Package cache is a short-lived read cache for normalized measurement
// series. It is a rate-limit shield, not a store of record: entries live
// for minutes and never survive the process.
package cache

import (
	"sync"
	"time"

	"github.com/vitalsync/vitalsync/internal/vitals"
)

// DefaultTTL keeps repeated clinician reads off the upstream API without
// letting a dashboard go meaningfully stale.
const DefaultTTL = 5 * time.Minute

// Key identifies one cached series.
type Key struct {
	PatientRef string
	VitalType  vitals.Type
	RangeStart string
	RangeEnd   string
}

// NewKey builds a cache key for a patient/type/range triple.
func NewKey(patientRef string, t vitals.Type, r vitals.DateRange) Key {
	return Key{
		PatientRef: patientRef,
		VitalType:  t,
		RangeStart: r.StartString(),
		RangeEnd:   r.EndString(),
	}
}

// Entry is one cached series with its fetch time.
type Entry struct {
	Series    []vitals.Measurement
	FetchedAt time.Time
}

// Store is the in-memory cache. Writes replace entries wholesale; a
// logically expired entry reads as a miss without being deleted in place.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a cache. ttl <= 0 falls back to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries: make(map[Key]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns a fresh entry. Expired entries are a miss.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || !s.now().Before(entry.FetchedAt.Add(s.ttl)) {
		return Entry{}, false
	}
	return entry, true
}

// GetStale returns an entry regardless of freshness. The orchestrator
// falls back to this when the upstream quota is exhausted.
func (s *Store) GetStale(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Put replaces the entry for a key wholesale.
func (s *Store) Put(key Key, series []vitals.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Series: series, FetchedAt: s.now()}
}

// Invalidate drops one entry. Used by explicit force-sync requests.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// InvalidateForPatient drops every entry belonging to a patient, e.g. on
// disconnect.
func (s *Store) InvalidateForPatient(patientRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.PatientRef == patientRef {
			delete(s.entries, key)
		}
	}
}

// Sweep removes entries dead for longer than the stale-fallback grace
// period, so abandoned keys do not accumulate. Returns the evicted count.
func (s *Store) Sweep(grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-(s.ttl + grace))
	evicted := 0
	for key, entry := range s.entries {
		if entry.FetchedAt.Before(cutoff) {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted
}
