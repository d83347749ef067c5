// Package peers keeps per-endpoint metadata and traffic statistics for the
// transport loop, keyed by remote network address.
package peers

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Meta describes one remote endpoint.
type Meta struct {
	Addr      string    `json:"addr"`
	Phase     string    `json:"phase,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	MsgsIn    uint64    `json:"msgs_in"`
	MsgsOut   uint64    `json:"msgs_out"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// Store is an in-memory peer table safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byAddr map[string]*Meta
}

func NewStore() *Store { return &Store{byAddr: make(map[string]*Meta)} }

// Touch records activity from addr, creating the entry on first contact.
func (s *Store) Touch(addr string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byAddr[addr]
	if m == nil {
		m = &Meta{Addr: addr, FirstSeen: now}
		s.byAddr[addr] = m
		zap.L().Debug("peer first contact", zap.String("addr", addr))
	}
	m.LastSeen = now
}

// RecordExchange accumulates traffic counters for addr.
func (s *Store) RecordExchange(addr string, bytesIn, bytesOut, msgsIn, msgsOut uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byAddr[addr]
	if m == nil {
		return
	}
	m.BytesIn += bytesIn
	m.BytesOut += bytesOut
	m.MsgsIn += msgsIn
	m.MsgsOut += msgsOut
}

// SetPhase records the connection phase for addr (for diagnostics only).
func (s *Store) SetPhase(addr, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byAddr[addr]; m != nil {
		m.Phase = phase
	}
}

// Get returns a copy of the entry for addr.
func (s *Store) Get(addr string) (Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.byAddr[addr]; m != nil {
		return *m, true
	}
	return Meta{}, false
}

// Snapshot returns copies of all entries ordered by address.
func (s *Store) Snapshot() []Meta {
	s.mu.RLock()
	out := make([]Meta, 0, len(s.byAddr))
	for _, m := range s.byAddr {
		out = append(out, *m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Remove deletes the entry for addr.
func (s *Store) Remove(addr string) {
	s.mu.Lock()
	delete(s.byAddr, addr)
	s.mu.Unlock()
	zap.L().Debug("peer removed", zap.String("addr", addr))
}
