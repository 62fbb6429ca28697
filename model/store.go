// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package model

import (
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/observatron/actorbus"
)

// An Entry records one keyword emission: who reported it, what it was, and
// when it arrived.
type Entry struct {
	Actor string
	Name  string
	Value any
	Time  time.Time
}

// A Store keeps an append-only history of keyword emissions, optionally
// restricted to a named subset of keywords. It is safe for concurrent use.
type Store struct {
	μ       sync.Mutex
	entries []Entry
	filter  map[string]bool // nil means keep everything
}

// NewStore constructs a store recording only the named keywords, or all
// keywords if names is empty.
func NewStore(names ...string) *Store {
	s := new(Store)
	if len(names) > 0 {
		s.filter = make(map[string]bool, len(names))
		for _, name := range names {
			s.filter[name] = true
		}
	}
	return s
}

// Add records the keywords of payload reported by actor. It reports the
// number of entries recorded after filtering.
func (s *Store) Add(actor string, payload actorbus.Payload) int {
	now := time.Now()
	s.μ.Lock()
	defer s.μ.Unlock()
	var added int
	for _, kw := range payload {
		if s.filter != nil && !s.filter[kw.Name] {
			continue
		}
		s.entries = append(s.entries, Entry{Actor: actor, Name: kw.Name, Value: kw.Value, Time: now})
		added++
	}
	return added
}

// Len reports the number of recorded entries.
func (s *Store) Len() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.entries)
}

// Head returns the oldest n entries, or all of them if fewer exist.
func (s *Store) Head(n int) []Entry {
	s.μ.Lock()
	defer s.μ.Unlock()
	n = value.Cond(n > len(s.entries), len(s.entries), n)
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out
}

// Tail returns the newest n entries, or all of them if fewer exist.
func (s *Store) Tail(n int) []Entry {
	s.μ.Lock()
	defer s.μ.Unlock()
	start := value.Cond(n > len(s.entries), 0, len(s.entries)-n)
	out := make([]Entry, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

// Keyword returns the history of the named keyword, oldest first.
func (s *Store) Keyword(name string) []Entry {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
