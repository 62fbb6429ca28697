// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Package model tracks the keyword state published by actors.
//
// A [Model] holds the current value of each keyword an actor has emitted,
// in declaration order for schema keywords and arrival order for the rest.
// A [Registry] holds one model per tracked actor and feeds them from reply
// traffic. A [Store] keeps an append-only history of emitted keywords.
package model

import (
	"log/slog"
	"sync"
	"time"

	"github.com/observatron/actorbus"
)

// A Property is the recorded state of one keyword: its most recent value,
// when it was last reported, and whether the actor's schema declares it.
// Properties are value snapshots; mutating one has no effect on the model.
type Property struct {
	Name     string
	Value    any
	LastSeen time.Time
	InSchema bool
}

// Seen reports whether the keyword has been reported at least once.
func (p Property) Seen() bool { return !p.LastSeen.IsZero() }

// A Callback observes an atomic model update. It receives the name of the
// model and a snapshot of every property after the update was applied.
type Callback func(name string, props []Property)

// A KeyCallback observes updates to a single keyword.
type KeyCallback func(name string, p Property)

// A Model holds the keyword state of a single actor. A nil *Model is
// ignored by all its methods, so callers need not check tracking first.
type Model struct {
	name string
	log  *slog.Logger

	μ     sync.Mutex
	order []string
	props map[string]Property
	onAll []Callback
	onKey map[string][]KeyCallback
}

// New constructs an empty model for the named actor. Keywords named in
// schema are created immediately, unset but marked as declared; keywords
// outside the schema are appended as they are first seen.
func New(name string, schema []string, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Model{
		name:  name,
		log:   logger,
		props: make(map[string]Property),
		onKey: make(map[string][]KeyCallback),
	}
	for _, key := range schema {
		if _, ok := m.props[key]; ok {
			continue
		}
		m.order = append(m.order, key)
		m.props[key] = Property{Name: key, InSchema: true}
	}
	return m
}

// Name reports the actor name the model tracks.
func (m *Model) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// Get returns the current state of the named keyword.
func (m *Model) Get(key string) (Property, bool) {
	if m == nil {
		return Property{}, false
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	p, ok := m.props[key]
	return p, ok
}

// Snapshot returns the state of every keyword in model order.
func (m *Model) Snapshot() []Property {
	if m == nil {
		return nil
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.snapshotLocked()
}

func (m *Model) snapshotLocked() []Property {
	out := make([]Property, len(m.order))
	for i, key := range m.order {
		out[i] = m.props[key]
	}
	return out
}

// OnChange registers f to be invoked after every applied update. Callbacks
// run on the caller of Apply; a panic in a callback is recovered and logged.
func (m *Model) OnChange(f Callback) {
	if m == nil {
		return
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onAll = append(m.onAll, f)
}

// OnKey registers f to be invoked after every update that includes the
// named keyword.
func (m *Model) OnKey(key string, f KeyCallback) {
	if m == nil {
		return
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onKey[key] = append(m.onKey[key], f)
}

// Apply merges every keyword of payload into the model as one atomic
// update, then delivers callbacks. Keywords not declared by the schema are
// stored and flagged as undeclared rather than rejected. Apply reports the
// number of keywords merged.
func (m *Model) Apply(payload actorbus.Payload) int {
	if m == nil || len(payload) == 0 {
		return 0
	}
	now := time.Now()

	m.μ.Lock()
	for _, kw := range payload {
		p, ok := m.props[kw.Name]
		if !ok {
			p = Property{Name: kw.Name}
			m.order = append(m.order, kw.Name)
		}
		p.Value = kw.Value
		p.LastSeen = now
		m.props[kw.Name] = p
	}
	snap := m.snapshotLocked()
	all := make([]Callback, len(m.onAll))
	copy(all, m.onAll)
	type keyHit struct {
		fs []KeyCallback
		p  Property
	}
	var hits []keyHit
	for _, kw := range payload {
		if fs := m.onKey[kw.Name]; len(fs) > 0 {
			hits = append(hits, keyHit{fs: fs, p: m.props[kw.Name]})
		}
	}
	m.μ.Unlock()

	for _, f := range all {
		m.invoke(func() { f(m.name, snap) })
	}
	for _, h := range hits {
		for _, f := range h.fs {
			p := h.p
			m.invoke(func() { f(m.name, p) })
		}
	}
	return len(payload)
}

// invoke runs f, recovering and logging a panic. A misbehaved observer must
// not take down the reply pipeline.
func (m *Model) invoke(f func()) {
	defer func() {
		if x := recover(); x != nil {
			m.log.Error("model callback panicked (recovered)", "model", m.name, "panic", x)
		}
	}()
	f()
}
