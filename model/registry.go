// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package model

import (
	"log/slog"
	"sync"

	"github.com/observatron/actorbus"
)

// A Registry holds one model per tracked actor and routes keyword traffic
// to them. Only tracked actors accumulate state; traffic from anyone else
// is discarded.
type Registry struct {
	log *slog.Logger

	μ       sync.Mutex
	models  map[string]*Model
	schemas map[string][]string
	all     bool // track every sender, not only registered names
}

// RegistryOptions are optional settings for a Registry. A nil
// *RegistryOptions is ready to use.
type RegistryOptions struct {
	// Track every actor whose traffic is seen, creating models on first
	// sight, instead of only actors registered with Track.
	TrackAll bool

	Logger *slog.Logger
}

func (o *RegistryOptions) trackAll() bool { return o != nil && o.TrackAll }

func (o *RegistryOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	return &Registry{
		log:     opts.logger(),
		models:  make(map[string]*Model),
		schemas: make(map[string][]string),
		all:     opts.trackAll(),
	}
}

// Track registers actor for tracking with the given keyword schema. The
// model is created lazily, on the first traffic seen from the actor.
// Tracking an actor that already has a model replaces nothing; the schema
// applies only to models not yet created.
func (r *Registry) Track(actor string, schema []string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.schemas[actor] = schema
}

// Model returns the model for actor, or nil if no traffic from a tracked
// actor of that name has been seen.
func (r *Registry) Model(actor string) *Model {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.models[actor]
}

// Actors returns the names of all actors with a live model.
func (r *Registry) Actors() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	return out
}

// Apply merges payload into the model for actor, creating the model if the
// actor is tracked and none exists yet. Payloads from untracked actors are
// dropped. It reports whether the payload was applied.
func (r *Registry) Apply(actor string, payload actorbus.Payload) bool {
	r.μ.Lock()
	m, ok := r.models[actor]
	if !ok {
		schema, tracked := r.schemas[actor]
		if !tracked && !r.all {
			r.μ.Unlock()
			return false
		}
		m = New(actor, schema, r.log)
		r.models[actor] = m
	}
	r.μ.Unlock()

	m.Apply(payload)
	return true
}
