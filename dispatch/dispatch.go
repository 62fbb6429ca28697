// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Package dispatch maps command verbs to handler functions.
//
// The full command-line grammar of an actor is its own business; this
// package implements the minimal shared convention that the first
// whitespace-delimited token of a command string selects a handler and the
// rest are its arguments.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/observatron/actorbus"
)

// A Handler services one command verb. The handler drives cmd through its
// lifecycle; if it returns with cmd still running, the command is finished
// successfully, and a reported error fails it.
type Handler func(ctx context.Context, cmd *actorbus.Command, args []string) error

// A Registry maps verbs to handlers and implements [actorbus.Dispatcher].
// Verbs are matched case-insensitively.
type Registry struct {
	log *slog.Logger

	μ        sync.Mutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty registry. If logger == nil, it uses
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger, handlers: make(map[string]Handler)}
}

// Register installs h as the handler for verb, replacing any existing
// handler for that verb. It returns r to permit chaining.
func (r *Registry) Register(verb string, h Handler) *Registry {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.handlers[strings.ToLower(verb)] = h
	return r
}

// Verbs returns the registered verbs in unspecified order.
func (r *Registry) Verbs() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]string, 0, len(r.handlers))
	for verb := range r.handlers {
		out = append(out, verb)
	}
	return out
}

// Dispatch parses the command string of cmd and runs the matching handler.
// An empty command string succeeds trivially; an unknown verb fails the
// command. A handler panic is recovered and converted into a command
// failure. Dispatch itself reports an error only for the unknown-verb and
// panic cases, after the command has already been failed.
func (r *Registry) Dispatch(ctx context.Context, cmd *actorbus.Command) (err error) {
	fields := strings.Fields(cmd.Raw())
	if len(fields) == 0 {
		cmd.Finish()
		return nil
	}
	verb := strings.ToLower(fields[0])
	r.μ.Lock()
	h, ok := r.handlers[verb]
	r.μ.Unlock()
	if !ok {
		cmd.Failf("unknown command %q", verb)
		return fmt.Errorf("unknown command %q", verb)
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd.OnCancel(cancel)

	cmd.Running()
	defer func() {
		if x := recover(); x != nil {
			r.log.Error("handler panicked (recovered)",
				"verb", verb, "command", cmd.Key(), "panic", x)
			err = fmt.Errorf("handler %q panicked: %v", verb, x)
			cmd.FailWith(err)
		}
	}()
	if herr := h(hctx, cmd, fields[1:]); herr != nil {
		cmd.FailWith(herr)
		return nil
	}
	if !cmd.Status().IsTerminal() {
		cmd.Finish()
	}
	return nil
}
