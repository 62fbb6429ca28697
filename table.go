// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import (
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A RouteOutcome reports the disposition of a routed reply.
type RouteOutcome int

const (
	RouteDropped   RouteOutcome = iota // no live command matched the key
	RouteDelivered                     // reply appended, command still in flight
	RouteCompleted                     // reply carried a terminal code and completed the command
	RouteLate                          // command already terminal, reply discarded
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteDropped:
		return "dropped"
	case RouteDelivered:
		return "delivered"
	case RouteCompleted:
		return "completed"
	case RouteLate:
		return "late"
	default:
		return "invalid"
	}
}

// TableOptions are optional settings for a Table. A nil *TableOptions is
// ready to use and provides defaults as described.
type TableOptions struct {
	// How often the table sweeps for expired and collectable commands.
	// If zero, use 1 second.
	SweepInterval time.Duration

	// A logger for table activity. If nil, use slog.Default().
	Logger *slog.Logger
}

func (o *TableOptions) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval <= 0 {
		return time.Second
	}
	return o.SweepInterval
}

func (o *TableOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// A Table tracks outstanding commands by correlation key and routes incoming
// replies to them. One table serves one transport binding; the bindings own
// the wire, the table owns the lifecycle.
//
// A Table maintains a background sweep that expires commands past their time
// limit and retires terminal commands once their children have settled. Call
// Stop when the table is no longer needed.
type Table struct {
	log     *slog.Logger
	metrics *tableMetrics
	tasks   *taskgroup.Group
	stop    chan struct{}

	μ      sync.Mutex
	cmds   map[CommandKey]*Command
	closed bool
}

// NewTable constructs a new empty table and starts its sweep.
func NewTable(opts *TableOptions) *Table {
	t := &Table{
		log:     opts.logger(),
		metrics: rootMetrics,
		tasks:   taskgroup.New(nil),
		stop:    make(chan struct{}),
		cmds:    make(map[CommandKey]*Command),
	}
	interval := opts.sweepInterval()
	t.tasks.Go(func() error {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return nil
			case <-tick.C:
				t.sweep(time.Now())
			}
		}
	})
	return t
}

// Metrics returns a map of counters for the activity of t. The returned map
// is shared by all tables in the process.
func (t *Table) Metrics() *expvar.Map { return t.metrics.emap }

// Register adds cmd to t under its correlation key and returns that key.
// It reports a DuplicateCommandError if a live command already holds the
// key, and ErrTableClosed after Stop.
func (t *Table) Register(cmd *Command) (CommandKey, error) {
	key := cmd.Key()
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return key, ErrTableClosed
	}
	if old, ok := t.cmds[key]; ok && !old.Status().IsTerminal() {
		return key, &DuplicateCommandError{Key: key}
	}
	t.cmds[key] = cmd
	t.metrics.cmdRegistered.Add(1)
	t.metrics.cmdActive.Add(1)
	return key, nil
}

// Get returns the live command registered under key, or nil.
func (t *Table) Get(key CommandKey) *Command {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.cmds[key]
}

// Len reports the number of commands registered in t.
func (t *Table) Len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.cmds)
}

// Route delivers a reply to the command registered under key. Replies whose
// key matches no live command are dropped with a warning; a reply matches
// only if both the commander identity and the command id agree. Terminal
// codes complete the command; once a command is terminal, further replies
// for it are discarded.
func (t *Table) Route(key CommandKey, code MessageCode, payload Payload, sender string) RouteOutcome {
	t.μ.Lock()
	cmd, ok := t.cmds[key]
	t.μ.Unlock()
	if !ok {
		t.metrics.replyDropped.Add(1)
		t.log.Warn("dropping reply for unknown command",
			"command", key, "sender", sender, "code", code.String())
		return RouteDropped
	}

	r := &Reply{Code: code, Payload: payload, Sender: sender, Received: time.Now()}
	if !cmd.record(r) {
		t.metrics.replyLate.Add(1)
		return RouteLate
	}
	t.metrics.replyRouted.Add(1)

	switch code {
	case CodeRunning:
		cmd.transition(Running, nil)
	case CodeDone:
		if cmd.transition(Done, nil) {
			t.retire(cmd, key)
			return RouteCompleted
		}
	case CodeFailed:
		var reason error
		if msg, ok := payload.Get("error"); ok {
			reason = fmt.Errorf("%v", msg)
		}
		if cmd.transition(Failed, reason) {
			t.retire(cmd, key)
			return RouteCompleted
		}
	}
	return RouteDelivered
}

// Cancel requests cancellation of the command registered under key. It
// reports whether a live command was found.
func (t *Table) Cancel(key CommandKey) bool {
	t.μ.Lock()
	cmd, ok := t.cmds[key]
	t.μ.Unlock()
	if !ok {
		return false
	}
	cmd.Cancel()
	if cmd.Status().IsTerminal() {
		t.retire(cmd, key)
	}
	return true
}

// retire updates terminal accounting for cmd and removes it from the table
// unless it still has children settling.
func (t *Table) retire(cmd *Command, key CommandKey) {
	switch cmd.Status() {
	case Done:
		t.metrics.cmdFinished.Add(1)
	case TimedOut:
		t.metrics.cmdExpired.Add(1)
	default:
		t.metrics.cmdFailed.Add(1)
	}
	t.metrics.cmdActive.Add(-1)
	if cmd.HasLiveChildren() {
		return // the sweep collects it once the children settle
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.cmds[key] == cmd {
		delete(t.cmds, key)
	}
}

// sweep expires commands past their time limit and collects terminal
// commands whose children have all settled.
func (t *Table) sweep(now time.Time) {
	t.μ.Lock()
	var expired []*Command
	for key, cmd := range t.cmds {
		if cmd.Status().IsTerminal() {
			if !cmd.HasLiveChildren() {
				delete(t.cmds, key)
			}
			continue
		}
		if limit := cmd.TimeLimit(); limit > 0 && now.Sub(cmd.Created()) > limit {
			expired = append(expired, cmd)
		}
	}
	t.μ.Unlock()

	for _, cmd := range expired {
		t.log.Warn("command exceeded its time limit",
			"command", cmd.Key(), "limit", cmd.TimeLimit())
		cmd.timeout()
		if cmd.Status().IsTerminal() {
			t.retire(cmd, cmd.Key())
		}
	}
}

// FailAll fails every outstanding command in t with the given reason, and
// removes them from the table. The table remains usable; the bindings call
// this when a connection is lost so that no waiter hangs.
func (t *Table) FailAll(reason error) {
	t.μ.Lock()
	live := make([]*Command, 0, len(t.cmds))
	for key, cmd := range t.cmds {
		live = append(live, cmd)
		delete(t.cmds, key)
	}
	t.μ.Unlock()

	for _, cmd := range live {
		if cmd.Status().IsTerminal() {
			continue
		}
		cmd.FailWith(reason)
		t.metrics.cmdFailed.Add(1)
		t.metrics.cmdActive.Add(-1)
	}
}

// Stop terminates the sweep, fails all outstanding commands with
// ErrTableClosed, and marks the table closed. Stop blocks until the sweep
// has exited. It is safe to call Stop more than once.
func (t *Table) Stop() {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.closed = true
	t.μ.Unlock()

	close(t.stop)
	t.tasks.Wait()
	t.FailAll(ErrTableClosed)
}
