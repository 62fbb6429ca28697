// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import "expvar"

// tableMetrics record command-table activity counters.
type tableMetrics struct {
	cmdRegistered expvar.Int
	cmdFinished   expvar.Int // commands reaching Done
	cmdFailed     expvar.Int // commands reaching Failed or Cancelled
	cmdExpired    expvar.Int // commands reaching TimedOut via the sweep
	cmdActive     expvar.Int
	replyRouted   expvar.Int
	replyDropped  expvar.Int // replies with no live matching command
	replyLate     expvar.Int // replies for an already terminal command

	emap *expvar.Map
}

var rootMetrics = newTableMetrics()

func newTableMetrics() *tableMetrics {
	tm := &tableMetrics{emap: new(expvar.Map)}
	tm.emap.Set("commands_registered", &tm.cmdRegistered)
	tm.emap.Set("commands_finished", &tm.cmdFinished)
	tm.emap.Set("commands_failed", &tm.cmdFailed)
	tm.emap.Set("commands_expired", &tm.cmdExpired)
	tm.emap.Set("commands_active", &tm.cmdActive)
	tm.emap.Set("replies_routed", &tm.replyRouted)
	tm.emap.Set("replies_dropped", &tm.replyDropped)
	tm.emap.Set("replies_late", &tm.replyLate)
	return tm
}
