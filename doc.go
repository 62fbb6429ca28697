// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Package actorbus implements the command and reply substrate used by
// observatory actors: long-running services that accept textual commands,
// stream coded replies, and publish keyword state.
//
// # Commands
//
// A [Command] is the unit of correlation between a commander and the actor
// consuming the command. Commands move monotonically through a small status
// machine (READY, RUNNING, then exactly one of DONE, CANCELLED, FAILED, or
// TIMED_OUT) and carry an ordered list of the replies received or produced
// on their behalf. A command may create child commands; a parent is not
// complete until its children are, and output from a child is reported
// under the parent's identity.
//
// # Replies
//
// Every reply carries a single-character message code giving its severity
// and disposition: 'd' debug, 'i' info, 'w' warning, 'e' error, '>' the
// running echo, ':' terminal success, and 'f' terminal failure. Only ':'
// and 'f' complete a command.
//
// # Tables
//
// A [Table] indexes outstanding commands by [CommandKey], the pair of
// commander identity and command id, and routes incoming replies to them.
// Replies that match no live command are dropped. The table also enforces
// per-command time limits and guarantees that teardown (a lost connection,
// or [Table.Stop]) resolves every outstanding command.
//
// The wire bindings live in the bus and hub subpackages; keyword state
// tracking lives in the model subpackage.
package actorbus
