// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import (
	"errors"
	"fmt"
)

// Sentinel errors reported by commands and tables. Transport bindings fail
// in-flight commands with ErrConnectionLost so that observers can tell a
// dropped link apart from an explicit remote failure.
var (
	ErrConnectionLost = errors.New("connection lost")
	ErrTableClosed    = errors.New("command table closed")
	ErrCancelled      = errors.New("command cancelled")
	ErrTimedOut       = errors.New("command timed out")
)

// DuplicateCommandError is reported when a command is registered under a
// correlation key that is already live. This is a caller programming error,
// not a transient condition.
type DuplicateCommandError struct {
	Key CommandKey
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("duplicate command %v", e.Key)
}

// CommandError wraps the failure of a terminal command, preserving the final
// status and the reason reported by the remote end.
type CommandError struct {
	Status Status
	Reason error
}

func (e *CommandError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("command %s: %v", e.Status, e.Reason)
	}
	return fmt.Sprintf("command %s", e.Status)
}

// Unwrap reports the underlying reason of e.
func (e *CommandError) Unwrap() error { return e.Reason }
