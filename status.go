// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import "fmt"

// Status describes the lifecycle state of a Command. Status values are
// ordered: a command's status never decreases, and exactly one transition
// into a terminal status is permitted per command.
type Status int

const (
	Ready      Status = iota // created, not yet dispatched
	Running                  // dispatched to a handler or acknowledged remotely
	Cancelling               // cancellation requested, children still settling
	Failing                  // failure propagating to children
	Done                     // terminal success
	Cancelled                // terminal, cancelled by request
	Failed                   // terminal failure
	TimedOut                 // terminal, time limit elapsed
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool { return s >= Done }

// IsActive reports whether s denotes a command still doing work, including
// one whose teardown is in progress.
func (s Status) IsActive() bool { return s == Running || s == Cancelling || s == Failing }

// DidFail reports whether s is a terminal status other than Done.
func (s Status) DidFail() bool { return s == Cancelled || s == Failed || s == TimedOut }

func (s Status) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Cancelling:
		return "CANCELLING"
	case Failing:
		return "FAILING"
	case Done:
		return "DONE"
	case Cancelled:
		return "CANCELLED"
	case Failed:
		return "FAILED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Code returns the message code reported to users when a command enters s.
func (s Status) Code() MessageCode {
	switch s {
	case Ready:
		return CodeInfo
	case Running:
		return CodeRunning
	case Cancelling, Failing:
		return CodeWarning
	case Done:
		return CodeDone
	default: // Cancelled, Failed, TimedOut
		return CodeFailed
	}
}

// MessageCode identifies the severity and disposition of a reply. The values
// are the single-character codes used on the legacy wire; the same
// enumeration is carried in message headers on the topic bus.
type MessageCode byte

const (
	CodeDebug   MessageCode = 'd' // diagnostic output, never terminates
	CodeInfo    MessageCode = 'i' // informational output, never terminates
	CodeWarning MessageCode = 'w' // warning output, never terminates
	CodeError   MessageCode = 'e' // an error occurred but the command continues
	CodeFailed  MessageCode = 'f' // terminal failure
	CodeDone    MessageCode = ':' // terminal success
	CodeRunning MessageCode = '>' // status echo: processing has started
)

// Valid reports whether c is one of the defined message codes.
func (c MessageCode) Valid() bool {
	switch c {
	case CodeDebug, CodeInfo, CodeWarning, CodeError, CodeFailed, CodeDone, CodeRunning:
		return true
	}
	return false
}

// IsTerminal reports whether receipt of c completes a command.
func (c MessageCode) IsTerminal() bool { return c == CodeDone || c == CodeFailed }

// CommandStatus returns the command status implied by receiving a reply with
// code c. Non-terminal codes other than the running echo imply no change and
// report Running.
func (c MessageCode) CommandStatus() Status {
	switch c {
	case CodeDone:
		return Done
	case CodeFailed:
		return Failed
	default:
		return Running
	}
}

func (c MessageCode) String() string {
	switch c {
	case CodeDebug:
		return "debug"
	case CodeInfo:
		return "info"
	case CodeWarning:
		return "warning"
	case CodeError:
		return "error"
	case CodeFailed:
		return "failed"
	case CodeDone:
		return "done"
	case CodeRunning:
		return "running"
	default:
		return fmt.Sprintf("code %q", byte(c))
	}
}

// ParseMessageCode converts the wire representation of a message code.
func ParseMessageCode(s string) (MessageCode, error) {
	if len(s) != 1 || !MessageCode(s[0]).Valid() {
		return 0, fmt.Errorf("invalid message code %q", s)
	}
	return MessageCode(s[0]), nil
}
