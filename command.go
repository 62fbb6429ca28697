// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// A CommandKey is the correlation identity of a command: the identity of the
// commander that issued it plus the command id it was issued under. Replies
// are matched to commands only when both parts agree, which guards against
// cross-talk when command ids collide across commander namespaces.
type CommandKey struct {
	Commander string
	ID        string
}

func (k CommandKey) String() string { return k.Commander + ":" + k.ID }

// A Reply is a single message received for (or produced by) a command.
// A Reply is immutable once constructed.
type Reply struct {
	Code      MessageCode
	Payload   Payload
	Sender    string
	Broadcast bool
	Received  time.Time
}

// A ReplyWriter delivers output produced by a command to its commander. It
// is implemented by the transport bindings. Implementations must honor
// cmd.Silent by recording the reply (model updates, keyword store) without
// emitting it on the wire.
type ReplyWriter interface {
	WriteReply(cmd *Command, code MessageCode, payload Payload, broadcast bool) error
}

// A Dispatcher turns the command string of a received command into a handler
// invocation against that command. The full command-line grammar is the
// dispatcher's business; the engine only requires that the dispatcher
// eventually drives the command to a terminal status.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *Command) error
}

// A Validator checks a reply payload against an actor's schema. A validation
// failure never terminates a command: bindings degrade the reply to a
// warning and keep going.
type Validator interface {
	Validate(actor string, payload Payload) error
}

// A CommandSpec carries the construction parameters for a Command.
type CommandSpec struct {
	CommanderID string        // identity of the issuer (may be dot-separated)
	CommandID   string        // correlation id; allocated by the caller or binding
	ConsumerID  string        // the actor consuming the command
	Raw         string        // the verb and arguments as sent
	Parent      *Command      // enclosing command, if any (non-owning for the child)
	TimeLimit   time.Duration // auto-fail after this long; zero means no limit
	Silent      bool          // record output without emitting it to users
	Writer      ReplyWriter   // where produced output goes; nil for issued commands
	Logger      *slog.Logger

	// OnStatus, if set, is invoked after every status change.
	OnStatus func(*Command, Status)
	// OnReply, if set, is invoked after every reply is recorded.
	OnReply func(*Command, *Reply)
}

// A Command is the state machine and correlation unit for one outstanding
// request/response exchange. A command moves monotonically through its
// statuses and reaches exactly one terminal status, at which point its
// completion signal fires and its reply list becomes immutable.
type Command struct {
	commander string
	id        string
	consumer  string
	raw       string
	timeLimit time.Duration
	created   time.Time
	silent    bool
	writer    ReplyWriter
	log       *slog.Logger
	onStatus  func(*Command, Status)
	onReply   func(*Command, *Reply)
	parent    *Command // non-owning back-reference

	mu       sync.Mutex
	status   Status
	replies  []*Reply
	children []*Command // owned
	done     chan struct{}
	reason   error // terminal failure reason, nil on success
	onCancel []func()

	// Set while a terminal transition waits for children to settle.
	pendFinal   Status
	pendPayload Payload
	pendReason  error
}

// NewCommand constructs a command from spec. If spec.Parent is set, the new
// command is adopted as a child of the parent.
func NewCommand(spec CommandSpec) *Command {
	log := spec.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Command{
		commander: spec.CommanderID,
		id:        spec.CommandID,
		consumer:  spec.ConsumerID,
		raw:       spec.Raw,
		timeLimit: spec.TimeLimit,
		created:   time.Now(),
		silent:    spec.Silent,
		writer:    spec.Writer,
		log:       log,
		onStatus:  spec.OnStatus,
		onReply:   spec.OnReply,
		parent:    spec.Parent,
		status:    Ready,
		done:      make(chan struct{}),
	}
	if c.parent != nil {
		c.parent.adopt(c)
	}
	return c
}

// Child constructs a command running "inside" c: it shares c's writer and
// reports its output under c's correlation identity.
func (c *Command) Child(raw string) *Command {
	return NewCommand(CommandSpec{
		CommanderID: c.consumer,
		CommandID:   c.id,
		ConsumerID:  c.consumer,
		Raw:         raw,
		Parent:      c,
		Silent:      c.silent,
		Writer:      c.writer,
		Logger:      c.log,
	})
}

func (c *Command) CommanderID() string { return c.commander }
func (c *Command) ID() string { return c.id }
func (c *Command) ConsumerID() string { return c.consumer }
func (c *Command) Raw() string { return c.raw }
func (c *Command) Created() time.Time { return c.created }
func (c *Command) TimeLimit() time.Duration { return c.timeLimit }
func (c *Command) Silent() bool { return c.silent }
func (c *Command) Parent() *Command { return c.parent }

// Key returns the correlation key of c.
func (c *Command) Key() CommandKey { return CommandKey{Commander: c.commander, ID: c.id} }

// Status returns the current status of c.
func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Replies returns a snapshot of the replies recorded so far, in arrival
// order. Once c is terminal the returned list is final.
func (c *Command) Replies() []*Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

// Children returns a snapshot of the commands created inside c.
func (c *Command) Children() []*Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Command, len(c.children))
	copy(out, c.children)
	return out
}

// Done returns a channel that is closed when c reaches a terminal status.
func (c *Command) Done() <-chan struct{} { return c.done }

// Err returns nil if c completed successfully, the failure reason if c is
// terminal and did not, and ErrTableClosed-style sentinels where applicable.
// It returns nil while c is still in flight.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.IsTerminal() || c.status == Done {
		return nil
	}
	return &CommandError{Status: c.status, Reason: c.reason}
}

// Wait blocks until c reaches a terminal status or ctx ends. It returns the
// final status, or the context error if ctx ended first.
func (c *Command) Wait(ctx context.Context) (Status, error) {
	select {
	case <-c.done:
		return c.Status(), nil
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// OnCancel registers f to be invoked when cancellation (or a timeout) begins
// for c. Dispatchers use this to propagate cancellation into handler
// contexts. If c is already being torn down, f is invoked immediately.
func (c *Command) OnCancel(f func()) {
	c.mu.Lock()
	teardown := c.status == Cancelling || c.status == Failing || c.status.IsTerminal() && c.status != Done
	if !teardown {
		c.onCancel = append(c.onCancel, f)
	}
	c.mu.Unlock()
	if teardown {
		f()
	}
}

func (c *Command) adopt(child *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

// liveChildren returns the children of c that are not yet terminal.
// Caller must hold c.mu.
func (c *Command) liveChildrenLocked() []*Command {
	var live []*Command
	for _, ch := range c.children {
		if !ch.Status().IsTerminal() {
			live = append(live, ch)
		}
	}
	return live
}

// HasLiveChildren reports whether any child of c is not yet terminal. A
// command with live children is retained by its table until they settle.
func (c *Command) HasLiveChildren() bool {
	for _, ch := range c.Children() {
		if !ch.Status().IsTerminal() {
			return true
		}
	}
	return false
}

// record appends a reply to c and invokes the reply callback. Replies
// arriving after a terminal status are dropped and logged, not errored:
// duplicate deliveries are expected under at-least-once semantics.
func (c *Command) record(r *Reply) bool {
	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		c.log.Debug("dropping reply for finished command",
			"command", c.Key(), "code", r.Code.String())
		return false
	}
	c.replies = append(c.replies, r)
	cb := c.onReply
	c.mu.Unlock()
	if cb != nil {
		invokeReplyCallback(c.log, cb, c, r)
	}
	return true
}

// transition advances c to status to. It reports false, without modifying c,
// if the move would not be monotonic or c is already terminal. On the first
// terminal transition the completion signal fires exactly once.
func (c *Command) transition(to Status, reason error) bool {
	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		c.log.Debug("ignoring status change for finished command",
			"command", c.Key(), "status", to.String())
		return false
	}
	if to <= c.status {
		c.mu.Unlock()
		return false
	}
	c.status = to
	terminal := to.IsTerminal()
	if terminal {
		c.reason = reason
		close(c.done)
	}
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		invokeStatusCallback(c.log, cb, c, to)
	}
	if terminal && c.parent != nil {
		c.parent.childSettled()
	}
	return true
}

// Running marks c as running and emits the running echo to the commander.
func (c *Command) Running() {
	if c.transition(Running, nil) {
		c.Write(CodeRunning)
	}
}

// Write emits a reply for c with the given code and keywords. Info, debug,
// warning, and error codes never change c's status. Output from a child
// command is reported under the enclosing command's identity, with terminal
// codes degraded so the parent's own completion is not confused.
func (c *Command) Write(code MessageCode, kws ...Keyword) {
	c.write(code, Payload(kws), false)
}

// Broadcast emits a reply delivered to all connected users rather than only
// the commander.
func (c *Command) Broadcast(code MessageCode, kws ...Keyword) {
	c.write(code, Payload(kws), true)
}

// Debug emits a debug reply.
func (c *Command) Debug(kws ...Keyword) { c.Write(CodeDebug, kws...) }

// Debugf emits a debug reply with a formatted "text" keyword.
func (c *Command) Debugf(format string, args ...any) {
	c.Write(CodeDebug, KV("text", fmt.Sprintf(format, args...)))
}

// Info emits an info reply.
func (c *Command) Info(kws ...Keyword) { c.Write(CodeInfo, kws...) }

// Infof emits an info reply with a formatted "text" keyword.
func (c *Command) Infof(format string, args ...any) {
	c.Write(CodeInfo, KV("text", fmt.Sprintf(format, args...)))
}

// Warning emits a warning reply.
func (c *Command) Warning(kws ...Keyword) { c.Write(CodeWarning, kws...) }

// Warningf emits a warning reply with a formatted "text" keyword.
func (c *Command) Warningf(format string, args ...any) {
	c.Write(CodeWarning, KV("text", fmt.Sprintf(format, args...)))
}

// Error emits an error reply. The command keeps running: only Fail, a
// timeout, or cancellation terminates it unsuccessfully.
func (c *Command) Error(kws ...Keyword) { c.Write(CodeError, kws...) }

// Errorf emits an error reply with a formatted "error" keyword.
func (c *Command) Errorf(format string, args ...any) {
	c.Write(CodeError, KV("error", fmt.Sprintf(format, args...)))
}

func (c *Command) write(code MessageCode, payload Payload, broadcast bool) {
	if c.parent != nil {
		// Output from a subcommand flows through the parent's stream; a
		// child finishing must not look like the parent finishing.
		switch code {
		case CodeRunning:
			return
		case CodeDone:
			if len(payload) == 0 {
				return
			}
			code = CodeInfo
		case CodeFailed:
			code = CodeError
		}
	}
	target := c.root()
	r := &Reply{
		Code:      code,
		Payload:   payload,
		Sender:    c.consumer,
		Broadcast: broadcast,
		Received:  time.Now(),
	}
	if !target.record(r) {
		return
	}
	if target.writer != nil {
		if err := target.writer.WriteReply(target, code, payload, broadcast); err != nil {
			target.log.Warn("writing reply failed",
				"command", target.Key(), "code", code.String(), "err", err)
		}
	}
}

// root returns the topmost ancestor of c, or c itself.
func (c *Command) root() *Command {
	top := c
	for top.parent != nil {
		top = top.parent
	}
	return top
}

// Finish marks c done and emits the terminal success reply.
func (c *Command) Finish(kws ...Keyword) {
	c.settle(Done, Payload(kws), nil)
}

// settle performs the terminal transition to final in one step: the
// terminal reply is appended before the completion signal fires, so a
// waiter never observes a terminal command without its terminal reply. For
// a child command the reply is instead remapped into the root's stream.
func (c *Command) settle(final Status, payload Payload, reason error) bool {
	code := final.Code()
	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		c.log.Debug("ignoring status change for finished command",
			"command", c.Key(), "status", final.String())
		return false
	}
	c.status = final
	c.reason = reason
	var r *Reply
	if c.parent == nil {
		r = &Reply{Code: code, Payload: payload, Sender: c.consumer, Received: time.Now()}
		c.replies = append(c.replies, r)
	}
	close(c.done)
	cbS, cbR := c.onStatus, c.onReply
	writer := c.writer
	c.mu.Unlock()

	if r != nil && cbR != nil {
		invokeReplyCallback(c.log, cbR, c, r)
	}
	if cbS != nil {
		invokeStatusCallback(c.log, cbS, c, final)
	}
	if c.parent != nil {
		// A child finishing must not look like the root finishing: its
		// terminal codes degrade to info and error in the root's stream.
		switch code {
		case CodeDone:
			if len(payload) > 0 {
				c.root().write(CodeInfo, payload, false)
			}
		case CodeFailed:
			c.root().write(CodeError, payload, false)
		}
		c.parent.childSettled()
	} else if writer != nil {
		if err := writer.WriteReply(c, code, payload, false); err != nil {
			c.log.Warn("writing reply failed",
				"command", c.Key(), "code", code.String(), "err", err)
		}
	}
	return true
}

// Fail marks c failed, emits the terminal failure reply, and propagates the
// failure to any live children. If children exist, c passes through Failing
// until every child has settled.
func (c *Command) Fail(kws ...Keyword) {
	payload := Payload(kws)
	var reason error
	if msg, ok := payload.Get("error"); ok {
		reason = fmt.Errorf("%v", msg)
	}
	c.terminate(Failed, Failing, payload, reason)
}

// Failf is shorthand for Fail with a formatted "error" keyword.
func (c *Command) Failf(format string, args ...any) {
	c.Fail(KV("error", fmt.Sprintf(format, args...)))
}

// FailWith fails c with reason. Transport bindings use this to mark every
// command stranded by a lost connection.
func (c *Command) FailWith(reason error) {
	c.terminate(Failed, Failing, ErrorPayload(reason), reason)
}

// Cancel requests cancellation of c. If c has live children they are
// cancelled first and c waits in Cancelling until all of them are terminal;
// otherwise c settles to Cancelled immediately. Cancelling an already
// terminal command is a no-op.
func (c *Command) Cancel() {
	c.terminate(Cancelled, Cancelling, ErrorPayload(ErrCancelled), ErrCancelled)
}

// timeout forces c into TimedOut. Called by the table sweep.
func (c *Command) timeout() {
	c.terminate(TimedOut, Failing, ErrorPayload(ErrTimedOut), ErrTimedOut)
}

// terminate drives c toward the terminal status final. When live children
// exist, c first enters the transient status and cancels them; the last
// child to settle completes the transition.
func (c *Command) terminate(final, transient Status, payload Payload, reason error) {
	c.mu.Lock()
	if c.status.IsTerminal() || c.pendFinal != 0 {
		c.mu.Unlock()
		return
	}
	stops := c.onCancel
	c.onCancel = nil
	live := c.liveChildrenLocked()
	// Claim the terminal outcome before releasing the lock, so that a
	// handler unblocked by a cancel hook cannot race in a different one.
	c.pendFinal = final
	c.pendPayload = payload
	c.pendReason = reason
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if len(live) == 0 {
		c.settle(final, payload, reason)
		return
	}

	c.transition(transient, nil)
	for _, ch := range live {
		ch.Cancel()
	}
	// Re-check: the children may all have settled synchronously.
	c.childSettled()
}

// childSettled is invoked by a child reaching a terminal status. If c is
// waiting out a teardown and no live children remain, c settles to its
// pending terminal status.
func (c *Command) childSettled() {
	c.mu.Lock()
	if c.pendFinal == 0 || len(c.liveChildrenLocked()) > 0 {
		c.mu.Unlock()
		return
	}
	final, payload, reason := c.pendFinal, c.pendPayload, c.pendReason
	c.pendFinal = 0
	c.mu.Unlock()
	c.settle(final, payload, reason)
}

func (c *Command) String() string {
	return fmt.Sprintf("Command(%v, %q, %s)", c.Key(), c.raw, c.Status())
}

func invokeStatusCallback(log *slog.Logger, cb func(*Command, Status), c *Command, s Status) {
	defer func() {
		if x := recover(); x != nil {
			log.Error("status callback panicked (recovered)", "command", c.Key(), "panic", x)
		}
	}()
	cb(c, s)
}

func invokeReplyCallback(log *slog.Logger, cb func(*Command, *Reply), c *Command, r *Reply) {
	defer func() {
		if x := recover(); x != nil {
			log.Error("reply callback panicked (recovered)", "command", c.Key(), "panic", x)
		}
	}()
	cb(c, r)
}
