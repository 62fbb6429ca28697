// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/creachadair/taskgroup"
	"github.com/nats-io/nats.go"
	"github.com/observatron/actorbus"
)

// ActorOptions configure a bus actor.
type ActorOptions struct {
	// The NATS server URL. Ignored if Conn is set.
	URL string

	// The actor name. Commands published to "command.<name>" are consumed
	// by this actor. Required.
	Name string

	// Where received commands are sent for execution. Required.
	Dispatcher actorbus.Dispatcher

	// If set, reply payloads are checked against this validator before
	// publication. A payload that fails validation is still published,
	// with the failure attached as a warning; validation never terminates
	// a command.
	Validator actorbus.Validator

	// An existing connection to use instead of dialing URL.
	Conn *nats.Conn

	Logger *slog.Logger
}

// An Actor is the consumer side of the bus binding: it receives commands
// addressed to its name, runs them through a dispatcher, and publishes the
// replies they produce. An Actor is also a [Client], so it can issue
// commands of its own to other actors.
type Actor struct {
	*Client

	dispatch  actorbus.Dispatcher
	validator actorbus.Validator
	tasks     *taskgroup.Group
	cancel    context.CancelFunc
	cmdSub    *nats.Subscription
}

// NewActor connects an actor to the bus and begins consuming its command
// subject.
func NewActor(opts ActorOptions) (*Actor, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("bus: actor dispatcher is required")
	}
	client, err := NewClient(ClientOptions{
		URL:    opts.URL,
		Name:   opts.Name,
		Conn:   opts.Conn,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		Client:    client,
		dispatch:  opts.Dispatcher,
		validator: opts.Validator,
		tasks:     taskgroup.New(nil),
		cancel:    cancel,
	}
	sub, err := a.nc.QueueSubscribe(commandSubject(a.name), commandQueue(a.name), func(m *nats.Msg) {
		a.handleCommand(ctx, m)
	})
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("bus: subscribing commands: %w", err)
	}
	a.cmdSub = sub
	return a, nil
}

// handleCommand consumes one message from the command subject.
func (a *Actor) handleCommand(ctx context.Context, m *nats.Msg) {
	commander := m.Header.Get(hdrCommanderID)
	commandID := m.Header.Get(hdrCommandID)
	if commander == "" || commandID == "" {
		a.log.Warn("ignoring command without correlation headers", "subject", m.Subject)
		return
	}
	raw, err := decodeCommand(m.Data)
	if err != nil {
		a.log.Warn("ignoring undecodable command", "commander", commander, "err", err)
		return
	}
	cmd := actorbus.NewCommand(actorbus.CommandSpec{
		CommanderID: commander,
		CommandID:   commandID,
		ConsumerID:  a.name,
		Raw:         raw,
		Writer:      (*actorWriter)(a),
		Logger:      a.log,
	})
	a.tasks.Go(func() error {
		a.dispatch.Dispatch(ctx, cmd)
		return nil
	})
}

// PublishKeywords broadcasts keyword state not tied to any command, as an
// info-coded reply on the broadcast subject. Trackers apply it to their
// models like any other keyword traffic.
func (a *Actor) PublishKeywords(payload actorbus.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding keywords: %w", err)
	}
	return a.nc.PublishMsg(&nats.Msg{
		Subject: broadcastSubject,
		Header: nats.Header{
			hdrSender:      []string{a.name},
			hdrMessageCode: []string{string(actorbus.CodeInfo)},
			hdrContentType: []string{contentTypeJSON},
		},
		Data: data,
	})
}

// Stop cancels all running handlers, waits for them to finish, and closes
// the actor's bus resources.
func (a *Actor) Stop() {
	if a.cmdSub != nil {
		a.cmdSub.Unsubscribe()
	}
	a.cancel()
	a.tasks.Wait()
	a.Client.Close()
}

// actorWriter publishes command output as reply messages.
type actorWriter Actor

func (w *actorWriter) WriteReply(cmd *actorbus.Command, code actorbus.MessageCode, payload actorbus.Payload, broadcast bool) error {
	a := (*Actor)(w)
	if cmd.Silent() {
		return nil
	}
	if a.validator != nil && len(payload) > 0 {
		if err := a.validator.Validate(a.name, payload); err != nil {
			// A terminal reply must still complete the command on the far
			// side, so only the payload is annotated; non-terminal replies
			// are degraded to warnings wholesale.
			payload = payload.Set("error", fmt.Sprintf("keyword validation: %v", err))
			if !code.IsTerminal() {
				code = actorbus.CodeWarning
			}
			a.log.Warn("reply payload failed validation", "command", cmd.Key(), "err", err)
		}
	}

	subject := replySubject(cmd.CommanderID())
	header := nats.Header{
		hdrCommanderID: []string{cmd.CommanderID()},
		hdrCommandID:   []string{cmd.ID()},
		hdrSender:      []string{a.name},
		hdrMessageCode: []string{string(code)},
		hdrContentType: []string{contentTypeJSON},
	}
	if broadcast {
		subject = broadcastSubject
		// Broadcasts answer no particular command.
		header.Del(hdrCommanderID)
		header.Del(hdrCommandID)
	}
	var data []byte
	if len(payload) > 0 {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding reply payload: %w", err)
		}
	}
	return a.nc.PublishMsg(&nats.Msg{Subject: subject, Header: header, Data: data})
}
