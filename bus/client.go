// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/model"
)

// A ReplyTap observes every reply message seen by a client, including
// broadcasts and replies to other commanders' commands.
type ReplyTap func(sender string, code actorbus.MessageCode, payload actorbus.Payload, broadcast bool)

// ClientOptions configure a bus client.
type ClientOptions struct {
	// The NATS server URL. Ignored if Conn is set.
	URL string

	// The commander identity of this client. Required.
	Name string

	// The table correlating replies to commands. If nil, the client
	// creates and owns one.
	Table *actorbus.Table

	// If set, keyword traffic from tracked senders is applied here.
	Models *model.Registry

	// If set, Tap is invoked for every reply message received.
	Tap ReplyTap

	// An existing connection to use instead of dialing URL. The caller
	// retains ownership of the connection.
	Conn *nats.Conn

	Logger *slog.Logger
}

// A Client is the commander side of the bus binding: it publishes commands
// to actors and consumes the reply stream, correlating replies back to the
// commands that provoked them.
type Client struct {
	name     string
	nc       *nats.Conn
	ownConn  bool
	ownTable bool
	table    *actorbus.Table
	models   *model.Registry
	tap      ReplyTap
	log      *slog.Logger
	subs     []*nats.Subscription
}

// NewClient connects a client to the bus and subscribes its reply
// subjects.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("bus: client name is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		name:   opts.Name,
		table:  opts.Table,
		models: opts.Models,
		tap:    opts.Tap,
		log:    log,
	}
	if c.table == nil {
		c.table = actorbus.NewTable(&actorbus.TableOptions{Logger: log})
		c.ownTable = true
	}

	c.nc = opts.Conn
	if c.nc == nil {
		nc, err := nats.Connect(opts.URL,
			nats.Name(opts.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("bus connection lost", "err", err)
				c.table.FailAll(actorbus.ErrConnectionLost)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("bus reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("bus: connecting: %w", err)
		}
		c.nc = nc
		c.ownConn = true
	}

	// Replies addressed to us are load-balanced across our instances;
	// broadcasts go to every subscriber.
	sub, err := c.nc.QueueSubscribe(replySubject(c.name), replyQueue(c.name), c.handleReply)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("bus: subscribing replies: %w", err)
	}
	c.subs = append(c.subs, sub)
	bsub, err := c.nc.Subscribe(broadcastSubject, c.handleReply)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("bus: subscribing broadcasts: %w", err)
	}
	c.subs = append(c.subs, bsub)
	return c, nil
}

// Table returns the command table used by c.
func (c *Client) Table() *actorbus.Table { return c.table }

// Name reports the commander identity of c.
func (c *Client) Name() string { return c.name }

// SendCommand publishes a command to the named actor and returns the
// command tracking it. The caller waits on the command for completion.
func (c *Client) SendCommand(target, commandString string) (*actorbus.Command, error) {
	cmd := actorbus.NewCommand(actorbus.CommandSpec{
		CommanderID: c.name,
		CommandID:   uuid.NewString(),
		ConsumerID:  target,
		Raw:         commandString,
		Logger:      c.log,
	})
	if _, err := c.table.Register(cmd); err != nil {
		return nil, err
	}
	body, err := encodeCommand(commandString)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{
		Subject: commandSubject(target),
		Header: nats.Header{
			hdrCommandID:   []string{cmd.ID()},
			hdrCommanderID: []string{c.name},
			hdrContentType: []string{contentTypeJSON},
		},
		Data: body,
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		cmd.FailWith(fmt.Errorf("publishing command: %w", err))
		return nil, err
	}
	return cmd, nil
}

// handleReply consumes one message from a reply subject.
func (c *Client) handleReply(m *nats.Msg) {
	sender, key, code, payload, err := decodeReply(m)
	if err != nil {
		c.log.Warn("ignoring malformed reply", "subject", m.Subject, "err", err)
		return
	}
	if sender == c.name {
		return // our own output echoed back
	}
	broadcast := m.Subject == broadcastSubject
	if c.models != nil && len(payload) > 0 {
		c.models.Apply(sender, payload)
	}
	if c.tap != nil {
		c.tap(sender, code, payload, broadcast)
	}
	if broadcast || key.Commander != c.name {
		return // not an answer to one of our commands
	}
	c.table.Route(key, code, payload, sender)
}

// Close tears down the subscriptions, the table if owned, and the
// connection if owned. Outstanding commands fail with ErrTableClosed when
// the table is owned; otherwise they are left to the table's owner.
func (c *Client) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	if c.ownTable {
		c.table.Stop()
	}
	if c.ownConn && c.nc != nil {
		c.nc.Close()
	}
}
