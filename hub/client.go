// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/model"
)

// Reconnect backoff bounds. The delay starts at reconnectInitial, grows by
// a factor of e per failed attempt, and is capped at reconnectMax. Each
// sleep gets up to half a delay of random jitter so that a hub restart does
// not see every client reconnect in lockstep.
const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 3600 * time.Second
)

// ClientOptions configure a hub client.
type ClientOptions struct {
	// The address of the central hub. Required unless Dial is set.
	Addr string

	// The commander identity this client registers on the hub. Required.
	Name string

	// The table correlating replies to commands sent through this client.
	// Required.
	Table *actorbus.Table

	// If set, keyword traffic from the hub feed is applied to this
	// registry, whether or not it answers one of our commands.
	Models *model.Registry

	// Declared keyword types for decoding the hub feed.
	Types KeyTypes

	// If set, Dial replaces the default TCP dial of Addr.
	Dial func(ctx context.Context) (net.Conn, error)

	Logger *slog.Logger
}

// A Client maintains a connection to the central message hub, sending
// commands on behalf of local callers and feeding the reply stream back
// through a command table and a model registry.
//
// The hub assigns meaning to the message id on the wire, so the client
// keeps its own message-id counter and a translation table from wire ids
// back to the correlation keys of the commands it sent. When the
// connection drops, every command still in flight through this client is
// failed with [actorbus.ErrConnectionLost], and the client reconnects with
// bounded exponential backoff.
type Client struct {
	addr   string
	name   string
	table  *actorbus.Table
	models *model.Registry
	types  KeyTypes
	dial   func(ctx context.Context) (net.Conn, error)
	log    *slog.Logger
	tasks  *taskgroup.Group

	μ       sync.Mutex
	conn    net.Conn
	w       *bufio.Writer
	nextMID uint32
	mids    map[uint32]actorbus.CommandKey
}

// NewClient constructs a hub client from opts. It panics if the name or
// the table is unset.
func NewClient(opts ClientOptions) *Client {
	if opts.Name == "" {
		panic("hub: client name is required")
	}
	if opts.Table == nil {
		panic("hub: client table is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		addr:    opts.Addr,
		name:    opts.Name,
		table:   opts.Table,
		models:  opts.Models,
		types:   opts.Types,
		dial:    opts.Dial,
		log:     opts.Logger,
		tasks:   taskgroup.New(nil),
		nextMID: 1,
		mids:    make(map[uint32]actorbus.CommandKey),
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", c.addr)
		}
	}
	return c
}

// Start begins the connect-and-read loop. The loop runs until ctx ends;
// use Wait to block until it has fully stopped.
func (c *Client) Start(ctx context.Context) {
	c.tasks.Go(func() error {
		c.run(ctx)
		return nil
	})
}

// Wait blocks until the client loop has stopped after its context ended.
func (c *Client) Wait() { c.tasks.Wait() }

// Connected reports whether the client currently has a live hub
// connection.
func (c *Client) Connected() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.conn != nil
}

func (c *Client) run(ctx context.Context) {
	delay := reconnectInitial
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("hub connect failed", "addr", c.addr, "retry_in", delay, "err", err)
			if !sleepCtx(ctx, jitter(delay)) {
				return
			}
			delay = min(time.Duration(float64(delay)*math.E), reconnectMax)
			continue
		}
		delay = reconnectInitial
		c.log.Info("connected to hub", "addr", conn.RemoteAddr())

		c.μ.Lock()
		c.conn = conn
		c.w = bufio.NewWriter(conn)
		c.μ.Unlock()

		// Register ourselves before anything else on the wire.
		if err := c.writeLine(FormatCommand(c.name, 0, "startNubs "+c.name)); err != nil {
			c.teardown(fmt.Errorf("handshake: %w", err))
			continue
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(conn)
		stop()
		c.teardown(err)
	}
}

// readLoop consumes the hub feed until the connection fails.
func (c *Client) readLoop(conn net.Conn) error {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		reply, err := ParseHubReply(line, c.types, c.log)
		if err != nil {
			c.log.Warn("ignoring malformed hub line", "err", err)
			continue
		}
		c.handleReply(reply)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("hub closed the connection")
}

func (c *Client) handleReply(reply HubReply) {
	// Keyword traffic updates the models whether or not the reply answers
	// one of our commands.
	if c.models != nil && len(reply.Keywords) > 0 {
		c.models.Apply(reply.Sender, reply.Keywords)
	}
	if reply.Commander != c.name {
		return
	}
	c.μ.Lock()
	key, ok := c.mids[reply.MID]
	if ok && reply.Code.IsTerminal() {
		delete(c.mids, reply.MID)
	}
	c.μ.Unlock()
	if !ok {
		return
	}
	c.table.Route(key, reply.Code, reply.Keywords, reply.Sender)
}

// teardown drops the current connection and fails every command still in
// flight through it. The table sweep retires the failed entries.
func (c *Client) teardown(cause error) {
	c.μ.Lock()
	conn := c.conn
	c.conn, c.w = nil, nil
	stranded := make([]actorbus.CommandKey, 0, len(c.mids))
	for mid, key := range c.mids {
		stranded = append(stranded, key)
		delete(c.mids, mid)
	}
	c.μ.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	c.log.Warn("hub connection lost", "err", cause, "stranded", len(stranded))
	for _, key := range stranded {
		if cmd := c.table.Get(key); cmd != nil {
			cmd.FailWith(actorbus.ErrConnectionLost)
		}
	}
}

// Send registers cmd in the table and sends it to the hub, addressed to
// the actor named by the command's consumer id. It reports an error if the
// client is disconnected, the key is already in use, or the write fails.
func (c *Client) Send(cmd *actorbus.Command) error {
	if _, err := c.table.Register(cmd); err != nil {
		return err
	}
	c.μ.Lock()
	if c.conn == nil {
		c.μ.Unlock()
		cmd.FailWith(actorbus.ErrConnectionLost)
		return actorbus.ErrConnectionLost
	}
	mid := c.nextMID
	c.nextMID++ // wraps at 2^32
	if c.nextMID == 0 {
		c.nextMID = 1
	}
	c.mids[mid] = cmd.Key()
	c.μ.Unlock()

	line := FormatCommand(c.name, mid, cmd.ConsumerID()+" "+cmd.Raw())
	if err := c.writeLine(line); err != nil {
		c.μ.Lock()
		delete(c.mids, mid)
		c.μ.Unlock()
		cmd.FailWith(fmt.Errorf("hub write: %w", err))
		return err
	}
	return nil
}

func (c *Client) writeLine(line string) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.w == nil {
		return actorbus.ErrConnectionLost
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
