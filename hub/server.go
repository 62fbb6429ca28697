// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/observatron/actorbus"
)

// ServerOptions configure a legacy TCP server.
type ServerOptions struct {
	// The actor name, reported in greetings and used as the consumer
	// identity of received commands. Required.
	Name string

	// The version string reported to connecting users.
	Version string

	// Where received commands are sent for execution. Required.
	Dispatcher actorbus.Dispatcher

	Logger *slog.Logger
}

// A Server accepts direct user connections on the legacy line protocol.
// Each connected user gets a sequential user id; replies addressed to a
// user carry that id, and broadcasts carry user id 0 and fan out to every
// connection.
type Server struct {
	name     string
	version  string
	dispatch actorbus.Dispatcher
	log      *slog.Logger
	tasks    *taskgroup.Group

	μ      sync.Mutex
	ln     net.Listener
	users  map[int]*user
	nextID int
	closed bool
}

type user struct {
	id   int
	conn net.Conn

	μ sync.Mutex
	w *bufio.Writer
}

// send writes one reply line to the user. Writes are serialized per user.
func (u *user) send(line string) error {
	u.μ.Lock()
	defer u.μ.Unlock()
	if _, err := u.w.WriteString(line); err != nil {
		return err
	}
	if err := u.w.WriteByte('\n'); err != nil {
		return err
	}
	return u.w.Flush()
}

// NewServer constructs a server from opts. It panics if the name or the
// dispatcher is unset.
func NewServer(opts ServerOptions) *Server {
	if opts.Name == "" {
		panic("hub: server name is required")
	}
	if opts.Dispatcher == nil {
		panic("hub: server dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		name:     opts.Name,
		version:  opts.Version,
		dispatch: opts.Dispatcher,
		log:      opts.Logger,
		tasks:    taskgroup.New(nil),
		users:    make(map[int]*user),
		nextID:   1,
	}
}

// Serve accepts connections from ln until ctx ends or Close is called.
// Serve does not return until every connection handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return errors.New("server is closed")
	}
	s.ln = ln
	s.μ.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.tasks.Wait()
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		u := s.addUser(conn)
		s.tasks.Go(func() error {
			defer s.dropUser(u)
			s.serveUser(ctx, u)
			return nil
		})
	}
}

// Close shuts down the listener and all user connections.
func (s *Server) Close() error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	users := make([]*user, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.μ.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, u := range users {
		u.conn.Close()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.closed
}

// NumUsers reports the number of connected users.
func (s *Server) NumUsers() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.users)
}

func (s *Server) addUser(conn net.Conn) *user {
	s.μ.Lock()
	u := &user{id: s.nextID, conn: conn, w: bufio.NewWriter(conn)}
	s.nextID++
	s.users[u.id] = u
	n := len(s.users)
	s.μ.Unlock()

	s.log.Info("user connected", "user", u.id, "addr", conn.RemoteAddr())

	// Tell the new user who they are, and everyone how many there are.
	u.send(FormatReply(u.id, 0, actorbus.CodeInfo, actorbus.Payload{
		actorbus.KV("yourUserID", int64(u.id)),
		actorbus.KV("version", s.version),
	}))
	s.broadcastLine(FormatReply(0, 0, actorbus.CodeInfo, actorbus.Payload{
		actorbus.KV("num_users", int64(n)),
	}))
	return u
}

func (s *Server) dropUser(u *user) {
	u.conn.Close()
	s.μ.Lock()
	_, present := s.users[u.id]
	delete(s.users, u.id)
	n := len(s.users)
	s.μ.Unlock()
	if !present {
		return
	}
	s.log.Info("user disconnected", "user", u.id)
	s.broadcastLine(FormatReply(0, 0, actorbus.CodeInfo, actorbus.Payload{
		actorbus.KV("num_users", int64(n)),
	}))
}

func (s *Server) broadcastLine(line string) {
	s.μ.Lock()
	users := make([]*user, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.μ.Unlock()
	for _, u := range users {
		if err := u.send(line); err != nil {
			s.log.Warn("broadcast write failed", "user", u.id, "err", err)
		}
	}
}

// serveUser reads command lines from u until the connection drops.
func (s *Server) serveUser(ctx context.Context, u *user) {
	sc := bufio.NewScanner(u.conn)
	for sc.Scan() {
		line := sc.Text()
		pc, err := ParseCommand(line)
		if err != nil {
			s.log.Warn("ignoring malformed command line", "user", u.id, "err", err)
			continue
		}
		cmd := actorbus.NewCommand(actorbus.CommandSpec{
			CommanderID: value.Cond(pc.Commander == "",
				fmt.Sprintf("%s.user%d", s.name, u.id), pc.Commander),
			CommandID:  strconv.FormatUint(uint64(pc.MID), 10),
			ConsumerID: s.name,
			Raw:        pc.Body,
			Writer:     &userWriter{srv: s, user: u, mid: pc.MID},
			Logger:     s.log,
		})
		s.tasks.Go(func() error {
			s.dispatch.Dispatch(ctx, cmd)
			return nil
		})
	}
	if err := sc.Err(); err != nil && !s.isClosed() {
		s.log.Warn("user read failed", "user", u.id, "err", err)
	}
}

// userWriter delivers command output back to the commanding user, or to
// every user for broadcasts.
type userWriter struct {
	srv  *Server
	user *user
	mid  uint32
}

func (w *userWriter) WriteReply(cmd *actorbus.Command, code actorbus.MessageCode, payload actorbus.Payload, broadcast bool) error {
	if cmd.Silent() {
		return nil
	}
	if broadcast {
		w.srv.broadcastLine(FormatReply(0, w.mid, code, payload))
		return nil
	}
	return w.user.send(FormatReply(w.user.id, w.mid, code, payload))
}
