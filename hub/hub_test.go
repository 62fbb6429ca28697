// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package hub_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/hub"
	"github.com/observatron/actorbus/model"
)

// echoDispatcher finishes every command with an echo of its text.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, cmd *actorbus.Command) error {
	cmd.Running()
	cmd.Finish(actorbus.KV("echo", cmd.Raw()))
	return nil
}

func TestServerOptions(t *testing.T) {
	mtest.MustPanic(t, func() { hub.NewServer(hub.ServerOptions{Dispatcher: echoDispatcher{}}) })
	mtest.MustPanic(t, func() { hub.NewServer(hub.ServerOptions{Name: "x"}) })
	mtest.MustPanic(t, func() { hub.NewClient(hub.ClientOptions{Name: "x"}) })
}

// readReplies scans lines from r until a terminal code or deadline, parsed
// with types.
func readReplies(t *testing.T, sc *bufio.Scanner, stopAt actorbus.MessageCode) []hub.ReplyLine {
	t.Helper()
	var out []hub.ReplyLine
	for sc.Scan() {
		reply, err := hub.ParseReply(sc.Text(), nil, nil)
		if err != nil {
			t.Fatalf("ParseReply(%q): %v", sc.Text(), err)
		}
		out = append(out, reply)
		if reply.Code == stopAt {
			return out
		}
	}
	t.Fatalf("Connection ended before code %v (got %d replies)", stopAt, len(out))
	return nil
}

func TestServer(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := hub.NewServer(hub.ServerOptions{
		Name:       "guider",
		Version:    "1.0",
		Dispatcher: echoDispatcher{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	serve := taskgroup.Go(func() error { return srv.Serve(ctx, ln) })
	defer func() {
		cancel()
		srv.Close()
		if err := serve.Wait(); err != nil {
			t.Errorf("Serve: unexpected error: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	sc := bufio.NewScanner(conn)

	// The greeting tells the new user its id and the server version.
	greeting := readReplies(t, sc, actorbus.CodeInfo)[0]
	if v, _ := greeting.Keywords.Get("yourUserID"); v != "1" {
		t.Errorf("yourUserID: got %v, want 1", v)
	}
	if v, _ := greeting.Keywords.Get("version"); v != "1.0" {
		t.Errorf("version: got %v, want 1.0", v)
	}

	fmt.Fprintln(conn, "5 expose 30")
	var got []hub.ReplyLine
	for _, r := range readReplies(t, sc, actorbus.CodeDone) {
		if r.MID == 5 { // skip the num_users broadcast
			got = append(got, r)
		}
	}
	if len(got) != 2 || got[0].Code != actorbus.CodeRunning {
		t.Fatalf("Replies: got %+v, want running echo then done", got)
	}
	final := got[1]
	if final.UserID != 1 {
		t.Errorf("Reply user id: got %d, want 1", final.UserID)
	}
	if v, _ := final.Keywords.Get("echo"); v != "expose 30" {
		t.Errorf("echo keyword: got %v, want %q", v, "expose 30")
	}

	// A malformed line is ignored, the connection stays up.
	fmt.Fprintln(conn, "bogus nonnumeric line")
	fmt.Fprintln(conn, "6 ping")
	for _, r := range readReplies(t, sc, actorbus.CodeDone) {
		if r.Code == actorbus.CodeDone && r.MID != 6 {
			t.Errorf("Done reply for mid %d, want 6", r.MID)
		}
	}
}

// fakeHub accepts one connection at a time and lets the test script the
// feed.
type fakeHub struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h := &fakeHub{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(h.conns)
				return
			}
			h.conns <- conn
		}
	}()
	return h
}

func (h *fakeHub) close() { h.ln.Close() }

func (h *fakeHub) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for a hub connection")
		return nil
	}
}

func TestClient(t *testing.T) {
	defer leaktest.Check(t)()

	fake := newFakeHub(t)
	defer fake.close()
	table := actorbus.NewTable(&actorbus.TableOptions{SweepInterval: 10 * time.Millisecond})
	defer table.Stop()
	models := model.NewRegistry(&model.RegistryOptions{TrackAll: true})

	client := hub.NewClient(hub.ClientOptions{
		Addr:   fake.ln.Addr().String(),
		Name:   "tcc",
		Table:  table,
		Models: models,
	})
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	defer func() {
		cancel()
		client.Wait()
	}()

	conn := fake.accept(t)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	sc := bufio.NewScanner(conn)

	// The handshake registers the client before anything else.
	if !sc.Scan() {
		t.Fatalf("Reading handshake: %v", sc.Err())
	}
	if got := sc.Text(); !strings.HasPrefix(got, "tcc 0 startNubs") {
		t.Errorf("Handshake: got %q, want a startNubs line", got)
	}

	cmd := actorbus.NewCommand(actorbus.CommandSpec{
		CommanderID: "tcc.cmd",
		CommandID:   "abc-1",
		ConsumerID:  "guider",
		Raw:         "expose 30",
	})
	if err := client.Send(cmd); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if !sc.Scan() {
		t.Fatalf("Reading command: %v", sc.Err())
	}
	sent, err := hub.ParseCommand(sc.Text())
	if err != nil {
		t.Fatalf("ParseCommand(%q): %v", sc.Text(), err)
	}
	if sent.Commander != "tcc" || sent.Body != "guider expose 30" {
		t.Errorf("Sent command: got %+v", sent)
	}

	// Feed back a reply stream; mid translation must recover our command.
	fmt.Fprintln(conn, hub.FormatHubReply("tcc", sent.MID, "guider", actorbus.CodeRunning, nil))
	fmt.Fprintln(conn, hub.FormatHubReply("other.actor", 99, "weather", actorbus.CodeInfo,
		actorbus.Payload{actorbus.KV("wind", "12")}))
	fmt.Fprintln(conn, hub.FormatHubReply("tcc", sent.MID, "guider", actorbus.CodeDone,
		actorbus.Payload{actorbus.KV("expTime", "30")}))

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	status, err := cmd.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != actorbus.Done {
		t.Errorf("Status: got %v, want %v", status, actorbus.Done)
	}

	// Keyword traffic landed in the models regardless of addressing.
	deadline := time.Now().Add(5 * time.Second)
	for models.Model("weather") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m := models.Model("weather"); m == nil {
		t.Error("No model for weather traffic")
	} else if v, _ := m.Get("wind"); v.Value != "12" {
		t.Errorf("wind keyword: got %v, want 12", v.Value)
	}
}

func TestClientConnectionLost(t *testing.T) {
	defer leaktest.Check(t)()

	fake := newFakeHub(t)
	defer fake.close()
	table := actorbus.NewTable(&actorbus.TableOptions{SweepInterval: 10 * time.Millisecond})
	defer table.Stop()

	client := hub.NewClient(hub.ClientOptions{
		Addr:  fake.ln.Addr().String(),
		Name:  "tcc",
		Table: table,
	})
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	defer func() {
		cancel()
		client.Wait()
	}()

	conn := fake.accept(t)
	drain := taskgroup.Go(func() error {
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
		}
		return nil
	})
	for deadline := time.Now().Add(10 * time.Second); !client.Connected(); {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the client to connect")
		}
		time.Sleep(time.Millisecond)
	}

	var cmds []*actorbus.Command
	for i := range 3 {
		cmd := actorbus.NewCommand(actorbus.CommandSpec{
			CommanderID: "tcc.cmd",
			CommandID:   fmt.Sprintf("k%d", i),
			ConsumerID:  "guider",
			Raw:         "status",
		})
		if err := client.Send(cmd); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		cmds = append(cmds, cmd)
	}

	// Dropping the connection must fail everything in flight.
	conn.Close()
	drain.Wait()
	for i, cmd := range cmds {
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := cmd.Wait(wctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		wcancel()
		if !errors.Is(cmd.Err(), actorbus.ErrConnectionLost) {
			t.Errorf("Command %d Err: got %v, want %v", i, cmd.Err(), actorbus.ErrConnectionLost)
		}
	}

	// The client reconnects on its own and can send again.
	conn2 := fake.accept(t)
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(10 * time.Second))
	sc := bufio.NewScanner(conn2)
	if !sc.Scan() || !strings.HasPrefix(sc.Text(), "tcc 0 startNubs") {
		t.Fatalf("Reconnect handshake: got %q, err %v", sc.Text(), sc.Err())
	}

	fresh := actorbus.NewCommand(actorbus.CommandSpec{
		CommanderID: "tcc.cmd",
		CommandID:   "after-reconnect",
		ConsumerID:  "guider",
		Raw:         "status",
	})
	if err := client.Send(fresh); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if !sc.Scan() {
		t.Fatalf("Reading command: %v", sc.Err())
	}
	sent, err := hub.ParseCommand(sc.Text())
	if err != nil {
		t.Fatalf("ParseCommand(%q): %v", sc.Text(), err)
	}
	fmt.Fprintln(conn2, hub.FormatHubReply("tcc", sent.MID, "guider", actorbus.CodeDone, nil))
	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	if status, err := fresh.Wait(wctx); err != nil || status != actorbus.Done {
		t.Errorf("Command after reconnect: got %v, %v; want DONE", status, err)
	}
}
