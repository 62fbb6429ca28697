// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Program actorbus is a command-line utility for poking at actors on the
// message bus: sending commands, watching reply traffic, and running a
// small demonstration actor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/bus"
	"github.com/observatron/actorbus/dispatch"
)

const demoVersion = "0.1.0"

var busFlags struct {
	URL  string `flag:"url,default=nats://127.0.0.1:4222,NATS server URL"`
	Name string `flag:"name,default=actorbus.cli,Identity to use on the bus"`
}

var sendFlags struct {
	Timeout time.Duration `flag:"timeout,default=30s,Give up if the command has not completed after this long"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with actors on the message bus.",

		SetFlags: command.Flags(flax.MustBind, &busFlags),
		Commands: []*command.C{
			{
				Name:     "send",
				Usage:    "<actor> <command>...",
				Help:     "Send a command to an actor and stream its replies.",
				SetFlags: command.Flags(flax.MustBind, &sendFlags),
				Run:      command.Adapt(runSend),
			},
			{
				Name: "listen",
				Help: "Print all reply and keyword traffic visible on the bus.",
				Run:  command.Adapt(runListen),
			},
			{
				Name:  "demo",
				Usage: "<name>",
				Help:  "Run a demonstration actor answering ping, version, and status.",
				Run:   command.Adapt(runDemo),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runSend(env *command.Env, target string, words ...string) error {
	raw := strings.Join(words, " ")
	client, err := bus.NewClient(bus.ClientOptions{
		URL:  busFlags.URL,
		Name: busFlags.Name,
		Tap: func(sender string, code actorbus.MessageCode, payload actorbus.Payload, broadcast bool) {
			if sender == target {
				printReply(sender, code, payload, broadcast)
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	cmd, err := client.SendCommand(target, raw)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), sendFlags.Timeout)
	defer cancel()
	status, err := cmd.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for %q: %w", raw, err)
	}
	fmt.Printf("-- %s\n", status)
	if status.DidFail() {
		return cmd.Err()
	}
	return nil
}

func runListen(env *command.Env) error {
	client, err := bus.NewClient(bus.ClientOptions{
		URL:  busFlags.URL,
		Name: busFlags.Name,
		Tap:  printReply,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	fmt.Fprintln(os.Stderr, "listening; interrupt to stop")
	<-ctx.Done()
	return nil
}

func runDemo(env *command.Env, name string) error {
	start := time.Now()
	reg := dispatch.NewRegistry(nil)
	reg.Register("ping", func(_ context.Context, cmd *actorbus.Command, _ []string) error {
		cmd.Info(actorbus.KV("text", "pong"))
		return nil
	})
	reg.Register("version", func(_ context.Context, cmd *actorbus.Command, _ []string) error {
		cmd.Info(actorbus.KV("version", demoVersion))
		return nil
	})
	reg.Register("status", func(_ context.Context, cmd *actorbus.Command, _ []string) error {
		cmd.Info(
			actorbus.KV("name", name),
			actorbus.KV("uptime", time.Since(start).Round(time.Second).String()),
		)
		return nil
	})

	actor, err := bus.NewActor(bus.ActorOptions{
		URL:        busFlags.URL,
		Name:       name,
		Dispatcher: reg,
	})
	if err != nil {
		return err
	}
	defer actor.Stop()

	if err := actor.PublishKeywords(actorbus.Payload{
		actorbus.KV("text", name+" is alive"),
	}); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	fmt.Fprintf(os.Stderr, "actor %q running; interrupt to stop\n", name)
	<-ctx.Done()
	return nil
}

func printReply(sender string, code actorbus.MessageCode, payload actorbus.Payload, broadcast bool) {
	tag := ""
	if broadcast {
		tag = " *"
	}
	kws, err := json.Marshal(payload)
	if err != nil {
		kws = []byte("{}")
	}
	fmt.Printf("%s %s%s %s\n", sender, code, tag, kws)
}
