// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package bus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/bus"
	"github.com/observatron/actorbus/dispatch"
	"github.com/observatron/actorbus/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBroker runs an embedded NATS server on a random port.
func startBroker(t *testing.T) string {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err, "creating embedded server")
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "server not ready")
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv.ClientURL()
}

func newDemoActor(t *testing.T, url, name string, v actorbus.Validator) *bus.Actor {
	t.Helper()
	reg := dispatch.NewRegistry(nil)
	reg.Register("expose", func(_ context.Context, cmd *actorbus.Command, args []string) error {
		cmd.Info(actorbus.KV("state", "integrating"))
		if len(args) == 0 {
			return fmt.Errorf("missing exposure time")
		}
		cmd.Finish(actorbus.KV("expTime", args[0]))
		return nil
	})
	reg.Register("report", func(_ context.Context, cmd *actorbus.Command, _ []string) error {
		cmd.Info(actorbus.KV("bad", "value"))
		cmd.Finish(actorbus.KV("fwhm", "1.2"))
		return nil
	})
	actor, err := bus.NewActor(bus.ActorOptions{
		URL:        url,
		Name:       name,
		Dispatcher: reg,
		Validator:  v,
	})
	require.NoError(t, err, "starting actor %q", name)
	t.Cleanup(actor.Stop)
	return actor
}

func TestCommandRoundTrip(t *testing.T) {
	url := startBroker(t)
	newDemoActor(t, url, "guider", nil)

	models := model.NewRegistry(nil)
	models.Track("guider", []string{"state", "expTime"})
	client, err := bus.NewClient(bus.ClientOptions{URL: url, Name: "tcc", Models: models})
	require.NoError(t, err, "starting client")
	t.Cleanup(client.Close)

	cmd, err := client.SendCommand("guider", "expose 30")
	require.NoError(t, err, "sending command")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := cmd.Wait(ctx)
	require.NoError(t, err, "waiting for completion")
	assert.Equal(t, actorbus.Done, status)
	assert.NoError(t, cmd.Err())

	replies := cmd.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, actorbus.CodeRunning, replies[0].Code)
	assert.Equal(t, actorbus.CodeInfo, replies[1].Code)
	assert.Equal(t, actorbus.CodeDone, replies[2].Code)
	assert.Equal(t, "guider", replies[2].Sender)
	v, ok := replies[2].Payload.Get("expTime")
	assert.True(t, ok)
	assert.Equal(t, "30", v)

	// The reply stream fed the tracked model on the way through.
	m := models.Model("guider")
	require.NotNil(t, m, "no model for guider")
	state, ok := m.Get("state")
	assert.True(t, ok)
	assert.Equal(t, "integrating", state.Value)
	assert.True(t, state.InSchema)
}

func TestCommandFailure(t *testing.T) {
	url := startBroker(t)
	newDemoActor(t, url, "guider", nil)

	client, err := bus.NewClient(bus.ClientOptions{URL: url, Name: "tcc"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	for _, raw := range []string{"expose", "nonesuch 1 2"} {
		cmd, err := client.SendCommand("guider", raw)
		require.NoError(t, err, "sending %q", raw)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		status, err := cmd.Wait(ctx)
		cancel()
		require.NoError(t, err, "waiting for %q", raw)
		assert.Equal(t, actorbus.Failed, status, "command %q", raw)
		assert.Error(t, cmd.Err(), "command %q", raw)
	}
}

// rejectKeyword fails validation for payloads carrying the named keyword.
type rejectKeyword string

func (r rejectKeyword) Validate(_ string, payload actorbus.Payload) error {
	if payload.Has(string(r)) {
		return fmt.Errorf("keyword %q is not in the schema", string(r))
	}
	return nil
}

func TestValidationDegrades(t *testing.T) {
	url := startBroker(t)
	newDemoActor(t, url, "guider", rejectKeyword("bad"))

	client, err := bus.NewClient(bus.ClientOptions{URL: url, Name: "tcc"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cmd, err := client.SendCommand("guider", "report")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := cmd.Wait(ctx)
	require.NoError(t, err)

	// Validation never terminates the command.
	assert.Equal(t, actorbus.Done, status)

	replies := cmd.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, actorbus.CodeWarning, replies[1].Code, "invalid info reply degrades to a warning")
	_, hasErr := replies[1].Payload.Get("error")
	assert.True(t, hasErr, "degraded reply carries the validation error")
	assert.Equal(t, actorbus.CodeDone, replies[2].Code, "valid terminal reply is untouched")
	_, hasErr = replies[2].Payload.Get("error")
	assert.False(t, hasErr)
}

func TestBroadcastKeywords(t *testing.T) {
	url := startBroker(t)
	actor := newDemoActor(t, url, "weather", nil)

	models := model.NewRegistry(&model.RegistryOptions{TrackAll: true})
	var mu sync.Mutex
	var taps []string
	client, err := bus.NewClient(bus.ClientOptions{
		URL:    url,
		Name:   "tcc",
		Models: models,
		Tap: func(sender string, code actorbus.MessageCode, _ actorbus.Payload, broadcast bool) {
			mu.Lock()
			defer mu.Unlock()
			taps = append(taps, fmt.Sprintf("%s/%s/%v", sender, code, broadcast))
		},
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, actor.PublishKeywords(actorbus.Payload{
		actorbus.KV("windSpeed", "12.5"),
	}))

	require.Eventually(t, func() bool {
		m := models.Model("weather")
		if m == nil {
			return false
		}
		p, ok := m.Get("windSpeed")
		return ok && p.Value == "12.5"
	}, 10*time.Second, 10*time.Millisecond, "broadcast keywords never reached the models")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, taps, "weather/info/true")
}
