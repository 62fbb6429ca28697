// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/observatron/actorbus"
)

func BenchmarkRoute(b *testing.B) {
	tab := actorbus.NewTable(&actorbus.TableOptions{
		SweepInterval: time.Minute,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer tab.Stop()

	payload := actorbus.Payload{actorbus.KV("fwhm", 1.2)}
	b.Run("Lifecycle", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			cmd := actorbus.NewCommand(actorbus.CommandSpec{
				CommanderID: "bench",
				CommandID:   fmt.Sprint(i),
				ConsumerID:  "guider",
				Raw:         "status",
			})
			key, err := tab.Register(cmd)
			if err != nil {
				b.Fatal(err)
			}
			tab.Route(key, actorbus.CodeRunning, nil, "guider")
			tab.Route(key, actorbus.CodeInfo, payload, "guider")
			tab.Route(key, actorbus.CodeDone, nil, "guider")
		}
	})
	b.Run("DropUnknown", func(b *testing.B) {
		key := actorbus.CommandKey{Commander: "nobody", ID: "0"}
		for i := 0; i < b.N; i++ {
			tab.Route(key, actorbus.CodeInfo, payload, "guider")
		}
	})
}
