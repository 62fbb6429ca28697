// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package hub_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/observatron/actorbus"
	"github.com/observatron/actorbus/hub"
)

var testTypes = hub.TypeMap{
	"coords":  {hub.Float, hub.Float},
	"expTime": {hub.Int},
	"track":   {hub.Bool},
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want hub.CommandLine
	}{
		{"12 expose 30", hub.CommandLine{MID: 12, Body: "expose 30"}},
		{"tcc.tron 7 slew 10 20", hub.CommandLine{Commander: "tcc.tron", MID: 7, Body: "slew 10 20"}},
		{"  99   ping  ", hub.CommandLine{MID: 99, Body: "ping"}},
		{"alice 0 status", hub.CommandLine{Commander: "alice", MID: 0, Body: "status"}},
	}
	for _, test := range tests {
		got, err := hub.ParseCommand(test.line)
		if err != nil {
			t.Errorf("ParseCommand(%q): unexpected error: %v", test.line, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("ParseCommand(%q) (-want, +got):\n%s", test.line, diff)
		}
	}

	for _, bad := range []string{"", "   ", "alice notanumber ping"} {
		if got, err := hub.ParseCommand(bad); err == nil {
			t.Errorf("ParseCommand(%q): got %+v, want error", bad, got)
		}
	}
}

func TestFormatCommand(t *testing.T) {
	if got := hub.FormatCommand("", 5, "ping"); got != "5 ping" {
		t.Errorf("FormatCommand: got %q, want %q", got, "5 ping")
	}
	if got := hub.FormatCommand("tcc", 5, "ping"); got != "tcc 5 ping" {
		t.Errorf("FormatCommand: got %q, want %q", got, "tcc 5 ping")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	payload := actorbus.Payload{
		actorbus.KV("expTime", int64(30)),
		actorbus.KV("note", "dome open; wind calm"),
		actorbus.KV("track", true),
		actorbus.KV("binned", nil), // bare keyword
	}
	line := hub.FormatReply(3, 17, actorbus.CodeInfo, payload)
	want := `3 17 i expTime=30; note="dome open; wind calm"; track=T; binned`
	if line != want {
		t.Errorf("FormatReply:\n got %q\nwant %q", line, want)
	}

	got, err := hub.ParseReply(line, testTypes, nil)
	if err != nil {
		t.Fatalf("ParseReply: unexpected error: %v", err)
	}
	if got.UserID != 3 || got.MID != 17 || got.Code != actorbus.CodeInfo {
		t.Errorf("ParseReply header: got %+v", got)
	}
	if got.Broadcast() {
		t.Error("Broadcast: got true, want false")
	}
	if diff := cmp.Diff(payload, got.Keywords); diff != "" {
		t.Errorf("Keywords (-want, +got):\n%s", diff)
	}
}

func TestBroadcastReply(t *testing.T) {
	line := hub.FormatReply(0, 0, actorbus.CodeWarning, actorbus.Text("closing for weather"))
	got, err := hub.ParseReply(line, nil, nil)
	if err != nil {
		t.Fatalf("ParseReply: unexpected error: %v", err)
	}
	if !got.Broadcast() {
		t.Error("Broadcast: got false, want true")
	}
	if v, _ := got.Keywords.Get("text"); v != "closing for weather" {
		t.Errorf("text keyword: got %v", v)
	}
}

func TestTypedDecode(t *testing.T) {
	got, err := hub.ParseReply(`1 2 i coords=10.5,-3.25; expTime=30; track=F`, testTypes, nil)
	if err != nil {
		t.Fatalf("ParseReply: unexpected error: %v", err)
	}
	want := actorbus.Payload{
		actorbus.KV("coords", []any{10.5, -3.25}),
		actorbus.KV("expTime", int64(30)),
		actorbus.KV("track", false),
	}
	if diff := cmp.Diff(want, got.Keywords); diff != "" {
		t.Errorf("Keywords (-want, +got):\n%s", diff)
	}
}

func TestUndecodableKeywordSkipped(t *testing.T) {
	// expTime declares one int; a bad value drops that keyword only.
	got, err := hub.ParseReply(`1 2 i expTime=soon; track=T`, testTypes, nil)
	if err != nil {
		t.Fatalf("ParseReply: unexpected error: %v", err)
	}
	want := actorbus.Payload{actorbus.KV("track", true)}
	if diff := cmp.Diff(want, got.Keywords); diff != "" {
		t.Errorf("Keywords (-want, +got):\n%s", diff)
	}
}

func TestHubReplyRoundTrip(t *testing.T) {
	payload := actorbus.Payload{actorbus.KV("fwhm", "1.2")}
	line := hub.FormatHubReply("tcc.tron", 42, "guider", actorbus.CodeDone, payload)
	got, err := hub.ParseHubReply(line, nil, nil)
	if err != nil {
		t.Fatalf("ParseHubReply: unexpected error: %v", err)
	}
	want := hub.HubReply{
		Commander: "tcc.tron",
		MID:       42,
		Sender:    "guider",
		Code:      actorbus.CodeDone,
		Keywords:  payload,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseHubReply (-want, +got):\n%s", diff)
	}

	for _, bad := range []string{"", "tcc notanum guider i", "tcc 1 guider q text"} {
		if got, err := hub.ParseHubReply(bad, nil, nil); err == nil {
			t.Errorf("ParseHubReply(%q): got %+v, want error", bad, got)
		}
	}
}
