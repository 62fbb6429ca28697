// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Package bus implements the topic-exchange transport binding over NATS.
//
// Commands are published to the subject "command.<actor>" and consumed by
// a queue group shared by the actor's instances. Replies addressed to a
// commander are published to "reply.<commander>", and broadcasts to
// "reply.broadcast", which every participant subscribes to. Correlation
// identities travel in message headers; bodies are JSON.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/observatron/actorbus"
)

// Header names of the wire contract.
const (
	hdrCommandID   = "command_id"
	hdrCommanderID = "commander_id"
	hdrSender      = "sender"
	hdrMessageCode = "message_code"
	hdrContentType = "content-type"

	contentTypeJSON = "application/json"
)

// broadcastSubject receives replies addressed to everyone.
const broadcastSubject = "reply.broadcast"

func commandSubject(actor string) string { return "command." + actor }
func replySubject(commander string) string { return "reply." + commander }
func commandQueue(actor string) string { return actor + "_commands" }
func replyQueue(commander string) string { return commander + "_replies" }

// commandBody is the JSON body of a command message.
type commandBody struct {
	CommandString string `json:"command_string"`
}

func encodeCommand(raw string) ([]byte, error) {
	return json.Marshal(commandBody{CommandString: raw})
}

func decodeCommand(data []byte) (string, error) {
	var body commandBody
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("decoding command body: %w", err)
	}
	return body.CommandString, nil
}

// decodeReply extracts the correlation headers and payload of a reply
// message.
func decodeReply(m *nats.Msg) (sender string, key actorbus.CommandKey, code actorbus.MessageCode, payload actorbus.Payload, err error) {
	sender = m.Header.Get(hdrSender)
	if sender == "" {
		return "", key, 0, nil, fmt.Errorf("reply without sender header")
	}
	code, err = actorbus.ParseMessageCode(m.Header.Get(hdrMessageCode))
	if err != nil {
		return "", key, 0, nil, err
	}
	key = actorbus.CommandKey{
		Commander: m.Header.Get(hdrCommanderID),
		ID:        m.Header.Get(hdrCommandID),
	}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			return "", key, 0, nil, fmt.Errorf("decoding reply payload: %w", err)
		}
	}
	return sender, key, code, payload, nil
}
