// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package hub

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/observatron/actorbus"
)

// A CommandLine is a parsed legacy command: an optional hierarchical
// commander identity, a message id, and the command text.
type CommandLine struct {
	Commander string
	MID       uint32
	Body      string
}

// ParseCommand parses a command line of the form
//
//	[<commander_id>] <message_id> <command string...>
//
// The commander id is optional; a line whose first token is an unsigned
// integer is taken to start with the message id.
func ParseCommand(line string) (CommandLine, error) {
	rest := strings.TrimSpace(line)
	first, rest := nextToken(rest)
	if first == "" {
		return CommandLine{}, fmt.Errorf("empty command line")
	}
	var out CommandLine
	if mid, err := strconv.ParseUint(first, 10, 32); err == nil {
		out.MID = uint32(mid)
	} else {
		out.Commander = first
		var midTok string
		midTok, rest = nextToken(rest)
		mid, err := strconv.ParseUint(midTok, 10, 32)
		if err != nil {
			return CommandLine{}, fmt.Errorf("invalid message id %q", midTok)
		}
		out.MID = uint32(mid)
	}
	out.Body = strings.TrimSpace(rest)
	return out, nil
}

// FormatCommand renders a command line for the wire.
func FormatCommand(commander string, mid uint32, body string) string {
	if commander == "" {
		return fmt.Sprintf("%d %s", mid, body)
	}
	return fmt.Sprintf("%s %d %s", commander, mid, body)
}

// A ReplyLine is a parsed legacy reply as emitted to a directly connected
// user. User id 0 marks a broadcast.
type ReplyLine struct {
	UserID   int
	MID      uint32
	Code     actorbus.MessageCode
	Keywords actorbus.Payload
}

// Broadcast reports whether the reply is addressed to all users.
func (r ReplyLine) Broadcast() bool { return r.UserID == 0 }

// FormatReply renders a reply line of the form
//
//	<user_id> <message_id> <code> <key=value>; <key=value>; ...
func FormatReply(userID int, mid uint32, code actorbus.MessageCode, payload actorbus.Payload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %d %c", userID, mid, byte(code))
	if kws := formatKeywords(payload); kws != "" {
		sb.WriteByte(' ')
		sb.WriteString(kws)
	}
	return sb.String()
}

// ParseReply parses a reply line in the format produced by FormatReply.
// Keywords are decoded against kt; a keyword whose values do not match its
// declaration is logged and skipped, never fatal.
func ParseReply(line string, kt KeyTypes, log *slog.Logger) (ReplyLine, error) {
	rest := strings.TrimSpace(line)
	uidTok, rest := nextToken(rest)
	uid, err := strconv.Atoi(uidTok)
	if err != nil || uid < 0 {
		return ReplyLine{}, fmt.Errorf("invalid user id %q", uidTok)
	}
	midTok, rest := nextToken(rest)
	mid, err := strconv.ParseUint(midTok, 10, 32)
	if err != nil {
		return ReplyLine{}, fmt.Errorf("invalid message id %q", midTok)
	}
	codeTok, rest := nextToken(rest)
	code, err := actorbus.ParseMessageCode(codeTok)
	if err != nil {
		return ReplyLine{}, err
	}
	return ReplyLine{
		UserID:   uid,
		MID:      uint32(mid),
		Code:     code,
		Keywords: parseKeywords(rest, kt, log),
	}, nil
}

// A HubReply is a parsed reply from the central hub feed. Unlike the user
// format, hub replies name the actor that sent them.
type HubReply struct {
	Commander string
	MID       uint32
	Sender    string
	Code      actorbus.MessageCode
	Keywords  actorbus.Payload
}

// ParseHubReply parses a hub feed line of the form
//
//	<commander_id> <message_id> <sender> <code> <key=value>; ...
func ParseHubReply(line string, kt KeyTypes, log *slog.Logger) (HubReply, error) {
	rest := strings.TrimSpace(line)
	commander, rest := nextToken(rest)
	if commander == "" {
		return HubReply{}, fmt.Errorf("empty reply line")
	}
	midTok, rest := nextToken(rest)
	mid, err := strconv.ParseUint(midTok, 10, 32)
	if err != nil {
		return HubReply{}, fmt.Errorf("invalid message id %q", midTok)
	}
	sender, rest := nextToken(rest)
	if sender == "" {
		return HubReply{}, fmt.Errorf("missing sender")
	}
	codeTok, rest := nextToken(rest)
	code, err := actorbus.ParseMessageCode(codeTok)
	if err != nil {
		return HubReply{}, err
	}
	return HubReply{
		Commander: commander,
		MID:       uint32(mid),
		Sender:    sender,
		Code:      code,
		Keywords:  parseKeywords(rest, kt, log),
	}, nil
}

// FormatHubReply renders a hub feed line in the format read by
// ParseHubReply.
func FormatHubReply(commander string, mid uint32, sender string, code actorbus.MessageCode, payload actorbus.Payload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s %c", commander, mid, sender, byte(code))
	if kws := formatKeywords(payload); kws != "" {
		sb.WriteByte(' ')
		sb.WriteString(kws)
	}
	return sb.String()
}

// nextToken splits off the first whitespace-delimited token of s.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func formatKeywords(payload actorbus.Payload) string {
	parts := make([]string, 0, len(payload))
	for _, kw := range payload {
		if kw.Value == nil {
			parts = append(parts, kw.Name)
			continue
		}
		var vals []string
		switch v := kw.Value.(type) {
		case []any:
			for _, item := range v {
				vals = append(vals, formatValue(item))
			}
		default:
			vals = append(vals, formatValue(v))
		}
		parts = append(parts, kw.Name+"="+strings.Join(vals, ","))
	}
	return strings.Join(parts, "; ")
}

func formatValue(v any) string {
	var s string
	switch t := v.(type) {
	case bool:
		if t {
			return "T"
		}
		return "F"
	case string:
		s = t
	default:
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " \t;,\"=") {
		return strconv.Quote(s)
	}
	return s
}

// parseKeywords decodes the keyword section of a reply line. Keywords are
// separated by semicolons; values by commas. Values are typed against kt
// when the keyword is declared, and left as strings otherwise.
func parseKeywords(s string, kt KeyTypes, log *slog.Logger) actorbus.Payload {
	if log == nil {
		log = slog.Default()
	}
	var out actorbus.Payload
	for _, item := range splitQuoted(s, ';') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, raw, hasValue := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			log.Warn("skipping malformed keyword", "item", item)
			continue
		}
		if !hasValue {
			out = append(out, actorbus.Keyword{Name: name})
			continue
		}
		vals := splitQuoted(strings.TrimSpace(raw), ',')
		value, err := decodeValues(name, vals, kt)
		if err != nil {
			log.Warn("skipping undecodable keyword", "keyword", name, "err", err)
			continue
		}
		out = append(out, actorbus.Keyword{Name: name, Value: value})
	}
	return out
}

func decodeValues(name string, vals []string, kt KeyTypes) (any, error) {
	var types []ValueType
	if kt != nil {
		if ts, ok := kt.KeyTypes(name); ok {
			if len(ts) != len(vals) {
				return nil, fmt.Errorf("got %d values, want %d", len(vals), len(ts))
			}
			types = ts
		}
	}
	decoded := make([]any, len(vals))
	for i, raw := range vals {
		raw = strings.TrimSpace(raw)
		if strings.HasPrefix(raw, `"`) {
			uq, err := strconv.Unquote(raw)
			if err != nil {
				return nil, fmt.Errorf("bad quoting in %q", raw)
			}
			raw = uq
		}
		if types == nil {
			decoded[i] = raw
			continue
		}
		v, err := types[i].Parse(raw)
		if err != nil {
			return nil, err
		}
		decoded[i] = v
	}
	if len(decoded) == 1 {
		return decoded[0], nil
	}
	return decoded, nil
}

// splitQuoted splits s on sep, ignoring separators inside double-quoted
// sections. Quotes follow Go string-literal escaping.
func splitQuoted(s string, sep byte) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	var start int
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote && s[i] == '\\':
			i++ // skip the escaped byte
		case s[i] == '"':
			inQuote = !inQuote
		case s[i] == sep && !inQuote:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
