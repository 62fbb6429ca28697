// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

package actorbus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// A Keyword is a single name/value pair in a reply payload.
type Keyword struct {
	Name  string
	Value any
}

// KV constructs a keyword pair.
func KV(name string, value any) Keyword { return Keyword{Name: name, Value: value} }

// A Payload is an ordered sequence of keywords carried by a reply. Order is
// preserved from the wire: keyword models depend on it to map positional
// legacy values, and replies are re-emitted in the order they were produced.
type Payload []Keyword

// Text returns a payload with the single keyword "text".
func Text(s string) Payload { return Payload{{Name: "text", Value: s}} }

// ErrorPayload returns a payload with the single keyword "error".
func ErrorPayload(err error) Payload { return Payload{{Name: "error", Value: err.Error()}} }

// Get returns the value of the first keyword named name.
func (p Payload) Get(name string) (any, bool) {
	for _, kw := range p {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return nil, false
}

// Has reports whether p contains a keyword named name.
func (p Payload) Has(name string) bool { _, ok := p.Get(name); return ok }

// Set replaces the value of the keyword named name, or appends it if absent,
// and returns the updated payload.
func (p Payload) Set(name string, value any) Payload {
	for i, kw := range p {
		if kw.Name == name {
			p[i].Value = value
			return p
		}
	}
	return append(p, Keyword{Name: name, Value: value})
}

// MarshalJSON encodes p as a JSON object whose members appear in payload
// order. It implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kw := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(kw.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(kw.Value)
		if err != nil {
			return nil, fmt.Errorf("keyword %q: %w", kw.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into p, preserving the order of its
// members. It implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payload must be a JSON object, got %v", tok)
	}
	out := (*p)[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("invalid payload key %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("keyword %q: %w", name, err)
		}
		out = append(out, Keyword{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
