// Copyright (C) 2026 The Observatron Authors. All Rights Reserved.

// Package hub implements the legacy ASCII line protocol: a TCP server for
// directly connected users, a reconnecting client for the central message
// hub, and the line codec shared between them.
package hub

import (
	"fmt"
	"strconv"
)

// A ValueType gives the declared type of one positional value of a keyword
// on the legacy wire, where all values travel as text.
type ValueType int

const (
	String ValueType = iota
	Int
	Float
	Bool
)

func (t ValueType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("valuetype %d", int(t))
	}
}

// Parse converts the wire text of a value to its typed representation.
func (t ValueType) Parse(s string) (any, error) {
	switch t {
	case String:
		return s, nil
	case Int:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", s)
		}
		return v, nil
	case Float:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", s)
		}
		return v, nil
	case Bool:
		switch s {
		case "T", "t", "true", "True", "1":
			return true, nil
		case "F", "f", "false", "False", "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool %q", s)
	default:
		return nil, fmt.Errorf("unknown value type %v", t)
	}
}

// A KeyTypes provides the declared value types of keywords, keyed by
// keyword name. Keywords without a declaration are decoded as strings.
type KeyTypes interface {
	KeyTypes(name string) ([]ValueType, bool)
}

// A TypeMap is a static KeyTypes backed by a map.
type TypeMap map[string][]ValueType

// KeyTypes implements the KeyTypes interface.
func (m TypeMap) KeyTypes(name string) ([]ValueType, bool) {
	ts, ok := m[name]
	return ts, ok
}
