package eligibility

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies one kind of automatic notification.
type MessageType string

const (
	ThirtyMinute MessageType = "thirty_minute"
	EndOfDay     MessageType = "end_of_day"
)

// AllTypes lists every message type in dispatch priority order.
var AllTypes = []MessageType{EndOfDay, ThirtyMinute}

// ParseMessageType validates a stored or user-supplied type name.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case ThirtyMinute:
		return ThirtyMinute, nil
	case EndOfDay:
		return EndOfDay, nil
	default:
		return "", fmt.Errorf("eligibility: unknown message type %q", s)
	}
}

func (t MessageType) bit() Set {
	switch t {
	case ThirtyMinute:
		return 1 << 0
	case EndOfDay:
		return 1 << 1
	default:
		return 0
	}
}

// Set is a small set of message types.
type Set uint8

// NewSet builds a set from types. Unknown types are ignored.
func NewSet(types ...MessageType) Set {
	var s Set
	for _, t := range types {
		s = s.Add(t)
	}
	return s
}

// Add returns s with t included.
func (s Set) Add(t MessageType) Set { return s | t.bit() }

// Has reports whether t is in s.
func (s Set) Has(t MessageType) bool { return t.bit() != 0 && s&t.bit() != 0 }

// Empty reports whether s has no members.
func (s Set) Empty() bool { return s == 0 }

// Ordered returns the members with EndOfDay first, the order reservations
// are taken in.
func (s Set) Ordered() []MessageType {
	out := make([]MessageType, 0, 2)
	for _, t := range AllTypes {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Strings returns the member names in dispatch order.
func (s Set) Strings() []string {
	ordered := s.Ordered()
	out := make([]string, len(ordered))
	for i, t := range ordered {
		out[i] = string(t)
	}
	return out
}

func (s Set) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

// SetFromStrings parses stored names, skipping unknown ones.
func SetFromStrings(names []string) Set {
	var s Set
	for _, n := range names {
		if t, err := ParseMessageType(n); err == nil {
			s = s.Add(t)
		}
	}
	return s
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = SetFromStrings(names)
	return nil
}
