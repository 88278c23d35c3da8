package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrContactNotFound  = errors.New("contact not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrInvalidSelection = errors.New("invalid recipient selection")
)

// Contact is an address-book entry. Name must match the name the chat client
// shows for the conversation; Number is unique.
type Contact struct {
	ID     int64  `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Number string `json:"number" yaml:"number"`
}

type Group struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Recipient is a resolved (name, number) pair, the unit of one send.
type Recipient struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

func (r Recipient) String() string { return r.Name + " <" + r.Number + ">" }

type SelectionKind uint8

const (
	SelectContact SelectionKind = iota + 1
	SelectGroup
)

func (k SelectionKind) String() string {
	switch k {
	case SelectContact:
		return "friend"
	case SelectGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Selection is either a single contact id or a group id.
type Selection struct {
	kind SelectionKind
	id   int64
}

func ContactSelection(id int64) Selection { return Selection{kind: SelectContact, id: id} }
func GroupSelection(id int64) Selection   { return Selection{kind: SelectGroup, id: id} }

func (s Selection) Kind() SelectionKind { return s.kind }
func (s Selection) ID() int64           { return s.id }
func (s Selection) IsZero() bool        { return s.kind == 0 }

func (s Selection) String() string {
	if s.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s:%d", s.kind, s.id)
}

func (s Selection) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseSelection accepts "friend", "contact" or "group" as kind.
func ParseSelection(kind string, id int64) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "friend", "contact":
		return ContactSelection(id), nil
	case "group", "grp":
		return GroupSelection(id), nil
	default:
		return Selection{}, fmt.Errorf("%w: kind %q", ErrInvalidSelection, kind)
	}
}
