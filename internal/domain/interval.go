package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownInterval = errors.New("unknown interval")

type Interval uint8

const (
	Immediate Interval = iota
	Daily
	Weekly
	Monthly
)

func (i Interval) String() string {
	switch i {
	case Immediate:
		return "now"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return fmt.Sprintf("interval(%d)", uint8(i))
	}
}

// Recurring reports whether the interval registers a background trigger.
func (i Interval) Recurring() bool { return i == Daily || i == Weekly || i == Monthly }

func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "now", "immediate", "once":
		return Immediate, nil
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownInterval, s)
}

func (i Interval) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Interval) UnmarshalText(b []byte) error {
	v, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
