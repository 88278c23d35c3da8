package dispatch

import (
	"fmt"
	"time"

	"wadispatch/internal/domain"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Item struct {
	Recipient domain.Recipient `json:"recipient"`
	Status    Status           `json:"status"`
	Reason    string           `json:"reason,omitempty"`
}

// Result aggregates one run. Total always equals Sent+Skipped+Failed.
type Result struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Total    int       `json:"total"`
	Sent     int       `json:"sent"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Items    []Item    `json:"items,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (r *Result) add(rc domain.Recipient, st Status, reason string) {
	r.Items = append(r.Items, Item{Recipient: rc, Status: st, Reason: reason})
	r.Total++
	switch st {
	case StatusSent:
		r.Sent++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

// Attempted reports whether any recipient got past message selection.
func (r Result) Attempted() bool {
	for _, it := range r.Items {
		if it.Status == StatusSent || it.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (r Result) Summary() string {
	s := fmt.Sprintf("sent %d/%d, skipped %d, failed %d", r.Sent, r.Total, r.Skipped, r.Failed)
	if !r.Started.IsZero() && !r.Finished.IsZero() {
		s += " in " + r.Finished.Sub(r.Started).Round(time.Second).String()
	}
	if r.Error != "" {
		s += " (" + r.Error + ")"
	}
	return s
}
