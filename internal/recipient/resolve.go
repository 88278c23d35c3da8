// Package recipient turns a recipient selection into the ordered list of
// (name, number) pairs a dispatch run sends to.
package recipient

import (
	"context"
	"fmt"

	"wadispatch/internal/domain"
)

// Source is the read-only slice of the store resolution needs.
type Source interface {
	ListContacts(ctx context.Context) ([]domain.Contact, error)
	ListGroups(ctx context.Context) ([]domain.Group, map[int64][]string, error)
}

type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver { return &Resolver{src: src} }

// Resolve expands sel against a fresh snapshot of the store.
//
// A contact id that is not in the snapshot fails with
// domain.ErrContactNotFound. For a group, member numbers are mapped back to
// names through the full contact set in member order; numbers with no
// matching contact are dropped.
func (r *Resolver) Resolve(ctx context.Context, sel domain.Selection) ([]domain.Recipient, error) {
	switch sel.Kind() {
	case domain.SelectContact:
		contacts, err := r.src.ListContacts(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			if c.ID == sel.ID() {
				return []domain.Recipient{{Name: c.Name, Number: c.Number}}, nil
			}
		}
		return nil, fmt.Errorf("%w: id %d", domain.ErrContactNotFound, sel.ID())

	case domain.SelectGroup:
		groups, members, err := r.src.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		known := false
		for _, g := range groups {
			if g.ID == sel.ID() {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: id %d", domain.ErrGroupNotFound, sel.ID())
		}
		contacts, err := r.src.ListContacts(ctx)
		if err != nil {
			return nil, err
		}
		names := make(map[string]string, len(contacts))
		for _, c := range contacts {
			names[c.Number] = c.Name
		}
		numbers := members[sel.ID()]
		out := make([]domain.Recipient, 0, len(numbers))
		for _, n := range numbers {
			name, ok := names[n]
			if !ok {
				continue
			}
			out = append(out, domain.Recipient{Name: name, Number: n})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidSelection, sel)
	}
}
