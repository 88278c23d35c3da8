package router

import (
	"context"
	"errors"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/recurrence"
	"wadispatch/internal/service"
)

func (r *Router) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "show help", Access: AccessEveryone, Handle: r.cmdHelp},
		{Name: "help", Description: "show help", Access: AccessEveryone, Handle: r.cmdHelp},
		{Name: "contacts", Description: "list contacts", Timeout: 15 * time.Second, Handle: r.cmdContacts},
		{Name: "groups", Description: "list groups and members", Timeout: 15 * time.Second, Handle: r.cmdGroups},
		{
			Name:        "send",
			Description: "send now or schedule",
			Usage:       "/send friend|group <id> [now|daily|weekly|monthly]",
			Handle:      r.cmdSend,
		},
		{Name: "status", Description: "show the recurring job", Timeout: 15 * time.Second, Handle: r.cmdStatus},
		{Name: "cancel", Description: "stop the recurring job", Timeout: 15 * time.Second, Handle: r.cmdCancel},
		{Name: "runs", Description: "recent runs", Timeout: 15 * time.Second, Handle: r.cmdRuns},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, helpHTML(r.Menu()))
	return nil
}

func (r *Router) cmdContacts(ctx context.Context, req *Request) error {
	cs, err := r.svc.Contacts(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, contactsHTML(cs))
	return nil
}

func (r *Router) cmdGroups(ctx context.Context, req *Request) error {
	gs, err := r.svc.Groups(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, groupsHTML(gs))
	return nil
}

// cmdSend has no timeout: an immediate run lasts as long as the recipient
// list. The final summary reaches owners through the dispatch.finished event.
func (r *Router) cmdSend(ctx context.Context, req *Request) error {
	sel, iv, err := parseSendArgs(req.Args)
	if err != nil {
		return err
	}
	if iv == domain.Immediate {
		r.reply(ctx, req.Chat, "⏳ sending to <code>"+escape(sel.String())+"</code>…")
	}
	res, err := r.svc.Schedule(ctx, sel, iv)
	switch {
	case errors.Is(err, service.ErrNotReady):
		return err
	case err != nil && (res == nil || res.Total == 0):
		return err
	case err != nil:
		// partial run; reported by the event watcher
		return nil
	}
	if iv != domain.Immediate {
		st, serr := r.svc.Status(ctx)
		if serr != nil {
			return serr
		}
		r.reply(ctx, req.Chat, "✅ scheduled\n"+statusHTML(st))
		return nil
	}
	if res != nil && res.Total == 0 {
		r.reply(ctx, req.Chat, "no valid contacts found to send")
	}
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	st, err := r.svc.Status(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, statusHTML(st))
	return nil
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	err := r.svc.Cancel()
	if errors.Is(err, recurrence.ErrNotScheduled) {
		r.reply(ctx, req.Chat, "nothing scheduled")
		return nil
	}
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, "🛑 recurring dispatch cancelled")
	return nil
}

func (r *Router) cmdRuns(ctx context.Context, req *Request) error {
	runs, err := r.svc.RecentRuns(ctx, 5)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, runsHTML(runs))
	return nil
}
