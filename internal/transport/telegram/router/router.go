// Package router is the Telegram operator console: it parses owner
// commands, runs them on a small worker pool and forwards run summaries and
// log lines back to the owners.
package router

import (
	"context"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	rtsup "wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/service"
	"wadispatch/internal/storage"
	kit "wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// Service is what the console drives. *service.Service implements it.
type Service interface {
	Schedule(ctx context.Context, sel domain.Selection, iv domain.Interval) (*dispatch.Result, error)
	Cancel() error
	Status(ctx context.Context) (service.Status, error)
	Contacts(ctx context.Context) ([]domain.Contact, error)
	Groups(ctx context.Context) ([]service.GroupView, error)
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat   kit.ChatTarget
	FromID int64
	Args   []string
	ReqID  string
	Logger logx.Logger
}

const workers = 2

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	svc     Service

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]Command

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, svc Service, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		svc:     svc,
		owners:  slices.Clone(owners),
		cmds:    map[string]Command{},
		jobs:    make(chan func(), 64),
	}
	for _, c := range r.builtinCommands() {
		r.cmds[c.Name] = c
	}
	return r
}

// SetOwners swaps the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.owners)
}

// Menu lists commands for the platform command menu, sorted by name.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run consumes updates until ctx ends or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithStopOnCleanExit(true))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, found := r.cmds[word]
	r.mu.RUnlock()
	if !found {
		r.reply(ctx, chat, "unknown command. try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !slices.Contains(r.ownersSnapshot(), msg.FromID) {
		r.reply(ctx, chat, "unauthorized")
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:   chat,
		FromID: msg.FromID,
		Args:   parts[1:],
		ReqID:  rid,
		Logger: r.log.With(logx.String("rid", rid), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name)),
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))

	select {
	case r.jobs <- func() {
		if err := h(ctx, req); err != nil {
			r.reply(ctx, chat, "⚠️ "+escape(err.Error()))
		}
	}:
	default:
		r.reply(ctx, chat, "busy, try again")
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, html string) {
	if _, err := r.adapter.SendText(ctx, to, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// Notify sends plain text to every owner. It makes the router a logx.Sink.
func (r *Router) Notify(ctx context.Context, text string) error {
	var firstErr error
	for _, id := range r.ownersSnapshot() {
		if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) notifyHTML(ctx context.Context, html string) {
	for _, id := range r.ownersSnapshot() {
		r.reply(ctx, kit.ChatTarget{ChatID: id}, html)
	}
}

// WatchEvents forwards run summaries and task failures to the owners until
// ctx ends.
func (r *Router) WatchEvents(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if text := formatEvent(ev); text != "" {
				r.notifyHTML(ctx, text)
			}
		}
	}
}
