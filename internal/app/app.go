package app

import (
	"context"
	"fmt"
	"time"

	"wadispatch/internal/config"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/recurrence"
	rtsup "wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/service"
	"wadispatch/internal/session"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
	kit "wadispatch/internal/transport"
	telegram "wadispatch/internal/transport/telegram/adapter"
	"wadispatch/internal/transport/telegram/router"
	logx "wadispatch/pkg/logx"
)

// App owns every long-lived component. Operator surfaces (telegram console,
// HTTP API, config watcher) are optional so the CLI can reuse the core.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	driver session.Driver
	engine *engine.Service
	sched  *scheduler.Service
	svc    *service.Service

	adapter *telegram.Adapter
	router  *router.Router
	api     *httpapi.Server

	surfaces bool
	updates  chan kit.Update
}

type Option func(*App)

// WithoutSurfaces skips the telegram console, the HTTP API and the config
// watcher.
func WithoutSurfaces() Option { return func(a *App) { a.surfaces = false } }

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{surfaces: true, updates: make(chan kit.Update, 256)}
	for _, o := range opts {
		o(a)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm

	logSvc, log := logx.New(mapLogConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	// anything that fails below must release what was already opened
	ok := false
	defer func() {
		if !ok {
			a.closeStore()
			_ = logSvc.Close()
		}
	}()

	a.store, err = OpenStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.driver, err = newDriver(cfg, log)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	runTimeout, err := mapRunTimeout(cfg)
	if err != nil {
		return nil, err
	}
	a.svc = service.New(dcfg, service.Deps{
		Store:    a.store,
		Driver:   a.driver,
		Registry: recurrence.TaskRegistry{Sched: a.sched, Timeout: runTimeout},
		Log:      log,
		Bus:      a.bus,
	})

	if a.surfaces && cfg.Telegram.Enabled {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
		if err != nil {
			return nil, err
		}
		a.router = router.New(log, a.adapter, a.svc, cfg.Telegram.OwnerUserIDs)
		logSvc.SetSink(a.router)
	}
	if a.surfaces && cfg.HTTP.Enabled {
		a.api = httpapi.NewServer(mapHTTPConfig(cfg), a.svc, log)
	}

	ok = true
	return a, nil
}

func (a *App) Service() *service.Service { return a.svc }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// engine first: the scheduler enqueues into it
	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if ready, err := a.svc.Ready(ctx); err != nil {
		a.log.Warn("store readiness check failed", logx.Err(err))
	} else if !ready {
		a.log.Warn("address book is empty; add a contact or group before scheduling")
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("telegram.router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
		a.sup.Go0("telegram.events", func(c context.Context) {
			a.router.WatchEvents(c, a.bus)
		})
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(64)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.surfaces {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.String("session", a.driver.Name()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("http", a.api != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.api != nil {
		step("httpapi", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	}
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { a.closeStore(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.store = nil
}
