package app

import (
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/session"
	"wadispatch/internal/session/browser"
	"wadispatch/internal/session/dryrun"
	"wadispatch/internal/session/whatsapp"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
	logx "wadispatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "data/wadispatch.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	case "file", "yaml":
		if path == "" {
			path = "data/addressbook.yaml"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured store. The CLI uses it directly for
// commands that never touch the chat client.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

func mapSelectors(raw map[string]string) browser.Selectors {
	sel := browser.DefaultSelectors()
	for k, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "chat_list":
			sel.ChatList = v
		case "search_box":
			sel.SearchBox = v
		case "header":
			sel.Header = v
		case "compose":
			sel.Compose = v
		}
	}
	return sel
}

func newDriver(cfg *config.Config, log logx.Logger) (session.Driver, error) {
	sc := cfg.Session
	matcher := session.MatcherByName(sc.Matcher)
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "browser", "chrome":
		b := sc.Browser
		login, err := config.ParseDurationField("session.browser.login_timeout", b.LoginTimeout)
		if err != nil {
			return nil, err
		}
		wait, err := config.ParseDurationField("session.browser.wait_timeout", b.WaitTimeout)
		if err != nil {
			return nil, err
		}
		pause, err := config.ParseDurationField("session.browser.search_pause", b.SearchPause)
		if err != nil {
			return nil, err
		}
		return browser.New(browser.Config{
			URL:          b.URL,
			ProfileDir:   b.ProfileDir,
			ExecPath:     b.ExecPath,
			Headless:     b.Headless,
			LoginTimeout: login,
			WaitTimeout:  wait,
			SearchPause:  pause,
			Selectors:    mapSelectors(b.Selectors),
			Matcher:      matcher,
		}, log), nil
	case "whatsapp":
		login, err := config.ParseDurationField("session.whatsapp.login_timeout", sc.WhatsApp.LoginTimeout)
		if err != nil {
			return nil, err
		}
		return whatsapp.New(whatsapp.Config{
			StorePath:    sc.WhatsApp.StorePath,
			LoginTimeout: login,
			Matcher:      matcher,
		}, log), nil
	case "dryrun":
		return dryrun.New(log), nil
	default:
		return nil, fmt.Errorf("unknown session.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	settle, err := config.ParseDurationField("dispatch.settle_delay", dc.SettleDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	policy, err := dispatch.ParsePolicy(dc.OnError)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{SettleDelay: settle, OnError: policy, RatePerMinute: dc.RatePerMinute}, nil
}

func mapRunTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("dispatch.run_timeout", cfg.Dispatch.RunTimeout, 30*time.Minute)
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	workers := te.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 100
	}
	retryMax := te.RetryMax
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 2
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}
}
