package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values the decoder cannot: enums, durations and required
// fields of enabled sections. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	oneOf := func(path, v string, allowed ...string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add(fmt.Errorf("%s: %q not one of %s", path, v, strings.Join(allowed, ", ")))
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	oneOf("logging.level", c.Logging.Level, "trace", "debug", "info", "warn", "warning", "error")
	oneOf("logging.telegram.min_level", c.Logging.Telegram.MinLevel, "trace", "debug", "info", "warn", "warning", "error")
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	oneOf("storage.driver", c.Storage.Driver, "sqlite", "sqlite3", "postgres", "postgresql", "pg", "file", "yaml")
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); (d == "postgres" || d == "postgresql" || d == "pg") && strings.TrimSpace(c.Storage.DSN) == "" {
		add(errors.New("storage.dsn: required for postgres"))
	}

	oneOf("session.driver", c.Session.Driver, "browser", "chrome", "whatsapp", "dryrun")
	oneOf("session.matcher", c.Session.Matcher, "exact", "fold", "loose", "casefold")
	dur("session.browser.login_timeout", c.Session.Browser.LoginTimeout)
	dur("session.browser.wait_timeout", c.Session.Browser.WaitTimeout)
	dur("session.browser.search_pause", c.Session.Browser.SearchPause)
	for k := range c.Session.Browser.Selectors {
		oneOf("session.browser.selectors key", k, "chat_list", "search_box", "header", "compose")
	}
	dur("session.whatsapp.login_timeout", c.Session.WhatsApp.LoginTimeout)

	dur("dispatch.settle_delay", c.Dispatch.SettleDelay)
	dur("dispatch.run_timeout", c.Dispatch.RunTimeout)
	oneOf("dispatch.on_error", c.Dispatch.OnError, "skip", "abort")
	if c.Dispatch.RatePerMinute < 0 {
		add(errors.New("dispatch.rate_per_minute: must be >= 0"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	dur("task_engine.default_timeout", c.TaskEngine.DefaultTimeout)
	dur("task_engine.retry_base", c.TaskEngine.RetryBase)
	if c.TaskEngine.Workers < 0 || c.TaskEngine.QueueSize < 0 || c.TaskEngine.HistorySize < 0 {
		add(errors.New("task_engine: sizes must be >= 0"))
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add(errors.New("telegram.token: required when telegram is enabled"))
		}
		if len(c.Telegram.OwnerUserIDs) == 0 {
			add(errors.New("telegram.owner_user_ids: at least one owner required"))
		}
	}
	return errors.Join(errs...)
}
