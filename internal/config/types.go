package config

// Config is the whole runtime configuration. JSON and YAML files are both
// accepted; unknown keys are rejected.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Session    SessionConfig    `json:"session"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Telegram   TelegramConfig   `json:"telegram"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the operator
// chats through the telegram console.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the address-book backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/wadispatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// SessionConfig selects the chat client backend: "browser" (default),
// "whatsapp" or "dryrun".
type SessionConfig struct {
	Driver   string         `json:"driver"`
	Matcher  string         `json:"matcher,omitempty"` // "exact" (default) or "fold"
	Browser  BrowserConfig  `json:"browser"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type BrowserConfig struct {
	URL          string            `json:"url,omitempty"`
	ProfileDir   string            `json:"profile_dir,omitempty"`
	ExecPath     string            `json:"exec_path,omitempty"`
	Headless     bool              `json:"headless"`
	LoginTimeout string            `json:"login_timeout,omitempty"`
	WaitTimeout  string            `json:"wait_timeout,omitempty"`
	SearchPause  string            `json:"search_pause,omitempty"`
	Selectors    map[string]string `json:"selectors,omitempty"`
}

type WhatsAppConfig struct {
	StorePath    string `json:"store_path,omitempty"`
	LoginTimeout string `json:"login_timeout,omitempty"`
}

// DispatchConfig is hot-reloadable.
type DispatchConfig struct {
	SettleDelay   string  `json:"settle_delay,omitempty"` // default "2s"; "0s" keeps the default
	OnError       string  `json:"on_error,omitempty"`     // "skip" (default) or "abort"
	RatePerMinute float64 `json:"rate_per_minute,omitempty"`
	RunTimeout    string  `json:"run_timeout,omitempty"` // scheduled runs only
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // bearer token for /api; never logged
	Pprof   bool   `json:"pprof,omitempty"` // mounts /debug/pprof behind the token
}
