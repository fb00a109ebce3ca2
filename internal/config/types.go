package config

// Config is the whole bot configuration. Duration fields are Go duration
// strings ("2s", "7m").
type Config struct {
	Librus    LibrusConfig    `json:"librus"`
	Messenger MessengerConfig `json:"messenger"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty"`

	// Channels are the destinations notices are posted to.
	Channels []ChannelConfig `json:"channels"`

	Poller      PollerConfig      `json:"poller,omitempty"`
	LuckyNumber LuckyNumberConfig `json:"lucky_number,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

// LibrusConfig holds the mobile-app account and API endpoints.
//
// Secrets can come from LIBRUSBOT_LIBRUS_USERNAME / _PASSWORD.
type LibrusConfig struct {
	Username string `json:"username" envconfig:"USERNAME"`
	Password string `json:"password" envconfig:"PASSWORD"`
	// PushDevice 0 registers a new change-feed device at startup.
	PushDevice int `json:"push_device" envconfig:"PUSH_DEVICE"`

	PortalURL      string  `json:"portal_url,omitempty" envconfig:"PORTAL_URL"`
	APIURL         string  `json:"api_url,omitempty" envconfig:"API_URL"`
	UserAgent      string  `json:"user_agent,omitempty" ignored:"true"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty" ignored:"true"`
	RequestTimeout string  `json:"request_timeout,omitempty" ignored:"true"`
}

type MessengerConfig struct {
	// Driver is "telegram", "slack" or "memory" (dry run: log only).
	Driver string `json:"driver"`
	// DebugChannel receives operator reports and forwarded error logs.
	DebugChannel string `json:"debug_channel,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token" envconfig:"TOKEN"`
	APIURL      string `json:"api_url,omitempty" envconfig:"API_URL"`
	HTTPTimeout string `json:"http_timeout,omitempty" ignored:"true"`
	// Roles stand in for guild roles: Telegram has no role objects, so
	// each entry is a name (e.g. "1A", "Numerek 7") and the mention text.
	Roles []RoleConfig `json:"roles,omitempty" ignored:"true"`
}

type RoleConfig struct {
	Name    string `json:"name"`
	Mention string `json:"mention"`
}

type SlackConfig struct {
	Token       string `json:"token" envconfig:"TOKEN"`
	APIURL      string `json:"api_url,omitempty" envconfig:"API_URL"`
	HTTPTimeout string `json:"http_timeout,omitempty" ignored:"true"`
}

type ChannelConfig struct {
	ID string `json:"id"`
	// Guild scopes role lookup (Slack workspace user groups are global; leave empty).
	Guild    string `json:"guild,omitempty"`
	TagRoles bool   `json:"tag_roles"`
}

// PollerConfig tunes the change-feed loop. Defaults: 2s, 7m, 2m.
type PollerConfig struct {
	InitialDelay string `json:"initial_delay,omitempty"`
	Interval     string `json:"interval,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
}

type LuckyNumberConfig struct {
	// Enabled is a pointer so an omitted section keeps the job on.
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // default "30 6 * * 1-5"
	Timezone string `json:"timezone,omitempty"` // default "Europe/Warsaw"
}

func (l LuckyNumberConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards log lines to messenger.debug_channel.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional delivery audit.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./librusbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the local HTTP listener with /healthz, /deliveries
// and pprof. A non-loopback Addr needs Token unless AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Addr          string `json:"addr,omitempty" envconfig:"ADDR"`
	Token         string `json:"token,omitempty" envconfig:"TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" ignored:"true"`
	// FailureThreshold is how many failed cycles in a row turn /healthz red.
	FailureThreshold int `json:"failure_threshold,omitempty" ignored:"true"`
}

// Redacted returns a copy safe to log: secrets are replaced by a marker.
func (c *Config) Redacted() Config {
	out := *c
	out.Channels = append([]ChannelConfig(nil), c.Channels...)
	redact := func(s *string) {
		if *s != "" {
			*s = "<redacted>"
		}
	}
	redact(&out.Librus.Password)
	redact(&out.Telegram.Token)
	redact(&out.Slack.Token)
	redact(&out.Debug.Token)
	return out
}
