package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"librusbot/internal/scheduler"
)

const (
	DefaultLuckySchedule = "30 6 * * 1-5"
	DefaultTimezone      = "Europe/Warsaw"
	DefaultDebugAddr     = "127.0.0.1:6060"
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Messenger.Driver) == "" {
		cfg.Messenger.Driver = "telegram"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.LuckyNumber.Schedule) == "" {
		cfg.LuckyNumber.Schedule = DefaultLuckySchedule
	}
	if strings.TrimSpace(cfg.LuckyNumber.Timezone) == "" {
		cfg.LuckyNumber.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(cfg.Debug.Addr) == "" {
		cfg.Debug.Addr = DefaultDebugAddr
	}
	if cfg.Debug.FailureThreshold == 0 {
		cfg.Debug.FailureThreshold = 3
	}
}

// Durations resolves the poller delays; zero means "use the default".
func (p PollerConfig) Durations() (initial, interval, retry time.Duration, err error) {
	if initial, err = ParseDurationField("poller.initial_delay", p.InitialDelay); err != nil {
		return
	}
	if interval, err = ParseDurationField("poller.interval", p.Interval); err != nil {
		return
	}
	retry, err = ParseDurationField("poller.retry_delay", p.RetryDelay)
	return
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Librus.Username) == "" {
		bad("librus.username is required")
	}
	if cfg.Librus.Password == "" {
		bad("librus.password is required")
	}
	if cfg.Librus.PushDevice < 0 {
		bad("librus.push_device must be >= 0")
	}
	if cfg.Librus.RatePerSec < 0 {
		bad("librus.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("librus.request_timeout", cfg.Librus.RequestTimeout); err != nil {
		errs = append(errs, err)
	}

	switch cfg.Messenger.Driver {
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			bad("telegram.token is required for the telegram driver")
		}
		if _, err := ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout); err != nil {
			errs = append(errs, err)
		}
		for i, r := range cfg.Telegram.Roles {
			if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Mention) == "" {
				bad("telegram.roles[%d]: name and mention are required", i)
			}
		}
	case "slack":
		if strings.TrimSpace(cfg.Slack.Token) == "" {
			bad("slack.token is required for the slack driver")
		}
		if _, err := ParseDurationField("slack.http_timeout", cfg.Slack.HTTPTimeout); err != nil {
			errs = append(errs, err)
		}
	case "memory":
	default:
		bad("messenger.driver: unknown driver %q (telegram, slack, memory)", cfg.Messenger.Driver)
	}

	if len(cfg.Channels) == 0 {
		bad("channels: at least one channel is required")
	}
	seen := map[string]bool{}
	for i, ch := range cfg.Channels {
		id := strings.TrimSpace(ch.ID)
		switch {
		case id == "":
			bad("channels[%d].id is required", i)
		case seen[id]:
			bad("channels[%d]: duplicate channel %s", i, id)
		}
		seen[id] = true
	}

	if _, _, _, err := cfg.Poller.Durations(); err != nil {
		errs = append(errs, err)
	}
	if cfg.LuckyNumber.IsEnabled() {
		if _, err := scheduler.Parse(cfg.LuckyNumber.Schedule); err != nil {
			bad("lucky_number.schedule: %v", err)
		}
		if tz := strings.TrimSpace(cfg.LuckyNumber.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				bad("lucky_number.timezone: %v", err)
			}
		}
	}

	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl != "" && !validLevels[lvl] {
		bad("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if op := cfg.Logging.Operator; op.Enabled {
		if strings.TrimSpace(cfg.Messenger.DebugChannel) == "" {
			bad("logging.operator requires messenger.debug_channel")
		}
		if lvl := strings.ToLower(strings.TrimSpace(op.MinLevel)); lvl != "" && !validLevels[lvl] {
			bad("logging.operator.min_level: unknown level %q", op.MinLevel)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				bad("storage.path is required for driver %q", st.Driver)
			}
		default:
			bad("storage.driver: unknown driver %q (file, sqlite)", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if d := cfg.Debug; d.Enabled {
		host, _, err := net.SplitHostPort(d.Addr)
		switch {
		case err != nil:
			bad("debug.addr: %v", err)
		case d.Token == "" && !d.AllowInsecure && !IsLoopbackHost(host):
			bad("debug.addr %s is not loopback: set debug.token or debug.allow_insecure", d.Addr)
		}
		if d.FailureThreshold < 0 {
			bad("debug.failure_threshold must be >= 0")
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host only accepts local connections. An
// empty host binds every interface.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
