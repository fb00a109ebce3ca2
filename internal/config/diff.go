package config

import (
	"reflect"

	logx "librusbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// whether any of them needs a restart to take effect. Only logging and the
// lucky-number timezone apply live. The returned fields never carry secrets.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, restart bool, fields []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	section := func(name string, live bool, a, b any) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		if !live {
			restart = true
		}
	}
	section("librus", false, oldCfg.Librus, newCfg.Librus)
	section("messenger", false, oldCfg.Messenger, newCfg.Messenger)
	section("telegram", false, oldCfg.Telegram, newCfg.Telegram)
	section("slack", false, oldCfg.Slack, newCfg.Slack)
	section("channels", false, oldCfg.Channels, newCfg.Channels)
	section("poller", false, oldCfg.Poller, newCfg.Poller)
	section("storage", false, oldCfg.Storage, newCfg.Storage)
	section("debug", false, oldCfg.Debug, newCfg.Debug)
	section("logging", true, oldCfg.Logging, newCfg.Logging)

	// Timezone is hot-applied; the schedule and the switch are not.
	o, n := oldCfg.LuckyNumber, newCfg.LuckyNumber
	if o.Timezone != n.Timezone || o.Schedule != n.Schedule || o.IsEnabled() != n.IsEnabled() {
		changed = append(changed, "lucky_number")
		if o.Schedule != n.Schedule || o.IsEnabled() != n.IsEnabled() {
			restart = true
		}
	}

	fields = []logx.Field{
		logx.Any("sections", changed),
		logx.Bool("restart_required", restart),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		logx.String("lucky_number.timezone", newCfg.LuckyNumber.Timezone),
		logx.Int("channels", len(newCfg.Channels)),
	}
	return changed, restart, fields
}

// LogConfig converts the logging section to logx's config.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Ops: logx.OpsConfig{
			Enabled:    l.Operator.Enabled,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}
