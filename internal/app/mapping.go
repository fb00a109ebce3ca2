package app

import (
	"fmt"
	"strings"
	"time"

	"librusbot/internal/config"
	"librusbot/internal/engine"
	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/messenger/memory"
	"librusbot/internal/messenger/slack"
	"librusbot/internal/messenger/telegram"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLibrusOptions(cfg *config.Config, log logx.Logger) (librus.Options, error) {
	timeout, err := config.ParseDurationField("librus.request_timeout", cfg.Librus.RequestTimeout)
	if err != nil {
		return librus.Options{}, err
	}
	return librus.Options{
		PortalURL:      cfg.Librus.PortalURL,
		APIURL:         cfg.Librus.APIURL,
		UserAgent:      cfg.Librus.UserAgent,
		PushDevice:     cfg.Librus.PushDevice,
		RatePerSec:     cfg.Librus.RatePerSec,
		RequestTimeout: timeout,
		Logger:         log,
	}, nil
}

func mapSchedule(cfg *config.Config) (engine.Schedule, error) {
	initial, interval, retry, err := cfg.Poller.Durations()
	if err != nil {
		return engine.Schedule{}, err
	}
	return engine.Schedule{InitialDelay: initial, Interval: interval, RetryDelay: retry}, nil
}

func mapDestinations(cfg *config.Config) []engine.DestinationConfig {
	out := make([]engine.DestinationConfig, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		out = append(out, engine.DestinationConfig{
			ChannelID: strings.TrimSpace(ch.ID),
			GuildID:   strings.TrimSpace(ch.Guild),
			TagRoles:  ch.TagRoles,
		})
	}
	return out
}

func configuredRoles(cfg *config.Config) []messenger.Role {
	roles := make([]messenger.Role, 0, len(cfg.Telegram.Roles))
	for _, r := range cfg.Telegram.Roles {
		roles = append(roles, messenger.Role{ID: strings.TrimSpace(r.Mention), Name: strings.TrimSpace(r.Name)})
	}
	return roles
}

// newMessenger builds the configured chat driver.
func newMessenger(cfg *config.Config, log logx.Logger) (messenger.Messenger, error) {
	switch cfg.Messenger.Driver {
	case "telegram":
		timeout, err := config.ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			APIURL:      cfg.Telegram.APIURL,
			HTTPTimeout: timeout,
			Roles:       configuredRoles(cfg),
		}, log)
	case "slack":
		timeout, err := config.ParseDurationField("slack.http_timeout", cfg.Slack.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		return slack.New(slack.Config{
			Token:       cfg.Slack.Token,
			APIURL:      cfg.Slack.APIURL,
			HTTPTimeout: timeout,
		}, log)
	case "memory":
		// Dry run: every configured channel exists and is a text channel.
		m := memory.New(log)
		for _, ch := range cfg.Channels {
			m.AddChannel(messenger.Channel{ID: ch.ID, Name: ch.ID, Kind: messenger.ChannelText})
			m.SetRoles(ch.Guild, configuredRoles(cfg))
		}
		if id := cfg.Messenger.DebugChannel; id != "" {
			m.AddChannel(messenger.Channel{ID: id, Name: "debug", Kind: messenger.ChannelText})
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown messenger.driver: %s", cfg.Messenger.Driver)
	}
}
