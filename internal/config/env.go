package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Env prefixes for secret overrides, e.g. LIBRUSBOT_LIBRUS_PASSWORD.
const (
	EnvLibrus   = "LIBRUSBOT_LIBRUS"
	EnvTelegram = "LIBRUSBOT_TELEGRAM"
	EnvSlack    = "LIBRUSBOT_SLACK"
	EnvDebug    = "LIBRUSBOT_DEBUG"
)

// applyEnv overlays environment variables onto cfg. Unset variables leave
// file values alone.
func applyEnv(cfg *Config) error {
	for _, s := range []struct {
		prefix string
		spec   any
	}{
		{EnvLibrus, &cfg.Librus},
		{EnvTelegram, &cfg.Telegram},
		{EnvSlack, &cfg.Slack},
		{EnvDebug, &cfg.Debug},
	} {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("env %s_*: %w", s.prefix, err)
		}
	}
	return nil
}
