// Package app wires configuration, logging, the Librus client, the chat
// messenger and the engine into one process.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"librusbot/internal/config"
	"librusbot/internal/engine"
	"librusbot/internal/eventbus"
	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/observability/debugsrv"
	"librusbot/internal/runtime/supervisor"
	"librusbot/internal/scheduler"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

const luckyJobName = "lucky_number"

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store storage.Store

	msg    messenger.Messenger
	client *librus.Client
	engine *engine.Engine
	sched  *scheduler.Service

	debug *debugsrv.Server // nil unless debug.enabled

	sup *supervisor.Supervisor
}

// New loads the config and builds every component. It performs no network I/O.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The operator sink needs the messenger, which needs a logger: start with
	// no sender and attach it once the messenger exists.
	logSvc, log := logx.New(cfg.Logging.LogConfig(), nil)
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog.Debug("config loaded", logx.String("path", cfgPath), logx.Any("config", cfg.Redacted()))

	msg, err := newMessenger(cfg, log.With(logx.String("comp", "messenger"), logx.String("driver", cfg.Messenger.Driver)))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	debugChannel := strings.TrimSpace(cfg.Messenger.DebugChannel)
	if debugChannel != "" {
		logSvc.SetSender(messenger.OperatorSender{M: msg, ChannelID: debugChannel})
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		appLog.Info("delivery audit enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	opts, err := mapLibrusOptions(cfg, log.With(logx.String("comp", "librus")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	client, err := librus.New(opts)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sched, err := mapSchedule(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	engOpts := engine.Options{
		Source:    client,
		Messenger: msg,
		Bus:       bus,
		Schedule:  sched,
		Logger:    log.With(logx.String("comp", "engine")),
	}
	if debugChannel != "" {
		engOpts.Reporter = engine.MessengerReporter{M: msg, ChannelID: debugChannel, Log: appLog}
	}
	if store != nil {
		engOpts.Store = store
	}
	eng, err := engine.New(engOpts)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var debug *debugsrv.Server
	if cfg.Debug.Enabled {
		debug = debugsrv.New(debugsrv.Config{
			Addr:             cfg.Debug.Addr,
			Token:            cfg.Debug.Token,
			FailureThreshold: cfg.Debug.FailureThreshold,
		}, store, log.With(logx.String("comp", "debug")))
	}

	return &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		msg:    msg,
		client: client,
		engine: eng,
		sched:  scheduler.New(scheduler.Config{Timezone: cfg.LuckyNumber.Timezone}, log.With(logx.String("comp", "scheduler"))),
		debug:  debug,
	}, nil
}

// Done is closed when the app stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start logs in, registers destinations and launches the engine loop, the
// lucky-number trigger and the config watcher.
func (a *App) Start(ctx context.Context) error {
	if err := a.client.Login(ctx, a.cfg.Librus.Username, a.cfg.Librus.Password); err != nil {
		return err
	}
	if a.client.PushDevice() == 0 {
		id, err := a.client.NewPushDevice(ctx)
		if err != nil {
			return err
		}
		a.log.Warn("registered a new push device; set librus.push_device to keep it across restarts", logx.Int("push_device", id))
	}
	if err := a.engine.Register(ctx, mapDestinations(a.cfg)); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.cfg.LuckyNumber.IsEnabled() {
		if err := a.sched.Add(luckyJobName, a.cfg.LuckyNumber.Schedule, 0, a.engine.LuckyNumberJob); err != nil {
			return err
		}
		if next, ok := a.sched.Next(luckyJobName, time.Now()); ok {
			a.log.Info("lucky number job scheduled", logx.String("schedule", a.cfg.LuckyNumber.Schedule), logx.Time("next", next))
		}
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("engine", a.engine.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.applyConfigUpdates)

	// Bus events are debug-level; the engine logs cycle outcomes itself.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				if n := a.bus.Dropped(); n > 0 {
					a.log.Debug("events dropped", logx.Uint64("count", n))
				}
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.debug != nil {
		events, unsub := a.bus.Subscribe(16)
		a.sup.Go("debug.track", func(c context.Context) error {
			defer unsub()
			return a.debug.Track(c, events)
		})
		// The listener is optional; it retries forever and never stops the bot.
		a.sup.GoRestart("debug.http", a.debug.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, time.Minute))
	}

	a.log.Info("started",
		logx.String("driver", a.cfg.Messenger.Driver),
		logx.Int("destinations", len(a.engine.Destinations())),
		logx.Int("push_device", a.client.PushDevice()),
	)
	return nil
}

// applyConfigUpdates hot-applies logging and timezone changes; everything
// else needs a restart.
func (a *App) applyConfigUpdates(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			changed, restart, fields := config.SummarizeChange(last, next)
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config change summary", fields...)
			a.logs.Apply(next.Logging.LogConfig())
			a.sched.Apply(scheduler.Config{Timezone: next.LuckyNumber.Timezone})
			if restart {
				a.log.Warn("config changed; restart required for changes to take effect", logx.Any("sections", changed))
			}
			last = next
		}
	}
}

// Stop shuts everything down, waiting at most until ctx is done.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	a.sched.Stop(ctx)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
