// Package engine turns the Librus change feed into chat messages.
//
// One Engine owns the per-destination notice registries and runs every cycle
// and scheduled job on a single loop goroutine, so at most one cycle is active
// and engine state needs no locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"librusbot/internal/eventbus"
	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

// Source is the part of the Librus client the engine consumes.
type Source interface {
	PushChanges(ctx context.Context) ([]librus.Change, error)
	DeletePushChanges(ctx context.Context, ids []string) error
	SchoolNotice(ctx context.Context, id string) (*librus.SchoolNotice, error)
	TeacherFreeDay(ctx context.Context, id int) (*librus.TeacherFreeDay, error)
	User(ctx context.Context, id int) (*librus.User, error)
	LuckyNumber(ctx context.Context) (*librus.LuckyNumber, error)
}

// Reporter surfaces failures to an operator-visible place.
type Reporter interface {
	Report(ctx context.Context, text string)
}

// DeliveryRecorder receives an audit record for every posted or edited message.
type DeliveryRecorder interface {
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

// Schedule holds the change-feed delays.
type Schedule struct {
	InitialDelay time.Duration
	Interval     time.Duration // after a successful cycle
	RetryDelay   time.Duration // after a failed cycle
}

func DefaultSchedule() Schedule {
	return Schedule{InitialDelay: 2 * time.Second, Interval: 7 * time.Minute, RetryDelay: 2 * time.Minute}
}

type Options struct {
	Source    Source
	Messenger messenger.Messenger

	Reporter Reporter         // optional
	Store    DeliveryRecorder // optional
	Bus      eventbus.Bus     // optional
	Clock    Clock            // optional; defaults to SystemClock
	Schedule Schedule         // zero fields fall back to DefaultSchedule
	Logger   logx.Logger
}

// DestinationConfig names one channel the engine posts to.
type DestinationConfig struct {
	ChannelID string
	GuildID   string
	TagRoles  bool
}

// Destination is a registered channel with its roles and notice registry.
type Destination struct {
	Channel messenger.Channel
	GuildID string
	Roles   RoleBinding
	Notices *Registry
}

type Engine struct {
	src   Source
	msg   messenger.Messenger
	rep   Reporter
	store DeliveryRecorder
	bus   eventbus.Bus
	clock Clock
	sched Schedule
	log   logx.Logger

	dests []*Destination
	jobs  chan job

	// cycleID of the cycle in progress; empty between cycles.
	cycleID string
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("engine: source is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("engine: messenger is required")
	}
	e := &Engine{
		src:   opts.Source,
		msg:   opts.Messenger,
		rep:   opts.Reporter,
		store: opts.Store,
		bus:   opts.Bus,
		clock: opts.Clock,
		sched: opts.Schedule,
		log:   opts.Logger,
		jobs:  make(chan job, 8),
	}
	def := DefaultSchedule()
	if e.sched.InitialDelay <= 0 {
		e.sched.InitialDelay = def.InitialDelay
	}
	if e.sched.Interval <= 0 {
		e.sched.Interval = def.Interval
	}
	if e.sched.RetryDelay <= 0 {
		e.sched.RetryDelay = def.RetryDelay
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e, nil
}

// Register resolves the configured channels. Channels that cannot be used are
// reported and skipped. Must be called before Run.
func (e *Engine) Register(ctx context.Context, cfgs []DestinationConfig) error {
	for _, c := range cfgs {
		ch, err := e.msg.Channel(ctx, c.ChannelID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.report(ctx, fmt.Sprintf("%s - channel lookup failed: %v", c.ChannelID, err))
			continue
		}
		if ch.Kind != messenger.ChannelText && ch.Kind != messenger.ChannelAnnouncement {
			e.report(ctx, fmt.Sprintf("%s is not a valid text/announcement channel (%s)", c.ChannelID, ch.Kind))
			continue
		}
		roles, err := e.msg.Roles(ctx, c.GuildID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.report(ctx, fmt.Sprintf("%s - role lookup failed: %v", c.ChannelID, err))
			continue
		}
		d := &Destination{
			Channel: ch,
			GuildID: c.GuildID,
			Roles:   BindRoles(roles, c.TagRoles),
			Notices: NewRegistry(),
		}
		e.dests = append(e.dests, d)
		e.log.Info("destination registered",
			logx.String("channel", ch.ID),
			logx.String("kind", ch.Kind.String()),
			logx.Int("class_roles", len(d.Roles.Classes)),
			logx.Int("lucky_roles", len(d.Roles.Lucky)),
		)
	}
	if len(e.dests) == 0 && len(cfgs) > 0 {
		return errors.New("engine: no usable destination channels")
	}
	return nil
}

// Destinations returns the registered destinations in configuration order.
func (e *Engine) Destinations() []*Destination { return e.dests }

func (e *Engine) report(ctx context.Context, text string) {
	e.log.Info("operator report", logx.String("text", text), logx.Reported())
	if e.rep != nil {
		e.rep.Report(ctx, text)
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data})
}

func (e *Engine) record(ctx context.Context, r storage.DeliveryRecord) {
	if e.store == nil {
		return
	}
	r.At = e.clock.Now()
	r.CycleID = e.cycleID
	if err := e.store.AppendDelivery(ctx, r); err != nil {
		e.log.Warn("delivery audit write failed", logx.Err(err), logx.String("entity", r.EntityID))
	}
}

// MessengerReporter posts reports as plain messages to one channel.
type MessengerReporter struct {
	M         messenger.Messenger
	ChannelID string
	Log       logx.Logger
}

func (r MessengerReporter) Report(ctx context.Context, text string) {
	if r.M == nil || r.ChannelID == "" {
		return
	}
	if _, err := r.M.Send(ctx, r.ChannelID, messenger.Message{Content: text}); err != nil {
		r.Log.Error("operator report failed", logx.Err(err))
	}
}
