package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

// AnnounceLuckyNumber posts today's lucky number to every destination,
// mentioning the matching "Numerek N" role where one exists. Failures are
// reported to the operator and returned.
func (e *Engine) AnnounceLuckyNumber(ctx context.Context) error {
	n, err := e.src.LuckyNumber(ctx)
	if err != nil {
		e.report(ctx, fmt.Sprintf("Something in checking lucky numbers failed: %v", err))
		return fmt.Errorf("lucky number: %w", err)
	}

	var errs []error
	for _, d := range e.dests {
		msg := luckyMessage(n, d.Roles.Lucky[n.LuckyNumber], e.msg.RoleMention)
		ref, err := e.msg.Send(ctx, d.Channel.ID, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", d.Channel.ID, err))
			continue
		}
		e.record(ctx, storage.DeliveryRecord{
			Destination: d.Channel.ID,
			Kind:        storage.KindLuckyNumber,
			EntityID:    n.LuckyNumberDay + "/" + strconv.Itoa(n.LuckyNumber),
			MessageID:   ref.ID,
			Action:      storage.ActionSend,
		})
	}
	if err := errors.Join(errs...); err != nil {
		e.report(ctx, fmt.Sprintf("Something in checking lucky numbers failed: %v", err))
		return err
	}
	e.log.Info("lucky number announced", logx.Int("number", n.LuckyNumber), logx.String("day", n.LuckyNumberDay))
	return nil
}

// LuckyNumberJob is the scheduler callback: it queues the announcement on the
// engine loop instead of running it on the scheduler goroutine.
func (e *Engine) LuckyNumberJob(ctx context.Context) error {
	return e.Submit("lucky_number", e.AnnounceLuckyNumber)
}
