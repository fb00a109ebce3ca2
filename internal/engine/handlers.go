package engine

import (
	"context"
	"errors"
	"fmt"

	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

// unreachable reports whether err means the record can never be fetched, so
// retrying the change would block the feed forever.
func unreachable(err error) bool {
	k := librus.KindOf(err)
	return k == librus.KindNotFound || k == librus.KindForbidden
}

func (e *Engine) handleNotice(ctx context.Context, ch librus.Change) (bool, error) {
	switch ch.Type {
	case librus.ChangeAdd, librus.ChangeEdit:
	case librus.ChangeDelete:
		e.log.Info("notice deleted; skipping", logx.String("notice", ch.Resource.ID.String()))
		return false, nil
	default:
		e.log.Warn("unhandled change type; skipping", logx.String("type", string(ch.Type)), logx.String("notice", ch.Resource.ID.String()))
		return false, nil
	}

	notice, err := e.src.SchoolNotice(ctx, ch.Resource.ID.String())
	if err == nil {
		var author *librus.User
		author, err = e.src.User(ctx, notice.AddedBy.ID)
		if err == nil {
			return true, e.deliverNotice(ctx, ch, notice, author)
		}
	}
	if unreachable(err) {
		e.report(ctx, fmt.Sprintf("%s - %v", ch.Resource.ID, err))
		return true, nil
	}
	return false, err
}

// deliverNotice posts or edits the notice in every destination. Each
// destination decides send vs edit on its own; a failing destination does
// not stop the others.
func (e *Engine) deliverNotice(ctx context.Context, ch librus.Change, n *librus.SchoolNotice, author *librus.User) error {
	var errs []error
	for _, d := range e.dests {
		if err := e.deliverNoticeTo(ctx, d, ch, n, author); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("channel %s: %w", d.Channel.ID, err))
		}
	}
	if len(errs) == 0 {
		e.log.Info("notice delivered", logx.String("notice", string(n.ID)), logx.Int("destinations", len(e.dests)))
	}
	return errors.Join(errs...)
}

func (e *Engine) deliverNoticeTo(ctx context.Context, d *Destination, ch librus.Change, n *librus.SchoolNotice, author *librus.User) error {
	rec := storage.DeliveryRecord{
		Destination: d.Channel.ID,
		Kind:        storage.KindNotice,
		EntityID:    string(n.ID),
		ChangeID:    ch.ID.String(),
	}

	messageID, known := d.Notices.Get(string(n.ID))
	if !known {
		msg := noticeMessage(ch.Type, n, author, d.Roles, e.msg.RoleMention, "")
		ref, err := e.msg.Send(ctx, d.Channel.ID, msg)
		if ref.ID != "" {
			// A partial send still created the message; the retry edits it.
			d.Notices.Set(string(n.ID), ref.ID)
			rec.MessageID, rec.Action = ref.ID, storage.ActionSend
			e.record(ctx, rec)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		e.crosspost(ctx, d, ref)
		return nil
	}

	ref, err := e.msg.FetchMessage(ctx, d.Channel.ID, messageID)
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	msg := noticeMessage(ch.Type, n, author, d.Roles, e.msg.RoleMention, ch.AddDate)
	if err := e.msg.Edit(ctx, ref, msg); err != nil {
		return fmt.Errorf("edit message %s: %w", ref.ID, err)
	}
	rec.MessageID, rec.Action = ref.ID, storage.ActionEdit
	e.record(ctx, rec)

	if ch.Type == librus.ChangeEdit {
		reply, err := e.msg.Send(ctx, d.Channel.ID, messenger.Message{Content: editedReplyText, ReplyTo: ref.ID})
		if err != nil {
			return fmt.Errorf("send edit notice: %w", err)
		}
		rec.MessageID, rec.Action = reply.ID, storage.ActionReply
		e.record(ctx, rec)
	}
	return nil
}

// crosspost publishes ref to followers of an announcement channel. Failures
// are reported, never returned.
func (e *Engine) crosspost(ctx context.Context, d *Destination, ref messenger.MessageRef) {
	if d.Channel.Kind != messenger.ChannelAnnouncement {
		return
	}
	err := e.msg.Crosspost(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, messenger.ErrUnsupported):
		e.log.Debug("crosspost not supported by messenger", logx.String("channel", d.Channel.ID))
	default:
		e.log.Error("crosspost failed", logx.String("channel", d.Channel.ID), logx.String("message", ref.ID), logx.Err(err), logx.Reported())
		e.report(ctx, fmt.Sprintf("Error while crossposting: %v", err))
	}
}

func (e *Engine) handleFreeDay(ctx context.Context, ch librus.Change) (bool, error) {
	heading, ok := freeDayHeading(ch.Type)
	if !ok {
		e.log.Warn("unhandled change type; skipping", logx.String("type", string(ch.Type)), logx.String("free_day", ch.Resource.ID.String()))
		return false, nil
	}
	if ch.Type != librus.ChangeAdd {
		e.report(ctx, fmt.Sprintf("%s %s", heading, ch.Resource.ID))
	}

	id, err := ch.Resource.ID.Int()
	if err != nil {
		e.report(ctx, fmt.Sprintf("%s - malformed free day id: %v", ch.Resource.ID, err))
		return true, nil
	}
	day, err := e.src.TeacherFreeDay(ctx, id)
	if err == nil {
		var teacher *librus.User
		teacher, err = e.src.User(ctx, day.Teacher.ID)
		if err == nil {
			return true, e.deliverFreeDay(ctx, ch, heading, day, teacher)
		}
	}
	if unreachable(err) {
		e.report(ctx, fmt.Sprintf("%s - %v", ch.Resource.ID, err))
		return true, nil
	}
	return false, err
}

// deliverFreeDay always posts a new message; absences are never edited.
func (e *Engine) deliverFreeDay(ctx context.Context, ch librus.Change, heading string, day *librus.TeacherFreeDay, teacher *librus.User) error {
	msg := freeDayMessage(heading, day, teacher, ch.ExtraData)
	var errs []error
	for _, d := range e.dests {
		ref, err := e.msg.Send(ctx, d.Channel.ID, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("channel %s: send: %w", d.Channel.ID, err))
			continue
		}
		e.record(ctx, storage.DeliveryRecord{
			Destination: d.Channel.ID,
			Kind:        storage.KindFreeDay,
			EntityID:    ch.Resource.ID.String(),
			ChangeID:    ch.ID.String(),
			MessageID:   ref.ID,
			Action:      storage.ActionSend,
		})
		e.crosspost(ctx, d, ref)
	}
	if len(errs) == 0 {
		e.log.Info("free day delivered", logx.String("url", ch.Resource.URL))
	}
	return errors.Join(errs...)
}
