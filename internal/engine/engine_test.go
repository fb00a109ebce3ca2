package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librusbot/internal/eventbus"
	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/messenger/memory"
	"librusbot/internal/storage"
)

func notices(posted []memory.Posted) (sends, edits, replies []memory.Posted) {
	for _, p := range posted {
		switch {
		case p.Edit:
			edits = append(edits, p)
		case p.Msg.Content == editedReplyText:
			replies = append(replies, p)
		default:
			sends = append(sends, p)
		}
	}
	return sends, edits, replies
}

func TestAddThenEditPostsOnceAndEditsInPlace(t *testing.T) {
	h := newHarness(t, "A")
	h.src.addNotice("42", "Wycieczka", "Zbiórka o 8:00")
	h.src.changes = []librus.Change{
		change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42"),
		change("c2", librus.ChangeEdit, librus.ResourceSchoolNotices, "42"),
	}

	res, err := h.engine.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acknowledged)

	sends, edits, replies := notices(h.msg.Posted("A"))
	require.Len(t, sends, 1)
	require.Len(t, edits, 1)
	require.Len(t, replies, 1)
	assert.Equal(t, sends[0].Ref, edits[0].Ref)
	assert.Equal(t, sends[0].Ref.ID, replies[0].Msg.ReplyTo)

	assert.Equal(t, "**Nowe Ogłoszenie**", sends[0].Msg.Content)
	assert.Equal(t, "**Ogłoszenie (Zmienione)**", edits[0].Msg.Content)
	assert.Equal(t, "Dodano: 2024-05-06 07:00:00 | Ostatnia zmiana: 2024-05-06 08:00:00", edits[0].Msg.Embeds[0].Footer)
	assert.Equal(t, "Anna Nowak", sends[0].Msg.Embeds[0].Author)
	assert.Equal(t, "**__Wycieczka__**", sends[0].Msg.Embeds[0].Title)

	assert.Equal(t, [][]string{{"c1", "c2"}}, h.src.deletes())

	var actions []string
	for _, r := range h.store.records {
		actions = append(actions, r.Action)
		assert.Equal(t, res.ID, r.CycleID)
	}
	assert.Equal(t, []string{storage.ActionSend, storage.ActionEdit, storage.ActionReply}, actions)
}

func TestFailedDispatchAcknowledgesNothing(t *testing.T) {
	h := newHarness(t, "A")
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.src.addNotice(id, "Ogłoszenie "+id, "treść")
		h.src.changes = append(h.src.changes, change("c"+id, librus.ChangeAdd, librus.ResourceSchoolNotices, id))
	}
	h.src.noticeErr["3"] = &librus.Error{Kind: librus.KindUpstream, Status: 502}

	_, err := h.engine.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, librus.ErrUpstream)
	assert.Empty(t, h.src.deletes())
	assert.Len(t, h.src.changes, 5)

	// The next cycle redelivers all five; the two already posted are edited.
	delete(h.src.noticeErr, "3")
	_, err = h.engine.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"c1", "c2", "c3", "c4", "c5"}}, h.src.deletes())
	sends, edits, replies := notices(h.msg.Posted("A"))
	assert.Len(t, sends, 5)
	assert.Len(t, edits, 2)
	assert.Empty(t, replies)
}

func TestDestinationsDecideIndependently(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.src.addNotice("42", "Wycieczka", "treść")

	// Channel A already knows notice 42.
	ref, err := h.msg.Send(context.Background(), "A", messenger.Message{Content: "old"})
	require.NoError(t, err)
	dests := h.engine.Destinations()
	require.Len(t, dests, 2)
	dests[0].Notices.Set("42", ref.ID)

	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42")}
	_, err = h.engine.Cycle(context.Background())
	require.NoError(t, err)

	sendsA, editsA, _ := notices(h.msg.Posted("A"))
	assert.Len(t, sendsA, 1, "only the pre-existing message")
	require.Len(t, editsA, 1)
	assert.Equal(t, ref, editsA[0].Ref)

	sendsB, editsB, _ := notices(h.msg.Posted("B"))
	require.Len(t, sendsB, 1)
	assert.Empty(t, editsB)
	id, ok := dests[1].Notices.Get("42")
	assert.True(t, ok)
	assert.Equal(t, sendsB[0].Ref.ID, id)
}

func TestFailingDestinationDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.src.addNotice("42", "Wycieczka", "treść")
	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42")}
	h.msg.Fail = func(op, channelID string, _ messenger.Message) error {
		if op == "send" && channelID == "A" {
			return errors.New("rate limited")
		}
		return nil
	}

	_, err := h.engine.Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel A")
	assert.Len(t, h.msg.Posted("B"), 1)
	assert.Empty(t, h.src.deletes())
}

// partialSender posts the message but reports a failure afterwards, like an
// adapter whose follow-up call failed.
type partialSender struct {
	*memory.Messenger
	fail bool
}

func (p *partialSender) Send(ctx context.Context, channelID string, msg messenger.Message) (messenger.MessageRef, error) {
	ref, err := p.Messenger.Send(ctx, channelID, msg)
	if err == nil && p.fail {
		err = errors.New("second part rejected")
	}
	return ref, err
}

func TestPartialSendIsEditedOnRetry(t *testing.T) {
	h := newHarness(t, "A")
	ps := &partialSender{Messenger: h.msg, fail: true}
	h.engine.msg = ps
	h.src.addNotice("42", "Wycieczka", "treść")
	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42")}

	_, err := h.engine.Cycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.src.deletes())

	ps.fail = false
	_, err = h.engine.Cycle(context.Background())
	require.NoError(t, err)

	sends, edits, _ := notices(h.msg.Posted("A"))
	require.Len(t, sends, 1)
	require.Len(t, edits, 1)
	assert.Equal(t, sends[0].Ref, edits[0].Ref)
	assert.Equal(t, [][]string{{"c1"}}, h.src.deletes())
}

func TestUnreachableEntityIsReportedAndAcknowledged(t *testing.T) {
	h := newHarness(t, "A")
	h.src.noticeErr["9"] = &librus.Error{Kind: librus.KindForbidden, Status: 403}
	h.src.changes = []librus.Change{
		change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "missing"),
		change("c2", librus.ChangeEdit, librus.ResourceSchoolNotices, "9"),
	}

	res, err := h.engine.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acknowledged)
	assert.Empty(t, h.msg.Posted(""))
	assert.Len(t, h.rep.all(), 2)
	assert.Contains(t, h.rep.all()[0], "missing")
}

func TestSkippedChangesAreAcknowledged(t *testing.T) {
	h := newHarness(t, "A")
	h.src.changes = []librus.Change{
		change("c1", librus.ChangeAdd, "Grades", "100"),
		change("c2", librus.ChangeDelete, librus.ResourceSchoolNotices, "42"),
		change("c3", "Archive", librus.ResourceSchoolNotices, "42"),
	}
	res, err := h.engine.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, [][]string{{"c1", "c2", "c3"}}, h.src.deletes())
	assert.Empty(t, h.msg.Posted(""))
}

func TestFeedErrorsFailTheCycle(t *testing.T) {
	h := newHarness(t, "A")
	h.src.pushErr = &librus.Error{Kind: librus.KindUpstream, Code: librus.CodeFilterInvalidValue, Status: 200}
	_, err := h.engine.Cycle(context.Background())
	assert.ErrorIs(t, err, librus.ErrUpstream)

	h.src.pushErr = nil
	h.src.addNotice("1", "x", "y")
	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "1")}
	h.src.deleteErr = errors.New("boom")
	_, err = h.engine.Cycle(context.Background())
	assert.ErrorContains(t, err, "acknowledge changes")
}

func TestFreeDayAlwaysSendsNewMessage(t *testing.T) {
	h := newHarness(t, "A")
	from, to := "08:00", "12:30"
	h.src.freeDays[15] = &librus.TeacherFreeDay{
		ID: 15, Name: "Szkolenie", DateFrom: "2024-05-06", DateTo: "2024-05-07",
		TimeFrom: &from, TimeTo: &to, AddDate: "2024-05-01", Teacher: librus.Ref{ID: 7},
	}
	extra := "zastępstwa w planie"
	add := change("c1", librus.ChangeAdd, librus.ResourceTeacherFreeDays, "15")
	add.ExtraData = &extra
	h.src.changes = []librus.Change{add, change("c2", librus.ChangeEdit, librus.ResourceTeacherFreeDays, "15")}

	_, err := h.engine.Cycle(context.Background())
	require.NoError(t, err)

	posted := h.msg.Posted("A")
	require.Len(t, posted, 2)
	assert.NotEqual(t, posted[0].Ref, posted[1].Ref)
	assert.Equal(t, "**Dodano nieobecność nauczyciela**", posted[0].Msg.Content)
	assert.Equal(t, "**Zmieniono nieobecność nauczyciela**", posted[1].Msg.Content)

	embed := posted[0].Msg.Embeds[0]
	assert.Equal(t, "Anna Nowak", embed.Title)
	assert.Equal(t, "zastępstwa w planie\nSzkolenie", embed.Description)
	assert.Equal(t, []messenger.EmbedField{{Name: "Od:", Value: "2024-05-06 08:00"}, {Name: "Do:", Value: "2024-05-07 12:30"}}, embed.Fields)
	assert.Equal(t, "Dodano: 2024-05-01", embed.Footer)

	// Edits are also reported to the operator.
	require.Len(t, h.rep.all(), 1)
	assert.Equal(t, "Zmieniono nieobecność nauczyciela 15", h.rep.all()[0])
}

func TestPlanChangeNoticeTagsClassRoles(t *testing.T) {
	h := newHarness(t, "A")
	h.src.addNotice("42", "Zmiany w planie - środa", "Klasa 1A wychodzi wcześniej, 2B ma zastępstwo.")
	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42")}

	_, err := h.engine.Cycle(context.Background())
	require.NoError(t, err)
	posted := h.msg.Posted("A")
	require.Len(t, posted, 1)
	assert.Equal(t, "**Nowe Ogłoszenie**\n<@&r1a> <@&r2b>", posted[0].Msg.Content)
	assert.Equal(t, "Klasa <@&r1a> **1A** wychodzi wcześniej, <@&r2b> **2B** ma zastępstwo.", posted[0].Msg.Embeds[0].Description)
}

func TestAnnouncementChannelCrossposts(t *testing.T) {
	h := newHarness(t)
	h.msg.AddChannel(messenger.Channel{ID: "news", Kind: messenger.ChannelAnnouncement})
	h.msg.AddChannel(messenger.Channel{ID: "voice", Kind: messenger.ChannelOther})
	require.NoError(t, h.engine.Register(context.Background(), []DestinationConfig{
		{ChannelID: "news", GuildID: "g"},
		{ChannelID: "voice", GuildID: "g"},
		{ChannelID: "ghost", GuildID: "g"},
	}))
	require.Len(t, h.engine.Destinations(), 1)
	assert.Len(t, h.rep.all(), 2)

	h.msg.Fail = func(op, _ string, _ messenger.Message) error {
		if op == "crosspost" {
			return errors.New("crosspost quota")
		}
		return nil
	}
	h.src.addNotice("42", "Wycieczka", "treść")
	h.src.changes = []librus.Change{change("c1", librus.ChangeAdd, librus.ResourceSchoolNotices, "42")}
	_, err := h.engine.Cycle(context.Background())
	require.NoError(t, err, "crosspost failures are not fatal")
	assert.Contains(t, h.rep.all()[2], "Error while crossposting")
}

func TestLuckyNumber(t *testing.T) {
	h := newHarness(t, "A")
	h.src.lucky = &librus.LuckyNumber{LuckyNumber: 13, LuckyNumberDay: "2024-05-06"}
	require.NoError(t, h.engine.AnnounceLuckyNumber(context.Background()))

	h.src.lucky = &librus.LuckyNumber{LuckyNumber: 4, LuckyNumberDay: "2024-05-07"}
	require.NoError(t, h.engine.AnnounceLuckyNumber(context.Background()))

	posted := h.msg.Posted("A")
	require.Len(t, posted, 2)
	assert.Equal(t, "<@&r13>", posted[0].Msg.Content)
	assert.Equal(t, "**__Dzisiejszy szczęśliwy numerek to 13!__**", posted[0].Msg.Embeds[0].Title)
	assert.Equal(t, "Dnia: 2024-05-06", posted[0].Msg.Embeds[0].Footer)
	assert.Equal(t, "@Numerek 4 (brak roli)", posted[1].Msg.Content)

	h.src.luckyErr = &librus.Error{Kind: librus.KindForbidden, Status: 403}
	assert.ErrorIs(t, h.engine.AnnounceLuckyNumber(context.Background()), librus.ErrForbidden)
	assert.True(t, strings.HasPrefix(h.rep.all()[0], "Something in checking lucky numbers failed"))
}

func nextTimer(t *testing.T, c *fakeClock) fakeTimer {
	t.Helper()
	select {
	case tm := <-c.timers:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not schedule a timer")
		return fakeTimer{}
	}
}

func TestRunSchedulesCycles(t *testing.T) {
	h := newHarness(t, "A")
	bus := eventbus.New()
	h.engine.bus = bus
	events, unsub := bus.Subscribe(16)
	defer unsub()

	h.src.pushErr = errors.New("librus down")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	first := nextTimer(t, h.clock)
	assert.Equal(t, 2*time.Second, first.d)
	first.ch <- h.clock.now

	// Failure: retry after two minutes.
	retry := nextTimer(t, h.clock)
	assert.Equal(t, 2*time.Minute, retry.d)
	assert.Len(t, h.rep.all(), 1)

	h.src.mu.Lock()
	h.src.pushErr = nil
	h.src.mu.Unlock()
	retry.ch <- h.clock.now

	// Success: next cycle after seven minutes.
	ok := nextTimer(t, h.clock)
	assert.Equal(t, 7*time.Minute, ok.d)

	cancel()
	require.NoError(t, <-done)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{EventCycleStarted, EventCycleFailed, EventCycleStarted, EventCycleFinished}, types)
}

func TestSubmittedJobsRunOnLoop(t *testing.T) {
	h := newHarness(t, "A")
	h.src.lucky = &librus.LuckyNumber{LuckyNumber: 13, LuckyNumberDay: "2024-05-06"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	nextTimer(t, h.clock) // initial delay, never fired

	ran := make(chan struct{})
	require.NoError(t, h.engine.LuckyNumberJob(ctx))
	require.NoError(t, h.engine.Submit("ping", func(context.Context) error { close(ran); return nil }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	assert.Len(t, h.msg.Posted("A"), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, "A")
	noop := func(context.Context) error { return nil }
	for i := 0; i < cap(h.engine.jobs); i++ {
		require.NoError(t, h.engine.Submit("fill", noop))
	}
	assert.ErrorIs(t, h.engine.Submit("overflow", noop), ErrQueueFull)
}
