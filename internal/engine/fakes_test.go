package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"librusbot/internal/librus"
	"librusbot/internal/messenger"
	"librusbot/internal/messenger/memory"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

type fakeSource struct {
	mu sync.Mutex

	changes   []librus.Change
	pushErr   error
	deleted   [][]string
	deleteErr error

	notices   map[string]*librus.SchoolNotice
	noticeErr map[string]error
	freeDays  map[int]*librus.TeacherFreeDay
	users     map[int]*librus.User
	lucky     *librus.LuckyNumber
	luckyErr  error

	pushCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		notices:   map[string]*librus.SchoolNotice{},
		noticeErr: map[string]error{},
		freeDays:  map[int]*librus.TeacherFreeDay{},
		users:     map[int]*librus.User{7: {ID: 7, FirstName: "Anna", LastName: "Nowak"}},
	}
}

func (f *fakeSource) PushChanges(context.Context) ([]librus.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return append([]librus.Change(nil), f.changes...), nil
}

// DeletePushChanges removes acknowledged changes, like the real feed.
func (f *fakeSource) DeletePushChanges(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, append([]string(nil), ids...))
	gone := map[string]bool{}
	for _, id := range ids {
		gone[id] = true
	}
	kept := f.changes[:0]
	for _, c := range f.changes {
		if !gone[c.ID.String()] {
			kept = append(kept, c)
		}
	}
	f.changes = kept
	return nil
}

func (f *fakeSource) SchoolNotice(_ context.Context, id string) (*librus.SchoolNotice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noticeErr[id]; err != nil {
		return nil, err
	}
	n, ok := f.notices[id]
	if !ok {
		return nil, &librus.Error{Kind: librus.KindNotFound, Op: "GET SchoolNotices/" + id, Status: 404}
	}
	return n, nil
}

func (f *fakeSource) TeacherFreeDay(_ context.Context, id int) (*librus.TeacherFreeDay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.freeDays[id]
	if !ok {
		return nil, &librus.Error{Kind: librus.KindNotFound, Status: 404}
	}
	return d, nil
}

func (f *fakeSource) User(_ context.Context, id int) (*librus.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, &librus.Error{Kind: librus.KindNotFound, Status: 404}
	}
	return u, nil
}

func (f *fakeSource) LuckyNumber(context.Context) (*librus.LuckyNumber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lucky, f.luckyErr
}

func (f *fakeSource) deletes() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.deleted...)
}

func (f *fakeSource) addNotice(id, subject, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[id] = &librus.SchoolNotice{
		ID:           librus.ID(id),
		Subject:      subject,
		Content:      content,
		AddedBy:      librus.Ref{ID: 7},
		CreationDate: "2024-05-06 07:00:00",
	}
}

func change(id string, kind librus.ChangeKind, resource, resourceID string) librus.Change {
	return librus.Change{
		ID:       librus.ID(id),
		Type:     kind,
		AddDate:  "2024-05-06 08:00:00",
		Resource: librus.ChangeResource{ID: librus.ID(resourceID), Type: resource},
	}
}

type reports struct {
	mu    sync.Mutex
	texts []string
}

func (r *reports) Report(_ context.Context, text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *reports) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type memRecorder struct {
	mu      sync.Mutex
	records []storage.DeliveryRecord
}

func (m *memRecorder) AppendDelivery(_ context.Context, r storage.DeliveryRecord) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

// fakeClock hands every After call to the test, which decides when it fires.
type fakeClock struct {
	now    time.Time
	timers chan fakeTimer
}

type fakeTimer struct {
	d  time.Duration
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC), timers: make(chan fakeTimer, 16)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	t := fakeTimer{d: d, ch: make(chan time.Time, 1)}
	c.timers <- t
	return t.ch
}

type harness struct {
	src    *fakeSource
	msg    *memory.Messenger
	rep    *reports
	store  *memRecorder
	clock  *fakeClock
	engine *Engine
}

// newHarness registers one text channel per id in guild "g".
func newHarness(t *testing.T, channels ...string) *harness {
	t.Helper()
	h := &harness{
		src:   newFakeSource(),
		msg:   memory.New(logx.Nop()),
		rep:   &reports{},
		store: &memRecorder{},
		clock: newFakeClock(),
	}
	h.msg.SetRoles("g", []messenger.Role{
		{ID: "r1a", Name: "1A"},
		{ID: "r2b", Name: "2b4"},
		{ID: "r13", Name: "Numerek 13"},
		{ID: "rx", Name: "Moderator"},
	})
	var cfgs []DestinationConfig
	for _, id := range channels {
		h.msg.AddChannel(messenger.Channel{ID: id, Name: id, Kind: messenger.ChannelText})
		cfgs = append(cfgs, DestinationConfig{ChannelID: id, GuildID: "g", TagRoles: true})
	}
	e, err := New(Options{
		Source:    h.src,
		Messenger: h.msg,
		Reporter:  h.rep,
		Store:     h.store,
		Clock:     h.clock,
		Logger:    logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Register(context.Background(), cfgs); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.engine = e
	return h
}
