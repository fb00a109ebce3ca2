package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librusbot/internal/engine"
	"librusbot/internal/eventbus"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

type fakeDeliveries struct {
	recs []storage.DeliveryRecord
	err  error
	n    int
}

func (f *fakeDeliveries) Recent(_ context.Context, n int) ([]storage.DeliveryRecord, error) {
	f.n = n
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.recs) {
		return f.recs[len(f.recs)-n:], nil
	}
	return f.recs, nil
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func cycle(typ string, res engine.CycleResult) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Date(2024, 5, 10, 6, 30, 0, 0, time.UTC), Data: res}
}

func TestHealthFollowsCycles(t *testing.T) {
	s := New(Config{FailureThreshold: 2}, nil, logx.Nop())
	h := s.Handler()

	var body Health
	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "starting", body.Status)
	assert.Nil(t, body.LastCycle)

	s.Observe(eventbus.Event{Type: engine.EventCycleStarted})
	s.Observe(cycle(engine.EventCycleFinished, engine.CycleResult{ID: "c1", Fetched: 3, Acknowledged: 3}))
	assert.Equal(t, "ok", s.Health().Status)
	assert.Equal(t, 3, s.Health().LastCycle.Acknowledged)

	s.Observe(cycle(engine.EventCycleFailed, engine.CycleResult{ID: "c2", Err: errors.New("librus down")}))
	assert.Equal(t, "ok", s.Health().Status, "one failure stays under the threshold")

	s.Observe(cycle(engine.EventCycleFailed, engine.CycleResult{ID: "c3", Err: errors.New("librus down")}))
	rec = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failing", body.Status)
	assert.Equal(t, 2, body.ConsecutiveFailures)
	assert.Equal(t, 3, body.Cycles)
	assert.Equal(t, "librus down", body.LastCycle.Error)

	s.Observe(cycle(engine.EventCycleFinished, engine.CycleResult{ID: "c4"}))
	assert.Equal(t, "ok", s.Health().Status)
	assert.Equal(t, 0, s.Health().ConsecutiveFailures)
}

func TestTrackConsumesBus(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	s := New(Config{}, nil, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Track(context.Background(), events) }()

	bus.Publish(cycle(engine.EventCycleFinished, engine.CycleResult{ID: "c1"}))
	unsub()
	require.NoError(t, <-done)
	assert.Equal(t, "c1", s.Health().LastCycle.ID)
}

func TestDeliveries(t *testing.T) {
	d := &fakeDeliveries{recs: []storage.DeliveryRecord{
		{Destination: "A", Kind: storage.KindNotice, EntityID: "1", MessageID: "m1", Action: storage.ActionSend},
		{Destination: "A", Kind: storage.KindNotice, EntityID: "1", MessageID: "m1", Action: storage.ActionEdit},
	}}
	h := New(Config{}, d, logx.Nop()).Handler()

	rec := get(t, h, "/deliveries?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []storage.DeliveryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, storage.ActionEdit, got[0].Action)

	get(t, h, "/deliveries?limit=100000", nil)
	assert.Equal(t, maxLimit, d.n)
	get(t, h, "/deliveries", nil)
	assert.Equal(t, defaultLimit, d.n)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/deliveries?limit=-1", nil).Code)

	d.err = errors.New("disk gone")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/deliveries", nil).Code)

	off := New(Config{}, nil, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/deliveries", nil).Code)
}

func TestTokenRequired(t *testing.T) {
	h := New(Config{Token: "s3cret"}, nil, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", http.Header{"Authorization": {"Bearer s3cret"}}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/pprof/", nil).Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"status": "starting"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
