package slack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librusbot/internal/messenger"
	logx "librusbot/pkg/logx"
)

type slackAPI struct {
	mu    sync.Mutex
	forms map[string][]map[string]string
}

func newSlackAPI(t *testing.T) (*Adapter, *slackAPI) {
	t.Helper()
	api := &slackAPI{forms: map[string][]map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := strings.TrimPrefix(r.URL.Path, "/")
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		api.mu.Lock()
		api.forms[method] = append(api.forms[method], form)
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "chat.postMessage":
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
		case "chat.update":
			if form["ts"] == "missing" {
				_, _ = w.Write([]byte(`{"ok":false,"error":"message_not_found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100","text":"x"}`))
		case "conversations.info":
			_, _ = w.Write([]byte(`{"ok":true,"channel":{"id":"C1","name":"ogloszenia","is_channel":true}}`))
		case "usergroups.list":
			_, _ = w.Write([]byte(`{"ok":true,"usergroups":[{"id":"S1","name":"Klasa 1A","handle":"1A"},{"id":"S2","name":"Numerek 7","handle":""}]}`))
		case "conversations.history":
			if form["latest"] == "1700000000.000100" {
				_, _ = w.Write([]byte(`{"ok":true,"messages":[{"type":"message","ts":"1700000000.000100","text":"x"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"messages":[]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "xoxb-test", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return a, api
}

func (s *slackAPI) last(method string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.forms[method]
	if len(f) == 0 {
		return nil
	}
	return f[len(f)-1]
}

func TestSendConvertsMarkupAndEmbeds(t *testing.T) {
	a, api := newSlackAPI(t)
	ref, err := a.Send(context.Background(), "C1", messenger.Message{
		Content: "**Nowe Ogłoszenie**\n" + a.RoleMention("S1"),
		Embeds:  []messenger.Embed{{Color: 0xD3A5FF, Title: "**__Plan__**", Description: "klasa **1A** & 2B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, messenger.MessageRef{ChannelID: "C1", ID: "1700000000.000100"}, ref)

	form := api.last("chat.postMessage")
	require.NotNil(t, form)
	assert.Equal(t, "*Nowe Ogłoszenie*\n<!subteam^S1>", form["text"])
	assert.Contains(t, form["attachments"], `"color":"#D3A5FF"`)
	// encoding/json escapes '&' inside the attachments payload.
	assert.Contains(t, form["attachments"], `klasa *1A* \u0026amp; 2B`)
}

func TestReplyIsThreaded(t *testing.T) {
	a, api := newSlackAPI(t)
	_, err := a.Send(context.Background(), "C1", messenger.Message{Content: "Zmieniono ogłoszenie ^", ReplyTo: "1700000000.000100"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", api.last("chat.postMessage")["thread_ts"])
}

func TestEditMissingMessage(t *testing.T) {
	a, _ := newSlackAPI(t)
	err := a.Edit(context.Background(), messenger.MessageRef{ChannelID: "C1", ID: "missing"}, messenger.Message{Content: "x"})
	assert.True(t, errors.Is(err, messenger.ErrNotFound), "err = %v", err)
	require.NoError(t, a.Edit(context.Background(), messenger.MessageRef{ChannelID: "C1", ID: "1700000000.000100"}, messenger.Message{Content: "x"}))
}

func TestChannelRolesAndFetch(t *testing.T) {
	a, _ := newSlackAPI(t)
	ctx := context.Background()

	ch, err := a.Channel(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, messenger.ChannelText, ch.Kind)
	assert.Equal(t, "ogloszenia", ch.Name)

	roles, err := a.Roles(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []messenger.Role{{ID: "S1", Name: "1A"}, {ID: "S2", Name: "Numerek 7"}}, roles)

	_, err = a.FetchMessage(ctx, "C1", "1700000000.000100")
	require.NoError(t, err)
	_, err = a.FetchMessage(ctx, "C1", "1600000000.000000")
	assert.ErrorIs(t, err, messenger.ErrNotFound)

	assert.ErrorIs(t, a.Crosspost(ctx, messenger.MessageRef{}), messenger.ErrUnsupported)
}
