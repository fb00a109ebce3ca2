package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"librusbot/internal/messenger"
	logx "librusbot/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	calls []apiCall
}

type apiCall struct {
	Method string
	Params map[string]any
}

func (b *botAPI) handler(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)
	b.mu.Lock()
	b.calls = append(b.calls, apiCall{Method: method, Params: params})
	n := len(b.calls)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":-100,"type":"supergroup"},"text":"x"}}`, 40+n)
}

func (b *botAPI) snapshot() []apiCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]apiCall(nil), b.calls...)
}

func newTestAdapter(t *testing.T) (*Adapter, *botAPI) {
	t.Helper()
	api := &botAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Roles: []messenger.Role{{ID: "#klasa_1a", Name: "1A"}}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func TestSendRendersHTML(t *testing.T) {
	a, api := newTestAdapter(t)
	ref, err := a.Send(context.Background(), "-100", messenger.Message{
		Content: "**Nowe Ogłoszenie**\n#klasa_1a",
		Embeds: []messenger.Embed{{
			Author:      "Jan Kowalski",
			Title:       "**__Zmiany w planie <środa>__**",
			Description: "Klasa **1A** bez zmian",
			Footer:      "Dodano: 2024-05-06",
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ChannelID != "-100" || ref.ID != "41" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	calls := api.snapshot()
	if len(calls) != 1 || calls[0].Method != "sendMessage" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	text, _ := calls[0].Params["text"].(string)
	for _, want := range []string{
		"<b>Nowe Ogłoszenie</b>",
		"<i>Jan Kowalski</i>",
		"<b>Zmiany w planie &lt;środa&gt;</b>",
		"Klasa <b>1A</b> bez zmian",
		"<i>Dodano: 2024-05-06</i>",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q does not contain %q", text, want)
		}
	}
}

func TestEditUsesMessageID(t *testing.T) {
	a, api := newTestAdapter(t)
	if err := a.Edit(context.Background(), messenger.MessageRef{ChannelID: "-100", ID: "7"}, messenger.Message{Content: "changed"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	calls := api.snapshot()
	if len(calls) != 1 || calls[0].Method != "editMessageText" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := fmt.Sprint(calls[0].Params["message_id"]); got != "7" {
		t.Fatalf("message_id = %s", got)
	}
}

func TestLongNoticeStaysOneMessage(t *testing.T) {
	a, api := newTestAdapter(t)
	ctx := context.Background()
	notice := messenger.Message{
		Content: "**Nowe Ogłoszenie**",
		Embeds: []messenger.Embed{{
			Author:      "Jan Kowalski",
			Title:       "Regulamin",
			Description: strings.Repeat("Zasady & obowiązki. ", 205),
			Footer:      "Dodano: 2024-05-06",
		}},
	}
	ref, err := a.Send(ctx, "-100", notice)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	notice.Embeds[0].Footer = "Dodano: 2024-05-06 | Ostatnia zmiana: 2024-05-07"
	for i := 0; i < 2; i++ {
		if err := a.Edit(ctx, ref, notice); err != nil {
			t.Fatalf("Edit %d: %v", i, err)
		}
	}

	methods := map[string]int{}
	for _, c := range api.snapshot() {
		methods[c.Method]++
		text, _ := c.Params["text"].(string)
		if n := utf8.RuneCountInString(text); n > textLimit {
			t.Fatalf("%s text has %d runes", c.Method, n)
		}
		if !strings.Contains(text, "…") || !strings.Contains(text, "<i>Dodano: 2024-05-06") {
			t.Fatalf("%s text lost its shape: ...%q", c.Method, text[len(text)-80:])
		}
	}
	if methods["sendMessage"] != 1 || methods["editMessageText"] != 2 || len(methods) != 2 {
		t.Fatalf("calls = %v", methods)
	}
	if len([]rune(notice.Embeds[0].Description)) != 205*len([]rune("Zasady & obowiązki. ")) {
		t.Fatalf("caller's message was modified")
	}
}

func TestFitMessageCutsPlainContent(t *testing.T) {
	text := fitMessage(messenger.Message{Content: strings.Repeat("linia tekstu\n", 400)})
	if n := utf8.RuneCountInString(text); n > textLimit || n < textLimit/2 {
		t.Fatalf("fitted length = %d", n)
	}
	if short := fitMessage(messenger.Message{Content: "krótko"}); short != "krótko" {
		t.Fatalf("short message changed: %q", short)
	}
}

func TestRolesAndUnsupported(t *testing.T) {
	a, _ := newTestAdapter(t)
	roles, err := a.Roles(context.Background(), "")
	if err != nil || len(roles) != 1 || a.RoleMention(roles[0].ID) != "#klasa_1a" {
		t.Fatalf("roles = %+v, err = %v", roles, err)
	}
	if err := a.Crosspost(context.Background(), messenger.MessageRef{}); err != messenger.ErrUnsupported {
		t.Fatalf("Crosspost err = %v", err)
	}
	if _, err := a.Send(context.Background(), "not-a-chat", messenger.Message{Content: "x"}); err == nil {
		t.Fatalf("expected error for malformed chat id")
	}
}

func TestSplitHTMLPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 30) + "\n"
	s := strings.Repeat(line, 10)
	parts := splitHTML(s, 100)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > 100 {
			t.Fatalf("part exceeds limit: %d", len(p))
		}
		if strings.HasPrefix(p, "\n") || strings.HasSuffix(p, "\n") {
			t.Fatalf("part has dangling newline: %q", p)
		}
	}
}

func TestSplitHTMLRebalancesTags(t *testing.T) {
	s := "<b>" + strings.Repeat("słowo ", 40) + "</b>"
	parts := splitHTML(s, 50)
	if len(parts) < 4 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for i, p := range parts {
		if !strings.HasPrefix(p, "<b>") || !strings.HasSuffix(p, "</b>") {
			t.Fatalf("part %d is unbalanced: %q", i, p)
		}
	}
}

func TestSplitHTMLKeepsEntitiesWhole(t *testing.T) {
	s := strings.Repeat("x", 18) + "&amp;" + strings.Repeat("y", 30)
	parts := splitHTML(s, 20)
	if len(parts) < 2 || parts[0] != strings.Repeat("x", 18) {
		t.Fatalf("parts = %q", parts)
	}
	if !strings.HasPrefix(parts[1], "&amp;") {
		t.Fatalf("entity was split: %q", parts)
	}
}
