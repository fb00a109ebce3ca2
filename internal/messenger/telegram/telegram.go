// Package telegram delivers messages through the Telegram Bot API (telebot).
//
// Telegram has no roles or cross-posting: roles come from configuration and
// RoleMention returns the configured mention text (a hashtag or @username).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"librusbot/internal/messenger"
	logx "librusbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (tests).
	APIURL      string
	HTTPTimeout time.Duration
	// Roles are the mentionable groups; Role.ID is the literal mention text.
	Roles []messenger.Role
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var htmlMarkup = messenger.Markup{
	Escape:    html.EscapeString,
	Bold:      [2]string{"<b>", "</b>"},
	Underline: [2]string{"<u>", "</u>"},
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.APIURL != "",
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Channel(ctx context.Context, channelID string) (messenger.Channel, error) {
	id, err := parseChatID(channelID)
	if err != nil {
		return messenger.Channel{}, err
	}
	if err := ctx.Err(); err != nil {
		return messenger.Channel{}, err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return messenger.Channel{}, fmt.Errorf("telegram chat %s: %w", channelID, err)
	}
	name := chat.Title
	if name == "" {
		name = chat.Username
	}
	return messenger.Channel{ID: channelID, Name: name, Kind: messenger.ChannelText}, nil
}

func (a *Adapter) Roles(_ context.Context, _ string) ([]messenger.Role, error) {
	return append([]messenger.Role(nil), a.cfg.Roles...), nil
}

func (a *Adapter) RoleMention(roleID string) string { return roleID }

// Send posts msg as one message; see fitMessage for over-long content.
func (a *Adapter) Send(ctx context.Context, channelID string, msg messenger.Message) (messenger.MessageRef, error) {
	id, err := parseChatID(channelID)
	if err != nil {
		return messenger.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return messenger.MessageRef{}, err
	}
	chat := &tele.Chat{ID: id}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if msg.ReplyTo != "" {
		if rid, err := strconv.Atoi(msg.ReplyTo); err == nil {
			opt.ReplyTo = &tele.Message{ID: rid, Chat: chat}
			opt.AllowWithoutReply = true
		}
	}
	sent, err := a.bot.Send(chat, fitMessage(msg), opt)
	if err != nil {
		return messenger.MessageRef{}, err
	}
	return messenger.MessageRef{ChannelID: channelID, ID: strconv.Itoa(sent.ID)}, nil
}

// Edit replaces the text of ref in place. It never posts new messages.
func (a *Adapter) Edit(ctx context.Context, ref messenger.MessageRef, msg messenger.Message) error {
	chatID, err := parseChatID(ref.ChannelID)
	if err != nil {
		return err
	}
	mid, err := strconv.Atoi(ref.ID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", ref.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: mid, Chat: &tele.Chat{ID: chatID}}
	_, err = a.bot.Edit(m, fitMessage(msg), &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
	if errors.Is(err, tele.ErrSameMessageContent) {
		return nil
	}
	return err
}

// FetchMessage cannot be checked through the Bot API; the reference is
// returned as long as it is well formed and Edit reports a missing message.
func (a *Adapter) FetchMessage(_ context.Context, channelID, messageID string) (messenger.MessageRef, error) {
	if _, err := parseChatID(channelID); err != nil {
		return messenger.MessageRef{}, err
	}
	if _, err := strconv.Atoi(messageID); err != nil {
		return messenger.MessageRef{}, fmt.Errorf("telegram message id %q: %w", messageID, messenger.ErrNotFound)
	}
	return messenger.MessageRef{ChannelID: channelID, ID: messageID}, nil
}

func (a *Adapter) Crosspost(context.Context, messenger.MessageRef) error {
	return messenger.ErrUnsupported
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram chat id %q: %w", s, err)
	}
	return id, nil
}

// fitMessage renders msg into at most textLimit runes. A notice is one message
// so that it can be edited in place: the longest embed description is
// shortened first, and anything still too long is cut at a tag-safe point.
func fitMessage(msg messenger.Message) string {
	text := render(msg)
	msg.Embeds = slices.Clone(msg.Embeds)
	for range 4 {
		over := utf8.RuneCountInString(text) - textLimit
		if over <= 0 {
			return text
		}
		i := longestDescription(msg.Embeds)
		if i < 0 {
			break
		}
		rs := []rune(msg.Embeds[i].Description)
		if keep := len(rs) - over - 1; keep > 0 {
			msg.Embeds[i].Description = strings.TrimRightFunc(string(rs[:keep]), unicode.IsSpace) + "…"
		} else {
			msg.Embeds[i].Description = ""
		}
		text = render(msg)
	}
	if utf8.RuneCountInString(text) <= textLimit {
		return text
	}
	if parts := splitHTML(text, textLimit); len(parts) > 0 {
		return parts[0]
	}
	return text
}

func longestDescription(embeds []messenger.Embed) int {
	best, n := -1, 0
	for i, e := range embeds {
		if l := utf8.RuneCountInString(e.Description); l > n {
			best, n = i, l
		}
	}
	return best
}

// render flattens content and embeds into one HTML message.
func render(msg messenger.Message) string {
	var b strings.Builder
	if c := strings.TrimSpace(msg.Content); c != "" {
		b.WriteString(htmlMarkup.Convert(c))
	}
	for _, e := range msg.Embeds {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if e.Author != "" {
			b.WriteString("<i>" + html.EscapeString(e.Author) + "</i>\n")
		}
		if e.Title != "" {
			b.WriteString("<b>" + htmlMarkup.Convert(messenger.StripMarkup(e.Title)) + "</b>\n")
		}
		if e.Description != "" {
			b.WriteString(htmlMarkup.Convert(strings.TrimSpace(e.Description)) + "\n")
		}
		for _, f := range e.Fields {
			b.WriteString("<b>" + html.EscapeString(f.Name) + "</b> " + html.EscapeString(f.Value) + "\n")
		}
		if e.Footer != "" {
			b.WriteString("<i>" + html.EscapeString(e.Footer) + "</i>")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
