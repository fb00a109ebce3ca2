// Package slack delivers messages to Slack. Embeds become attachments, roles
// are user groups and replies are thread replies.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"librusbot/internal/messenger"
	logx "librusbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides https://slack.com/api (tests).
	APIURL      string
	HTTPTimeout time.Duration
}

type Adapter struct {
	api *slack.Client
	log logx.Logger
}

var mrkdwn = messenger.Markup{
	Escape:         escape,
	Bold:           [2]string{"*", "*"},
	Underline:      [2]string{"_", "_"},
	PreserveTokens: regexp.MustCompile(`<!subteam\^[A-Za-z0-9]+>`),
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("slack token is empty")
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	api := slack.New(token, slack.OptionHTTPClient(&http.Client{Timeout: timeout}), slack.OptionAPIURL(base))
	return &Adapter{api: api, log: log}, nil
}

func (a *Adapter) Channel(ctx context.Context, channelID string) (messenger.Channel, error) {
	ch, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		if isSlackErr(err, "channel_not_found") {
			return messenger.Channel{}, fmt.Errorf("slack channel %s: %w", channelID, messenger.ErrNotFound)
		}
		return messenger.Channel{}, fmt.Errorf("slack channel %s: %w", channelID, err)
	}
	kind := messenger.ChannelText
	if ch.IsArchived {
		kind = messenger.ChannelOther
	}
	return messenger.Channel{ID: ch.ID, Name: ch.Name, Kind: kind}, nil
}

// Roles lists the workspace user groups. guildID is ignored: a token belongs
// to exactly one workspace.
func (a *Adapter) Roles(ctx context.Context, _ string) ([]messenger.Role, error) {
	groups, err := a.api.GetUserGroupsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack user groups: %w", err)
	}
	out := make([]messenger.Role, 0, len(groups))
	for _, g := range groups {
		name := g.Handle
		if name == "" {
			name = g.Name
		}
		out = append(out, messenger.Role{ID: g.ID, Name: name})
	}
	return out, nil
}

func (a *Adapter) RoleMention(roleID string) string { return "<!subteam^" + roleID + ">" }

func (a *Adapter) Send(ctx context.Context, channelID string, msg messenger.Message) (messenger.MessageRef, error) {
	opts := msgOptions(msg)
	if msg.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
	}
	ch, ts, err := a.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return messenger.MessageRef{}, fmt.Errorf("slack post: %w", err)
	}
	return messenger.MessageRef{ChannelID: ch, ID: ts}, nil
}

func (a *Adapter) Edit(ctx context.Context, ref messenger.MessageRef, msg messenger.Message) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, ref.ChannelID, ref.ID, msgOptions(msg)...)
	if err != nil {
		if isSlackErr(err, "message_not_found") {
			return fmt.Errorf("slack message %s: %w", ref.ID, messenger.ErrNotFound)
		}
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (messenger.MessageRef, error) {
	resp, err := a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    messageID,
		Oldest:    messageID,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return messenger.MessageRef{}, fmt.Errorf("slack history: %w", err)
	}
	for _, m := range resp.Messages {
		if m.Timestamp == messageID {
			return messenger.MessageRef{ChannelID: channelID, ID: messageID}, nil
		}
	}
	return messenger.MessageRef{}, fmt.Errorf("slack message %s: %w", messageID, messenger.ErrNotFound)
}

func (a *Adapter) Crosspost(context.Context, messenger.MessageRef) error {
	return messenger.ErrUnsupported
}

func msgOptions(msg messenger.Message) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(mrkdwn.Convert(msg.Content), false)}
	if len(msg.Embeds) == 0 {
		return opts
	}
	atts := make([]slack.Attachment, 0, len(msg.Embeds))
	for _, e := range msg.Embeds {
		att := slack.Attachment{
			Color:      fmt.Sprintf("#%06X", e.Color&0xFFFFFF),
			AuthorName: e.Author,
			Title:      messenger.StripMarkup(e.Title),
			Text:       mrkdwn.Convert(e.Description),
			Footer:     e.Footer,
			MarkdownIn: []string{"text"},
		}
		for _, f := range e.Fields {
			att.Fields = append(att.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
		}
		atts = append(atts, att)
	}
	return append(opts, slack.MsgOptionAttachments(atts...))
}

func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func isSlackErr(err error, code string) bool {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == code
	}
	return strings.Contains(err.Error(), code)
}
