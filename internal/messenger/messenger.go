// Package messenger is the boundary between the notification engine and a chat
// platform. Message text uses a small markdown subset: **bold** and __underline__.
package messenger

import (
	"context"
	"errors"
)

var (
	// ErrUnsupported is returned for operations the platform has no equivalent for.
	ErrUnsupported = errors.New("messenger: operation not supported")
	ErrNotFound    = errors.New("messenger: not found")
)

type ChannelKind int

const (
	ChannelOther ChannelKind = iota
	ChannelText
	// ChannelAnnouncement messages can be cross-posted to followers.
	ChannelAnnouncement
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelText:
		return "text"
	case ChannelAnnouncement:
		return "announcement"
	default:
		return "other"
	}
}

type Channel struct {
	ID   string
	Name string
	Kind ChannelKind
}

type Role struct {
	ID   string
	Name string
}

type EmbedField struct {
	Name  string
	Value string
}

// Embed is a rich card attached to a message. Color is 0xRRGGBB.
type Embed struct {
	Color       int
	Author      string
	Title       string
	Description string
	Fields      []EmbedField
	Footer      string
}

type Message struct {
	Content string
	Embeds  []Embed

	// ReplyTo is the id of a message in the same channel. A missing target is
	// not an error; the message is sent without the reference.
	ReplyTo string
}

// MessageRef identifies a posted message.
type MessageRef struct {
	ChannelID string
	ID        string
}

type Messenger interface {
	Channel(ctx context.Context, channelID string) (Channel, error)
	// Roles lists the mentionable groups of a guild/workspace.
	Roles(ctx context.Context, guildID string) ([]Role, error)
	Send(ctx context.Context, channelID string, msg Message) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, msg Message) error
	FetchMessage(ctx context.Context, channelID, messageID string) (MessageRef, error)
	Crosspost(ctx context.Context, ref MessageRef) error
	// RoleMention renders the text that notifies every member of roleID.
	RoleMention(roleID string) string
}

// OperatorSender adapts a Messenger to the log sink interface: every line is
// sent as plain content to one channel.
type OperatorSender struct {
	M         Messenger
	ChannelID string
}

func (s OperatorSender) SendOperator(ctx context.Context, text string) error {
	if s.M == nil || s.ChannelID == "" {
		return nil
	}
	_, err := s.M.Send(ctx, s.ChannelID, Message{Content: text})
	return err
}
