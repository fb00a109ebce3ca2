// Package memory is an in-process messenger. It backs the "memory" driver
// (dry runs log what would be posted) and engine tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"librusbot/internal/messenger"
	logx "librusbot/pkg/logx"
)

// Posted is one recorded Send or Edit.
type Posted struct {
	Ref     messenger.MessageRef
	Msg     messenger.Message
	Edit    bool
	Crossed bool
}

type Messenger struct {
	log logx.Logger

	mu       sync.Mutex
	seq      int
	channels map[string]messenger.Channel
	roles    map[string][]messenger.Role
	messages map[messenger.MessageRef]messenger.Message
	history  []Posted

	// Fail, when set, is consulted before every Send/Edit/Crosspost; a non-nil
	// result is returned instead of performing the operation.
	Fail func(op string, channelID string, msg messenger.Message) error
}

func New(log logx.Logger) *Messenger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Messenger{
		log:      log,
		channels: map[string]messenger.Channel{},
		roles:    map[string][]messenger.Role{},
		messages: map[messenger.MessageRef]messenger.Message{},
	}
}

// AddChannel registers a channel. Unknown channels are reported as not found.
func (m *Messenger) AddChannel(ch messenger.Channel) {
	m.mu.Lock()
	m.channels[ch.ID] = ch
	m.mu.Unlock()
}

func (m *Messenger) SetRoles(guildID string, roles []messenger.Role) {
	m.mu.Lock()
	m.roles[guildID] = append([]messenger.Role(nil), roles...)
	m.mu.Unlock()
}

func (m *Messenger) Channel(_ context.Context, channelID string) (messenger.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return messenger.Channel{}, fmt.Errorf("channel %s: %w", channelID, messenger.ErrNotFound)
	}
	return ch, nil
}

func (m *Messenger) Roles(_ context.Context, guildID string) ([]messenger.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messenger.Role(nil), m.roles[guildID]...), nil
}

func (m *Messenger) Send(_ context.Context, channelID string, msg messenger.Message) (messenger.MessageRef, error) {
	if err := m.fail("send", channelID, msg); err != nil {
		return messenger.MessageRef{}, err
	}
	m.mu.Lock()
	m.seq++
	ref := messenger.MessageRef{ChannelID: channelID, ID: fmt.Sprintf("m%d", m.seq)}
	m.messages[ref] = msg
	m.history = append(m.history, Posted{Ref: ref, Msg: msg})
	m.mu.Unlock()

	m.log.Info("message sent", logx.String("channel", channelID), logx.String("id", ref.ID), logx.String("content", messenger.StripMarkup(msg.Content)))
	return ref, nil
}

func (m *Messenger) Edit(_ context.Context, ref messenger.MessageRef, msg messenger.Message) error {
	if err := m.fail("edit", ref.ChannelID, msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[ref]; !ok {
		return fmt.Errorf("message %s/%s: %w", ref.ChannelID, ref.ID, messenger.ErrNotFound)
	}
	m.messages[ref] = msg
	m.history = append(m.history, Posted{Ref: ref, Msg: msg, Edit: true})
	m.log.Info("message edited", logx.String("channel", ref.ChannelID), logx.String("id", ref.ID))
	return nil
}

func (m *Messenger) FetchMessage(_ context.Context, channelID, messageID string) (messenger.MessageRef, error) {
	ref := messenger.MessageRef{ChannelID: channelID, ID: messageID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[ref]; !ok {
		return messenger.MessageRef{}, fmt.Errorf("message %s/%s: %w", channelID, messageID, messenger.ErrNotFound)
	}
	return ref, nil
}

func (m *Messenger) Crosspost(_ context.Context, ref messenger.MessageRef) error {
	if err := m.fail("crosspost", ref.ChannelID, messenger.Message{}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].Ref == ref && !m.history[i].Edit {
			m.history[i].Crossed = true
		}
	}
	return nil
}

func (m *Messenger) RoleMention(roleID string) string { return "<@&" + roleID + ">" }

// Posted returns every Send/Edit so far, optionally filtered to one channel.
func (m *Messenger) Posted(channelID string) []Posted {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Posted, 0, len(m.history))
	for _, p := range m.history {
		if channelID == "" || p.Ref.ChannelID == channelID {
			out = append(out, p)
		}
	}
	return out
}

// Message returns the current content of a posted message.
func (m *Messenger) Message(ref messenger.MessageRef) (messenger.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[ref]
	return msg, ok
}

func (m *Messenger) fail(op, channelID string, msg messenger.Message) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, channelID, msg)
}
