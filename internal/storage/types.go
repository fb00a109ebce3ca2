package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery kinds.
const (
	KindNotice      = "notice"
	KindFreeDay     = "free_day"
	KindLuckyNumber = "lucky_number"
)

// Delivery actions.
const (
	ActionSend  = "send"
	ActionEdit  = "edit"
	ActionReply = "reply"
)

// DeliveryRecord is one message posted or edited by the engine.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At          time.Time `json:"at"`
	CycleID     string    `json:"cycle_id,omitempty"`
	Destination string    `json:"destination"`
	Kind        string    `json:"kind"`
	EntityID    string    `json:"entity_id"`
	ChangeID    string    `json:"change_id,omitempty"`
	MessageID   string    `json:"message_id"`
	Action      string    `json:"action"`
}
