package api

import (
	"fmt"
	"time"
)

// MessageType tags a realtime envelope variant.
type MessageType string

const (
	// MessageTypeItem carries a single sync item in either direction.
	MessageTypeItem MessageType = "item"

	// MessageTypeAck acknowledges receipt of a previously sent item.
	MessageTypeAck MessageType = "ack"

	// MessageTypeHeartbeat is the periodic liveness signal.
	MessageTypeHeartbeat MessageType = "heartbeat"

	// MessageTypeError reports a channel-level failure.
	MessageTypeError MessageType = "error"
)

// Ack acknowledges delivery of one item.
type Ack struct {
	ItemID  string `json:"item_id"`
	Success bool   `json:"success"`
}

// Heartbeat is exchanged at a fixed interval in both directions.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Health    string    `json:"health,omitempty"`
}

// ChannelError describes a failure signaled by the remote end.
// Recoverable errors allow the session to continue; unrecoverable ones
// force a reconnect.
type ChannelError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Message is the realtime envelope. Exactly one variant field is set,
// selected by Type. Receivers must switch exhaustively on Type and treat
// unknown values as a protocol error.
type Message struct {
	Type      MessageType   `json:"type"`
	Item      *SyncItem     `json:"item,omitempty"`
	Ack       *Ack          `json:"ack,omitempty"`
	Heartbeat *Heartbeat    `json:"heartbeat,omitempty"`
	Error     *ChannelError `json:"error,omitempty"`
}

// Validate checks that the variant field matching Type is present.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeItem:
		if m.Item == nil {
			return fmt.Errorf("item message without item payload")
		}
	case MessageTypeAck:
		if m.Ack == nil {
			return fmt.Errorf("ack message without ack payload")
		}
	case MessageTypeHeartbeat:
		if m.Heartbeat == nil {
			return fmt.Errorf("heartbeat message without heartbeat payload")
		}
	case MessageTypeError:
		if m.Error == nil {
			return fmt.Errorf("error message without error payload")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// NewItemMessage wraps a sync item in an envelope.
func NewItemMessage(item SyncItem) Message {
	return Message{Type: MessageTypeItem, Item: &item}
}

// NewAckMessage builds an acknowledgement envelope.
func NewAckMessage(itemID string, success bool) Message {
	return Message{Type: MessageTypeAck, Ack: &Ack{ItemID: itemID, Success: success}}
}

// NewHeartbeatMessage builds a heartbeat envelope stamped with now.
func NewHeartbeatMessage(health string) Message {
	return Message{Type: MessageTypeHeartbeat, Heartbeat: &Heartbeat{Timestamp: time.Now().UTC(), Health: health}}
}
