package model

import (
	"encoding/json"
	"time"
)

// MessageState is the lifecycle state of a stored case event message.
type MessageState string

const (
	MessageStateNew           MessageState = "NEW"
	MessageStateReady         MessageState = "READY"
	MessageStateProcessed     MessageState = "PROCESSED"
	MessageStateUnprocessable MessageState = "UNPROCESSABLE"
)

// ParseMessageState returns the state named by s, or false if s is not a known state.
func ParseMessageState(s string) (MessageState, bool) {
	switch st := MessageState(s); st {
	case MessageStateNew, MessageStateReady, MessageStateProcessed, MessageStateUnprocessable:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is allowed out of the state.
func (s MessageState) IsTerminal() bool {
	return s == MessageStateProcessed || s == MessageStateUnprocessable
}

// CanTransitionTo reports whether to is a legal next state. NEW->NEW is the
// administrative reset and is the only non-forward transition.
func (s MessageState) CanTransitionTo(to MessageState) bool {
	switch s {
	case MessageStateNew:
		return to == MessageStateNew || to == MessageStateReady
	case MessageStateReady:
		return to == MessageStateProcessed || to == MessageStateUnprocessable
	}
	return false
}

// CaseEventMessage is one received bus message persisted in the durable queue.
// MessageID is not unique: a redelivered message is stored again under a new Sequence.
type CaseEventMessage struct {
	Sequence          int64           `db:"sequence" json:"sequence"`
	MessageID         string          `db:"message_id" json:"messageId"`
	CaseID            string          `db:"case_id" json:"caseId"`
	EventTimestamp    *time.Time      `db:"event_timestamp" json:"eventTimestamp,omitempty"`
	FromDlq           bool            `db:"from_dlq" json:"fromDlq"`
	State             MessageState    `db:"state" json:"state"`
	MessageProperties json.RawMessage `db:"message_properties" json:"messageProperties,omitempty"`
	MessageContent    string          `db:"message_content" json:"messageContent"`
	Received          time.Time       `db:"received" json:"received"`
	DeliveryCount     int             `db:"delivery_count" json:"deliveryCount"`
	HoldUntil         *time.Time      `db:"hold_until" json:"holdUntil,omitempty"`
	RetryCount        int             `db:"retry_count" json:"retryCount"`
}

// IsHeld reports whether the message must not be promoted or dispatched at now.
func (m *CaseEventMessage) IsHeld(now time.Time) bool {
	return m.HoldUntil != nil && m.HoldUntil.After(now)
}

// Predecessors lists the states a row may be in immediately before entering s.
func (s MessageState) Predecessors() []MessageState {
	switch s {
	case MessageStateNew, MessageStateReady:
		return []MessageState{MessageStateNew}
	case MessageStateProcessed, MessageStateUnprocessable:
		return []MessageState{MessageStateReady}
	}
	return nil
}
