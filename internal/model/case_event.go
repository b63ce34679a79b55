package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent is returned when a bus payload cannot be turned into a CaseEvent.
var ErrInvalidEvent = errors.New("invalid case event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// CaseEvent is the JSON body published on the case events topic.
type CaseEvent struct {
	EventInstanceID   string            `json:"EventInstanceId"`
	EventTimeStamp    *time.Time        `json:"EventTimeStamp,omitempty"`
	CaseID            string            `json:"CaseId" validate:"required"`
	JurisdictionID    string            `json:"JurisdictionId"`
	CaseTypeID        string            `json:"CaseTypeId"`
	EventID           string            `json:"EventId"`
	NewStateID        string            `json:"NewStateId"`
	PreviousStateID   *string           `json:"PreviousStateId,omitempty"`
	UserID            string            `json:"UserId"`
	AdditionalData    json.RawMessage   `json:"AdditionalData,omitempty"`
	MessageProperties map[string]string `json:"MessageProperties,omitempty"`
	HoldUntil         *time.Time        `json:"HoldUntil,omitempty"`
}

// ParseCaseEvent decodes and validates a raw bus body. Any failure wraps ErrInvalidEvent.
func ParseCaseEvent(body []byte) (*CaseEvent, error) {
	var ev CaseEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.CaseID = strings.TrimSpace(ev.CaseID)
	if err := validate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// Redacted returns a copy without the user identity and the free-form additional data,
// suitable for dead-letter descriptions.
func (e *CaseEvent) Redacted() CaseEvent {
	c := *e
	c.UserID = ""
	c.AdditionalData = nil
	return c
}
