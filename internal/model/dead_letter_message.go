package model

// DeadLetterReason is the reason code attached to a dead-lettered bus message.
type DeadLetterReason string

const (
	// DeadLetterDeserializationError marks a payload that can never be parsed. Never retried.
	DeadLetterDeserializationError DeadLetterReason = "MessageDeserializationError"
	// DeadLetterApplicationError marks a message whose processing kept failing until the retry ceiling.
	DeadLetterApplicationError DeadLetterReason = "ApplicationProcessingError"
)

// UnknownError replaces an empty error message in dead-letter descriptions.
const UnknownError = "Unknown Error"

// DeadLetterDescription is serialized as the dead-letter error description.
type DeadLetterDescription struct {
	OriginalMessage  string `json:"OriginalMessage"`
	ErrorDescription string `json:"ErrorDescription"`
}
