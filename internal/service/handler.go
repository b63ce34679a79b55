package service

import (
	"context"
	"errors"

	"caseintake/internal/model"
)

// Handler receives a READY case event message from the dispatcher. A nil error means the
// message was accepted; an error wrapped with Permanent means it never will be; any other
// error is retried later.
type Handler interface {
	Handle(ctx context.Context, msg *model.CaseEventMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *model.CaseEventMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *model.CaseEventMessage) error {
	return f(ctx, msg)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
