package cache

import (
	"context"

	"caseintake/internal/model"
	"caseintake/internal/repository"
)

// NewMessageSource is the slice of the repository the cached query needs.
type NewMessageSource interface {
	GetAllMessagesInNewState(ctx context.Context) ([]model.CaseEventMessage, error)
}

// NewMessages fronts the "all messages in NEW state" query. Callers must tolerate results
// up to one TTL old.
type NewMessages struct {
	source NewMessageSource
	key    string
	cache  *ReadThrough[[]model.CaseEventMessage]
}

// NewNewMessages caches source's NEW-state query under key (typically the environment tag).
func NewNewMessages(source NewMessageSource, key string, c *ReadThrough[[]model.CaseEventMessage]) *NewMessages {
	return &NewMessages{source: source, key: key, cache: c}
}

// GetAllMessagesInNewState returns the cached result, loading it when the entry expired.
func (n *NewMessages) GetAllMessagesInNewState(ctx context.Context) ([]model.CaseEventMessage, error) {
	return n.cache.Get(ctx, n.key, n.source.GetAllMessagesInNewState)
}

var _ NewMessageSource = (repository.CaseEventMessageRepository)(nil)
