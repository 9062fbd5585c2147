package sync

import (
	"context"
	"fmt"
)

// Fetcher retrieves full message content
type Fetcher struct {
	getter MessageGetter
}

// NewFetcher creates a message fetcher
func NewFetcher(getter MessageGetter) *Fetcher {
	return &Fetcher{getter: getter}
}

// Fetch returns the message content, or nil when the service has no data
// for the id. Callers must not pass an empty id.
func (f *Fetcher) Fetch(ctx context.Context, id string) (*MessageContent, error) {
	if id == "" {
		return nil, fmt.Errorf("fetch message: empty id")
	}
	msg, err := f.getter.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}
