package sync

import (
	"context"

	"go.uber.org/zap"
)

// Resolver turns a cursor into the change events recorded after it
type Resolver struct {
	lister HistoryLister
	logger *zap.Logger
}

// NewResolver creates a history resolver
func NewResolver(lister HistoryLister, logger *zap.Logger) *Resolver {
	return &Resolver{lister: lister, logger: logger}
}

// Resolve lists events since the cursor. An empty result is not an error.
// Transport and auth failures are returned untouched.
func (r *Resolver) Resolve(ctx context.Context, since Cursor) ([]ChangeEvent, error) {
	events, err := r.lister.ListHistory(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		r.logger.Warn("Does not have any history yet", zap.Stringer("cursor", since))
		return nil, nil
	}
	return events, nil
}
