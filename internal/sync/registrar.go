package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
)

// Account identifies a newly created user whose mailbox should be watched
type Account struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// WatchStore is the cursor store plus the queries watch management needs
type WatchStore interface {
	CursorStore
	ListExpiring(ctx context.Context, before time.Time) ([]WatchState, error)
	UpdateExpiration(ctx context.Context, mailbox string, expiration time.Time) error
	DeleteWatch(ctx context.Context, mailbox string) error
}

// Registrar creates, renews and stops mailbox watches
type Registrar struct {
	Watcher  Watcher
	Store    WatchStore
	Topic    string
	LabelIDs []string
	Logger   *zap.Logger

	renewMu gosync.Mutex
}

// Register subscribes the mailbox to push notifications and persists the
// initial cursor. The store keeps an existing cursor that is further ahead.
func (r *Registrar) Register(ctx context.Context, acct Account) (*WatchState, error) {
	if acct.Email == "" {
		return nil, fmt.Errorf("register watch: missing email")
	}

	res, err := r.Watcher.Watch(ctx, r.labelIDs(), r.Topic)
	if err != nil {
		return nil, fmt.Errorf("watch mailbox %s: %w", acct.Email, err)
	}

	st := WatchState{
		Mailbox:        acct.Email,
		AccountID:      acct.UID,
		Cursor:         res.HistoryID,
		PreviousCursor: res.HistoryID,
		Expiration:     res.Expiration,
		Status:         StatusHooked,
	}

	if err := r.Store.SaveWatch(ctx, st); err != nil {
		return nil, fmt.Errorf("save watch %s: %w", acct.Email, err)
	}

	saved, err := r.Store.LoadWatch(ctx, acct.Email)
	if err != nil {
		return nil, fmt.Errorf("load watch %s: %w", acct.Email, err)
	}
	if saved == nil {
		return nil, fmt.Errorf("load watch %s: %w", acct.Email, ErrUnknownMailbox)
	}

	r.Logger.Info("Watch registered",
		zap.String("mailbox", saved.Mailbox),
		zap.String("account_id", saved.AccountID),
		zap.Stringer("cursor", saved.Cursor),
		zap.Time("expiration", saved.Expiration),
	)
	return saved, nil
}

// Renew re-watches every mailbox whose watch expires before the deadline.
// Cursors are left untouched. It returns the number of renewed watches.
func (r *Registrar) Renew(ctx context.Context, before time.Time) (int, error) {
	r.renewMu.Lock()
	defer r.renewMu.Unlock()

	states, err := r.Store.ListExpiring(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list expiring watches: %w", err)
	}

	renewed := 0
	for _, st := range states {
		log := r.Logger.With(zap.String("mailbox", st.Mailbox))
		res, err := r.Watcher.Watch(ctx, r.labelIDs(), r.Topic)
		if err != nil {
			log.Error("Renew watch failed", zap.Error(err))
			if err := r.Store.UpdateSyncStatus(ctx, st.Mailbox, StatusError, err.Error()); err != nil {
				log.Warn("Update sync status failed", zap.Error(err))
			}
			continue
		}
		if err := r.Store.UpdateExpiration(ctx, st.Mailbox, res.Expiration); err != nil {
			log.Error("Save watch expiration failed", zap.Error(err))
			continue
		}
		log.Info("Watch renewed", zap.Time("expiration", res.Expiration))
		renewed++
	}
	return renewed, nil
}

// RunRenewal renews expiring watches every interval until ctx is done
func (r *Registrar) RunRenewal(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("Stopping watch renewal")
			return
		case <-ticker.C:
			if _, err := r.Renew(ctx, time.Now().Add(window)); err != nil {
				r.Logger.Error("Watch renewal failed", zap.Error(err))
			}
		}
	}
}

// Stop removes the push subscription and the mailbox state
func (r *Registrar) Stop(ctx context.Context, mailbox string) error {
	st, err := r.Store.LoadWatch(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("load watch %s: %w", mailbox, err)
	}
	if st == nil {
		return ErrUnknownMailbox
	}
	if err := r.Watcher.Stop(ctx); err != nil {
		return fmt.Errorf("stop watch %s: %w", mailbox, err)
	}
	if err := r.Store.DeleteWatch(ctx, mailbox); err != nil {
		return fmt.Errorf("delete watch %s: %w", mailbox, err)
	}
	r.Logger.Info("Watch stopped", zap.String("mailbox", mailbox))
	return nil
}

func (r *Registrar) labelIDs() []string {
	if len(r.LabelIDs) == 0 {
		return []string{"INBOX", "UNREAD"}
	}
	return r.LabelIDs
}
