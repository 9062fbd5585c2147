package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRegisterPersistsInitialCursor(t *testing.T) {
	exp := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	watcher := &fakeWatcher{result: WatchResult{HistoryID: 500, Expiration: exp}}
	store := newFakeWatchStore()
	r := &Registrar{Watcher: watcher, Store: store, Topic: "projects/p/topics/gmail", Logger: zaptest.NewLogger(t)}

	st, err := r.Register(context.Background(), Account{UID: "u1", Email: testMailbox})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.Cursor != 500 || st.PreviousCursor != 500 || st.Status != StatusHooked {
		t.Fatalf("state = %+v", st)
	}
	if watcher.lastTopic != "projects/p/topics/gmail" {
		t.Fatalf("topic = %q", watcher.lastTopic)
	}
	if len(watcher.lastLabels) != 2 || watcher.lastLabels[0] != "INBOX" || watcher.lastLabels[1] != "UNREAD" {
		t.Fatalf("labels = %v", watcher.lastLabels)
	}

	saved, _ := store.LoadWatch(context.Background(), testMailbox)
	if saved == nil || saved.AccountID != "u1" || !saved.Expiration.Equal(exp) {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestRegisterNeverMovesCursorBackward(t *testing.T) {
	watcher := &fakeWatcher{result: WatchResult{HistoryID: 300}}
	store := newFakeWatchStore(WatchState{Mailbox: testMailbox, Cursor: 400, PreviousCursor: 350})
	r := &Registrar{Watcher: watcher, Store: store, Logger: zaptest.NewLogger(t)}

	st, err := r.Register(context.Background(), Account{Email: testMailbox})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.Cursor != 400 || st.PreviousCursor != 350 {
		t.Fatalf("cursor = %s prev = %s", st.Cursor, st.PreviousCursor)
	}
}

func TestRegisterErrors(t *testing.T) {
	r := &Registrar{Watcher: &fakeWatcher{}, Store: newFakeWatchStore(), Logger: zaptest.NewLogger(t)}
	if _, err := r.Register(context.Background(), Account{UID: "u1"}); err == nil {
		t.Fatal("expected error for missing email")
	}

	watchErr := errors.New("permission denied")
	r.Watcher = &fakeWatcher{err: watchErr}
	if _, err := r.Register(context.Background(), Account{Email: testMailbox}); !errors.Is(err, watchErr) {
		t.Fatalf("expected watch error, got %v", err)
	}
	if st, _ := r.Store.LoadWatch(context.Background(), testMailbox); st != nil {
		t.Fatal("failed watch must not persist state")
	}
}

func TestRenewExpiring(t *testing.T) {
	now := time.Now()
	newExp := now.Add(7 * 24 * time.Hour)
	watcher := &fakeWatcher{result: WatchResult{HistoryID: 999, Expiration: newExp}}
	store := newFakeWatchStore(
		WatchState{Mailbox: "soon@example.com", Cursor: 10, Expiration: now.Add(time.Hour)},
		WatchState{Mailbox: "later@example.com", Cursor: 20, Expiration: now.Add(72 * time.Hour)},
		WatchState{Mailbox: "unknown@example.com", Cursor: 30},
	)
	r := &Registrar{Watcher: watcher, Store: store, Logger: zaptest.NewLogger(t)}

	n, err := r.Renew(context.Background(), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if n != 1 || watcher.watches != 1 {
		t.Fatalf("renewed %d, watches %d", n, watcher.watches)
	}

	st, _ := store.LoadWatch(context.Background(), "soon@example.com")
	if !st.Expiration.Equal(newExp) {
		t.Fatalf("expiration = %v", st.Expiration)
	}
	if st.Cursor != 10 {
		t.Fatalf("renewal moved cursor to %s", st.Cursor)
	}
}

func TestRenewFailureMarksError(t *testing.T) {
	now := time.Now()
	store := newFakeWatchStore(WatchState{Mailbox: testMailbox, Expiration: now.Add(time.Minute)})
	r := &Registrar{Watcher: &fakeWatcher{err: errors.New("quota")}, Store: store, Logger: zaptest.NewLogger(t)}

	n, err := r.Renew(context.Background(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if n != 0 {
		t.Fatalf("renewed %d", n)
	}
	st, _ := store.LoadWatch(context.Background(), testMailbox)
	if st.Status != StatusError {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestStopWatch(t *testing.T) {
	watcher := &fakeWatcher{}
	store := newFakeWatchStore(WatchState{Mailbox: testMailbox, Cursor: 1})
	r := &Registrar{Watcher: watcher, Store: store, Logger: zaptest.NewLogger(t)}

	if err := r.Stop(context.Background(), testMailbox); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if watcher.stops != 1 {
		t.Fatalf("stops = %d", watcher.stops)
	}
	if st, _ := store.LoadWatch(context.Background(), testMailbox); st != nil {
		t.Fatal("state should be deleted")
	}

	if err := r.Stop(context.Background(), testMailbox); !errors.Is(err, ErrUnknownMailbox) {
		t.Fatalf("expected ErrUnknownMailbox, got %v", err)
	}
}

// racingStore advances the cursor right before a save lands
type racingStore struct {
	*fakeWatchStore
	advanceTo Cursor
}

func (s *racingStore) SaveWatch(ctx context.Context, st WatchState) error {
	if _, err := s.fakeWatchStore.AdvanceCursor(ctx, st.Mailbox, s.advanceTo); err != nil {
		return err
	}
	return s.fakeWatchStore.SaveWatch(ctx, st)
}

func TestRegisterKeepsConcurrentAdvance(t *testing.T) {
	store := &racingStore{
		fakeWatchStore: newFakeWatchStore(WatchState{Mailbox: testMailbox, Cursor: 200, PreviousCursor: 150}),
		advanceTo:      300,
	}
	r := &Registrar{Watcher: &fakeWatcher{result: WatchResult{HistoryID: 250}}, Store: store, Logger: zaptest.NewLogger(t)}

	st, err := r.Register(context.Background(), Account{Email: testMailbox})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.Cursor != 300 || st.PreviousCursor != 200 {
		t.Fatalf("cursor = %s prev = %s, want 300 and 200", st.Cursor, st.PreviousCursor)
	}
}
