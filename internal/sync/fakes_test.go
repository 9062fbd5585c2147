package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"
)

type fakeLister struct {
	events   []ChangeEvent
	err      error
	// failOnce is returned by the next call only
	failOnce error
	calls    []Cursor
}

func (f *fakeLister) ListHistory(_ context.Context, since Cursor) ([]ChangeEvent, error) {
	f.calls = append(f.calls, since)
	if err := f.failOnce; err != nil {
		f.failOnce = nil
		return nil, err
	}
	return f.events, f.err
}

type fakeGetter struct {
	mu       gosync.Mutex
	messages map[string]*MessageContent
	errs     map[string]error
	calls    []string
}

func (f *fakeGetter) GetMessage(_ context.Context, id string) (*MessageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeGetter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type appended struct {
	Mailbox    string
	Collection string
	Record     EmailRecord
}

type fakeSink struct {
	mu      gosync.Mutex
	records []appended
	failIDs map[string]bool
}

func (f *fakeSink) AppendEmail(_ context.Context, mailbox, collection string, rec EmailRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[rec.ID] {
		return "", errors.New("sink unavailable")
	}
	f.records = append(f.records, appended{Mailbox: mailbox, Collection: collection, Record: rec})
	return fmt.Sprintf("doc-%d", len(f.records)), nil
}

// fakeWatchStore implements WatchStore with the same cursor rules as the
// SQLite store.
type fakeWatchStore struct {
	mu         gosync.Mutex
	states     map[string]*WatchState
	advanceErr error
	statuses   []string
}

// newFakeWatchStore seeds states; a zero ResolvedCursor defaults to Cursor
func newFakeWatchStore(states ...WatchState) *fakeWatchStore {
	s := &fakeWatchStore{states: make(map[string]*WatchState)}
	for _, st := range states {
		st := st
		if st.ResolvedCursor == 0 {
			st.ResolvedCursor = st.Cursor
		}
		s.states[st.Mailbox] = &st
	}
	return s
}

func (s *fakeWatchStore) LoadWatch(_ context.Context, mailbox string) (*WatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[mailbox]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *fakeWatchStore) SaveWatch(_ context.Context, st WatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.states[st.Mailbox]
	if !ok {
		st.ResolvedCursor = st.Cursor
		s.states[st.Mailbox] = &st
		return nil
	}
	if st.Cursor <= existing.Cursor {
		st.Cursor, st.PreviousCursor = existing.Cursor, existing.PreviousCursor
	}
	st.ResolvedCursor = existing.ResolvedCursor
	s.states[st.Mailbox] = &st
	return nil
}

func (s *fakeWatchStore) AdvanceCursor(_ context.Context, mailbox string, next Cursor) (Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		return Advance{}, s.advanceErr
	}
	st, ok := s.states[mailbox]
	if !ok {
		return Advance{}, fmt.Errorf("%w: %s", ErrUnknownMailbox, mailbox)
	}
	adv := PlanAdvance(st.Cursor, st.PreviousCursor, st.ResolvedCursor, next)
	if adv.Stale {
		return adv, nil
	}
	if adv.Current > st.Cursor {
		st.PreviousCursor, st.Cursor = st.Cursor, adv.Current
	}
	st.Status = StatusSyncing
	return adv, nil
}

func (s *fakeWatchStore) MarkResolved(_ context.Context, mailbox string, through Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[mailbox]; ok && through > st.ResolvedCursor {
		st.ResolvedCursor = through
	}
	return nil
}

func (s *fakeWatchStore) UpdateSyncStatus(_ context.Context, mailbox, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if st, ok := s.states[mailbox]; ok {
		st.Status = status
		st.LastError = errMsg
	}
	return nil
}

func (s *fakeWatchStore) ListExpiring(_ context.Context, before time.Time) ([]WatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WatchState
	for _, st := range s.states {
		if !st.Expiration.IsZero() && st.Expiration.Before(before) {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeWatchStore) UpdateExpiration(_ context.Context, mailbox string, expiration time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[mailbox]; ok {
		st.Expiration = expiration
		st.Status = StatusHooked
	}
	return nil
}

func (s *fakeWatchStore) DeleteWatch(_ context.Context, mailbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, mailbox)
	return nil
}

type fakeWatcher struct {
	result     WatchResult
	err        error
	watches    int
	stops      int
	lastTopic  string
	lastLabels []string
}

func (w *fakeWatcher) Watch(_ context.Context, labelIDs []string, topic string) (WatchResult, error) {
	w.watches++
	w.lastTopic = topic
	w.lastLabels = labelIDs
	return w.result, w.err
}

func (w *fakeWatcher) Stop(context.Context) error {
	w.stops++
	return nil
}

// message builds a multipart message with the standard headers
func message(id, thread string) *MessageContent {
	return &MessageContent{
		ID:       id,
		ThreadID: thread,
		Snippet:  "snippet " + id,
		Payload: &Part{
			MimeType: "multipart/alternative",
			Headers: []Header{
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com"},
				{Name: "Subject", Value: "Hello " + id},
			},
			Parts: []Part{
				{MimeType: "text/plain", Body: "VA"},
				{MimeType: "text/html", Body: "SA"},
			},
		},
	}
}
