package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a position in a mailbox's change history (Gmail: historyId).
// Callers treat it as opaque except for ordering.
type Cursor uint64

// ParseCursor parses a decimal cursor value
func ParseCursor(s string) (Cursor, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor(v), nil
}

func (c Cursor) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// UnmarshalJSON accepts both a JSON number and a quoted decimal string.
func (c *Cursor) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := ParseCursor(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// EventKind tells the two history event shapes apart
type EventKind int

const (
	EventLabelAdded EventKind = iota + 1
	EventMessageAdded
)

func (k EventKind) String() string {
	switch k {
	case EventLabelAdded:
		return "label_added"
	case EventMessageAdded:
		return "message_added"
	default:
		return "unknown"
	}
}

// ChangeEvent is one mailbox mutation since a cursor.
// Empty MessageID or ThreadID means the upstream omitted it.
type ChangeEvent struct {
	Kind      EventKind
	MessageID string
	ThreadID  string
	LabelIDs  []string // only set for EventLabelAdded
}

// CandidateMessage is a deduplicated unit of work
type CandidateMessage struct {
	ID       string
	ThreadID string
}

// Header is one message header name/value pair
type Header struct {
	Name  string
	Value string
}

// Part is one MIME part. The top-level payload is a Part as well.
type Part struct {
	MimeType string
	Headers  []Header
	Body     string // still in transport encoding
	Parts    []Part
}

// MessageContent is the raw fetched representation of one message
type MessageContent struct {
	ID       string
	ThreadID string
	Snippet  string
	LabelIDs []string
	Payload  *Part
}

// EmailRecord is the normalized record handed to the ingestion sink
type EmailRecord struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	BodyText string `json:"bodyText"`
	BodyHTML string `json:"bodyHtml"`
}

// Notification is the decoded push payload
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    Cursor `json:"historyId"`
}

// ParseNotification decodes the JSON carried in a push message
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.EmailAddress == "" {
		return Notification{}, fmt.Errorf("decode notification: missing emailAddress")
	}
	if n.HistoryID == 0 {
		return Notification{}, fmt.Errorf("decode notification: missing historyId")
	}
	return n, nil
}

// Sync statuses stored with the watch state
const (
	StatusHooked  = "HOOKED"
	StatusSyncing = "SYNCING"
	StatusError   = "ERROR"
)

// WatchState is the persisted per-mailbox watch and cursor state
type WatchState struct {
	Mailbox        string    `json:"mailbox"`
	AccountID      string    `json:"account_id"`
	Cursor         Cursor    `json:"cursor"`
	PreviousCursor Cursor    `json:"previous_cursor"`
	// ResolvedCursor is the cursor history has been successfully resolved through
	ResolvedCursor Cursor    `json:"resolved_cursor"`
	Expiration     time.Time `json:"expiration"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Advance describes the outcome of moving a mailbox cursor forward
type Advance struct {
	// Start is where history resolution begins
	Start Cursor
	// Current is the stored cursor after the advance
	Current Cursor
	// Replay is set when the notification repeats the stored cursor
	Replay bool
	// Stale is set when the notification is older than the stored cursor
	// and there is no unresolved window left
	Stale bool
}

// PlanAdvance decides how a notification for next moves a cursor stored as
// cur, with previous cursor prev and history resolved through resolved.
// Resolution never starts past resolved.
func PlanAdvance(cur, prev, resolved, next Cursor) Advance {
	switch {
	case next > cur:
		return Advance{Start: min(cur, resolved), Current: next}
	case next == cur:
		return Advance{Start: min(prev, resolved), Current: cur, Replay: true}
	case resolved < cur:
		return Advance{Start: resolved, Current: cur, Replay: true}
	default:
		return Advance{Start: cur, Current: cur, Stale: true}
	}
}

// WatchResult is returned by the mail service when a watch is created or renewed
type WatchResult struct {
	HistoryID  Cursor
	Expiration time.Time
}

// HistoryLister lists change events after a cursor
type HistoryLister interface {
	ListHistory(ctx context.Context, since Cursor) ([]ChangeEvent, error)
}

// MessageGetter fetches full message content. A nil message with a nil
// error means the service returned no data.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*MessageContent, error)
}

// Watcher manages the push subscription for the mailbox
type Watcher interface {
	Watch(ctx context.Context, labelIDs []string, topic string) (WatchResult, error)
	Stop(ctx context.Context) error
}

// MailProvider is everything the bridge needs from the mail service
type MailProvider interface {
	HistoryLister
	MessageGetter
	Watcher
}

// CursorStore persists per-mailbox watch state
type CursorStore interface {
	LoadWatch(ctx context.Context, mailbox string) (*WatchState, error)
	SaveWatch(ctx context.Context, st WatchState) error
	AdvanceCursor(ctx context.Context, mailbox string, next Cursor) (Advance, error)
	MarkResolved(ctx context.Context, mailbox string, through Cursor) error
	UpdateSyncStatus(ctx context.Context, mailbox, status, errMsg string) error
}

// Sink appends email records; it does not check for duplicates
type Sink interface {
	AppendEmail(ctx context.Context, mailbox, collection string, rec EmailRecord) (string, error)
}

// IngestedSubject is the event-stream subject for records of a mailbox
func IngestedSubject(mailbox string) string {
	return "mailbox." + subjectToken(mailbox) + ".email.ingested"
}

// IngestedMsgID is the stream deduplication id for one ingested message
func IngestedMsgID(mailbox, messageID string) string {
	return fmt.Sprintf("email.ingested|%s|%s", mailbox, messageID)
}

// subjectToken makes a mailbox address usable as one subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>' || r <= ' ':
			return '_'
		default:
			return r
		}
	}, s)
}
