package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mail-bridge/internal/sync"
)

// DefaultUser is the Gmail user id of the authenticated mailbox
const DefaultUser = "me"

// ServiceSource hands out an authenticated Gmail service
type ServiceSource interface {
	Service(ctx context.Context) (*gmail.Service, error)
}

// Adapter implements sync.MailProvider for Gmail
type Adapter struct {
	creds ServiceSource
	user  string
}

var _ sync.MailProvider = (*Adapter)(nil)

// New creates a new Gmail adapter
func New(creds ServiceSource, user string) *Adapter {
	if user == "" {
		user = DefaultUser
	}
	return &Adapter{creds: creds, user: user}
}

// ListHistory lists message-added and label-added events after the cursor,
// across all pages.
func (a *Adapter) ListHistory(ctx context.Context, since sync.Cursor) ([]sync.ChangeEvent, error) {
	svc, err := a.creds.Service(ctx)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List(a.user).
		StartHistoryId(uint64(since)).
		HistoryTypes("messageAdded", "labelAdded").
		MaxResults(500)

	var events []sync.ChangeEvent
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			events = append(events, convertHistory(h)...)
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: start %s: %v", sync.ErrCursorExpired, since, err)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	return events, nil
}

// GetMessage fetches the full message. A missing message yields nil, nil.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.MessageContent, error) {
	svc, err := a.creds.Service(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	return convertMessage(msg), nil
}

// Watch subscribes the mailbox to push notifications on the topic
func (a *Adapter) Watch(ctx context.Context, labelIDs []string, topic string) (sync.WatchResult, error) {
	svc, err := a.creds.Service(ctx)
	if err != nil {
		return sync.WatchResult{}, err
	}

	resp, err := svc.Users.Watch(a.user, &gmail.WatchRequest{
		LabelIds:  labelIDs,
		TopicName: topic,
	}).Context(ctx).Do()
	if err != nil {
		return sync.WatchResult{}, fmt.Errorf("failed to watch mailbox: %w", err)
	}

	res := sync.WatchResult{HistoryID: sync.Cursor(resp.HistoryId)}
	if resp.Expiration > 0 {
		res.Expiration = time.UnixMilli(resp.Expiration)
	}
	return res, nil
}

// Stop removes the mailbox push subscription
func (a *Adapter) Stop(ctx context.Context) error {
	svc, err := a.creds.Service(ctx)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop(a.user).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// convertHistory flattens one history record, label events first
func convertHistory(h *gmail.History) []sync.ChangeEvent {
	if h == nil {
		return nil
	}
	events := make([]sync.ChangeEvent, 0, len(h.LabelsAdded)+len(h.MessagesAdded))

	for _, la := range h.LabelsAdded {
		if la == nil {
			continue
		}
		ev := sync.ChangeEvent{Kind: sync.EventLabelAdded, LabelIDs: la.LabelIds}
		if la.Message != nil {
			ev.MessageID = la.Message.Id
			ev.ThreadID = la.Message.ThreadId
		}
		events = append(events, ev)
	}

	for _, ma := range h.MessagesAdded {
		if ma == nil {
			continue
		}
		ev := sync.ChangeEvent{Kind: sync.EventMessageAdded}
		if ma.Message != nil {
			ev.MessageID = ma.Message.Id
			ev.ThreadID = ma.Message.ThreadId
		}
		events = append(events, ev)
	}

	return events
}

// convertMessage converts a Gmail message to MessageContent
func convertMessage(m *gmail.Message) *sync.MessageContent {
	return &sync.MessageContent{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		LabelIDs: m.LabelIds,
		Payload:  convertPart(m.Payload),
	}
}

func convertPart(p *gmail.MessagePart) *sync.Part {
	if p == nil {
		return nil
	}

	part := &sync.Part{MimeType: p.MimeType}
	if p.Body != nil {
		part.Body = p.Body.Data
	}
	// nil headers stay nil: the decoder treats that as missing
	if p.Headers != nil {
		part.Headers = make([]sync.Header, 0, len(p.Headers))
		for _, h := range p.Headers {
			if h == nil {
				continue
			}
			part.Headers = append(part.Headers, sync.Header{Name: h.Name, Value: h.Value})
		}
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			part.Parts = append(part.Parts, *c)
		}
	}
	return part
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
