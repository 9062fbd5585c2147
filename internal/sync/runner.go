package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-bridge/internal/metrics"
)

// DefaultCollection is the document collection email records are appended to
const DefaultCollection = "emails"

// Outcome is the terminal state of one candidate message
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// TaskResult is the result of processing one candidate
type TaskResult struct {
	Candidate CandidateMessage
	Outcome   Outcome
	RecordID  string
	Err       error
}

// BatchReport summarizes one notification
type BatchReport struct {
	Mailbox       string
	Start         Cursor
	Cursor        Cursor
	Replay        bool
	Stale         bool
	CursorExpired bool
	Events        int
	Candidates    int
	Persisted     int
	Skipped       int
	Failed        int
	Results       []TaskResult
}

// Runner drives one notification through cursor advance, history
// resolution, candidate building and per-message ingestion.
type Runner struct {
	Cursors  CursorStore
	Resolver *Resolver
	Fetcher  *Fetcher
	Sink     Sink
	Logger   *zap.Logger

	Collection string
	Labels     LabelSet
	// Concurrency bounds parallel candidate processing; below 1 means sequential
	Concurrency int
}

// HandleNotification processes one push notification. It returns an error
// only when a batch-level step fails; per-message failures are recorded in
// the report.
func (r *Runner) HandleNotification(ctx context.Context, n Notification) (*BatchReport, error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(time.Since(started)) }()

	log := r.Logger.With(zap.String("mailbox", n.EmailAddress), zap.Stringer("cursor", n.HistoryID))
	report := &BatchReport{Mailbox: n.EmailAddress, Cursor: n.HistoryID}

	adv, err := r.Cursors.AdvanceCursor(ctx, n.EmailAddress, n.HistoryID)
	if err != nil {
		return report, batchFatal("advance cursor", err)
	}
	report.Start = adv.Start
	report.Replay = adv.Replay

	if adv.Stale {
		report.Stale = true
		log.Info("Notification is older than stored cursor, nothing to resolve",
			zap.Stringer("stored_cursor", adv.Current))
		return report, nil
	}
	if adv.Replay {
		log.Info("Replaying unresolved window", zap.Stringer("start", adv.Start), zap.Stringer("stored_cursor", adv.Current))
	}

	events, err := r.Resolver.Resolve(ctx, adv.Start)
	if err != nil {
		r.setStatus(ctx, log, n.EmailAddress, StatusError, err.Error())
		if errors.Is(err, ErrCursorExpired) {
			report.CursorExpired = true
			log.Error("History cursor expired, skipping window", zap.Stringer("start", adv.Start), zap.Error(err))
			r.markResolved(ctx, log, n.EmailAddress, adv.Current)
			return report, nil
		}
		log.Error("Get history list failed", zap.Stringer("start", adv.Start), zap.Error(err))
		return report, batchFatal("resolve history", err)
	}
	r.markResolved(ctx, log, n.EmailAddress, adv.Current)
	report.Events = len(events)
	recordEventKinds(events)

	candidates := Normalize(events, r.labels())
	report.Candidates = len(candidates)

	report.Results = r.runTasks(ctx, n.EmailAddress, candidates)
	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomePersisted:
			report.Persisted++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
		}
	}

	r.setStatus(ctx, log, n.EmailAddress, StatusHooked, "")
	log.Info("Batch complete",
		zap.Stringer("start", adv.Start),
		zap.Int("events", report.Events),
		zap.Int("candidates", report.Candidates),
		zap.Int("persisted", report.Persisted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// runTasks processes candidates as an explicit task list. Results keep
// candidate order; persistence order is not guaranteed when parallel.
func (r *Runner) runTasks(ctx context.Context, mailbox string, candidates []CandidateMessage) []TaskResult {
	if len(candidates) == 0 {
		return nil
	}
	results := make([]TaskResult, len(candidates))

	var g errgroup.Group
	g.SetLimit(r.concurrency())
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = r.processCandidate(ctx, mailbox, c)
			metrics.IncMessage(string(results[i].Outcome))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) processCandidate(ctx context.Context, mailbox string, c CandidateMessage) TaskResult {
	log := r.Logger.With(
		zap.String("mailbox", mailbox),
		zap.String("message_id", c.ID),
		zap.String("thread_id", c.ThreadID),
	)
	res := TaskResult{Candidate: c}

	if c.ID == "" {
		log.Warn("Candidate has no message id, skipping")
		res.Outcome, res.Err = OutcomeSkipped, perMessage("fetch", "", ErrMissingID)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Outcome, res.Err = OutcomeFailed, perMessage("fetch", c.ID, err)
		return res
	}

	msg, err := r.Fetcher.Fetch(ctx, c.ID)
	if err != nil {
		log.Error("Get message detail failed", zap.Error(err))
		res.Outcome, res.Err = OutcomeFailed, perMessage("fetch", c.ID, err)
		return res
	}
	if msg == nil {
		log.Warn("Message object is null")
		res.Outcome, res.Err = OutcomeSkipped, perMessage("fetch", c.ID, ErrNoContent)
		return res
	}

	dec, err := Decode(msg)
	if errors.Is(err, ErrMissingHeaders) {
		log.Warn("Header is not defined")
		res.Outcome, res.Err = OutcomeSkipped, perMessage("decode", c.ID, err)
		return res
	}
	if err != nil {
		log.Error("Decode message failed", zap.Error(err))
		res.Outcome, res.Err = OutcomeFailed, perMessage("decode", c.ID, err)
		return res
	}
	if dec.Fallback {
		log.Debug("Parts is not defined, using top-level body", zap.String("mime_type", msg.Payload.MimeType))
	}

	id, err := r.Sink.AppendEmail(ctx, mailbox, r.collection(), dec.Record)
	if err != nil {
		log.Error("Persist email failed", zap.Error(err))
		res.Outcome, res.Err = OutcomeFailed, perMessage("persist", c.ID, err)
		return res
	}

	res.Outcome, res.RecordID = OutcomePersisted, id
	return res
}

func (r *Runner) setStatus(ctx context.Context, log *zap.Logger, mailbox, status, errMsg string) {
	if err := r.Cursors.UpdateSyncStatus(ctx, mailbox, status, errMsg); err != nil {
		log.Warn("Update sync status failed", zap.String("status", status), zap.Error(err))
	}
}

func (r *Runner) markResolved(ctx context.Context, log *zap.Logger, mailbox string, through Cursor) {
	if err := r.Cursors.MarkResolved(ctx, mailbox, through); err != nil {
		log.Warn("Mark history resolved failed", zap.Stringer("through", through), zap.Error(err))
	}
}

func (r *Runner) labels() LabelSet {
	if len(r.Labels) == 0 {
		return DefaultLabels
	}
	return r.Labels
}

func (r *Runner) collection() string {
	if r.Collection == "" {
		return DefaultCollection
	}
	return r.Collection
}

func (r *Runner) concurrency() int {
	if r.Concurrency < 1 {
		return 1
	}
	return r.Concurrency
}

func recordEventKinds(events []ChangeEvent) {
	counts := make(map[EventKind]int, 2)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	for kind, n := range counts {
		metrics.AddHistoryEvents(kind.String(), n)
	}
}
