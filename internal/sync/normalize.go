package sync

// LabelSet is the set of label ids that make a label change interesting
type LabelSet map[string]struct{}

// DefaultLabels are the inbox and unread markers
var DefaultLabels = NewLabelSet("INBOX", "UNREAD")

// NewLabelSet builds a label set
func NewLabelSet(ids ...string) LabelSet {
	s := make(LabelSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Intersects reports whether any of ids is in the set
func (s LabelSet) Intersects(ids []string) bool {
	for _, id := range ids {
		if _, ok := s[id]; ok {
			return true
		}
	}
	return false
}

// Normalize converts change events into deduplicated candidates.
// Label changes only count when they add an interesting label;
// message additions always count. Encounter order is kept.
func Normalize(events []ChangeEvent, labels LabelSet) []CandidateMessage {
	candidates := make([]CandidateMessage, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case EventLabelAdded:
			if !labels.Intersects(ev.LabelIDs) {
				continue
			}
		case EventMessageAdded:
		default:
			continue
		}
		candidates = append(candidates, CandidateMessage{ID: ev.MessageID, ThreadID: ev.ThreadID})
	}
	return Dedup(candidates)
}

// Dedup keeps the first candidate for each message id and each thread id.
// A candidate is dropped when an earlier kept one shares either key, so
// two messages of one thread collapse into the first seen. Absent keys
// never match, so candidates without ids are all kept and each is skipped
// later with ErrMissingID.
func Dedup(candidates []CandidateMessage) []CandidateMessage {
	if len(candidates) == 0 {
		return nil
	}
	seenIDs := make(map[string]struct{}, len(candidates))
	seenThreads := make(map[string]struct{}, len(candidates))
	out := make([]CandidateMessage, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != "" {
			if _, ok := seenIDs[c.ID]; ok {
				continue
			}
		}
		if c.ThreadID != "" {
			if _, ok := seenThreads[c.ThreadID]; ok {
				continue
			}
		}
		if c.ID != "" {
			seenIDs[c.ID] = struct{}{}
		}
		if c.ThreadID != "" {
			seenThreads[c.ThreadID] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}
