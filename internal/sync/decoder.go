package sync

import (
	"fmt"
	"strings"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

// Decoded is a decoded record plus how its body was found
type Decoded struct {
	Record EmailRecord
	// Fallback is set when a non-plain message without parts had its
	// top-level body used as text
	Fallback bool
}

// Decode extracts an EmailRecord from message content. It performs no I/O
// and leaves bodies in their transport encoding.
func Decode(msg *MessageContent) (d Decoded, err error) {
	if msg == nil {
		return Decoded{}, ErrNoContent
	}
	if msg.Payload == nil || msg.Payload.Headers == nil {
		return Decoded{}, ErrMissingHeaders
	}

	defer func() {
		if r := recover(); r != nil {
			d = Decoded{}
			err = &DecodeError{MessageID: msg.ID, Err: fmt.Errorf("%v", r)}
		}
	}()

	payload := msg.Payload
	d.Record = EmailRecord{ID: msg.ID, Snippet: msg.Snippet}

	switch {
	case strings.Contains(payload.MimeType, "plain"):
		d.Record.BodyText = payload.Body
	case len(payload.Parts) == 0:
		d.Record.BodyText = payload.Body
		d.Fallback = true
	default:
		for _, part := range payload.Parts {
			switch part.MimeType {
			case mimeTextPlain:
				d.Record.BodyText = part.Body
			case mimeTextHTML:
				d.Record.BodyHTML = part.Body
			}
		}
	}

	for _, h := range payload.Headers {
		switch h.Name {
		case "To":
			d.Record.To = h.Value
		case "From":
			d.Record.From = h.Value
		case "Subject":
			d.Record.Subject = h.Value
		}
	}

	return d, nil
}
