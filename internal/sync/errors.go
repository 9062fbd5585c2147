package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMailbox is returned when a notification names a mailbox without watch state
	ErrUnknownMailbox = errors.New("unknown mailbox")
	// ErrCursorExpired is returned when the history start point is no longer available
	ErrCursorExpired = errors.New("history cursor expired")
	// ErrMissingHeaders marks a message whose payload carries no header list
	ErrMissingHeaders = errors.New("message has no headers")
	// ErrNoContent marks a message the service returned no data for
	ErrNoContent = errors.New("message has no content")
	// ErrMissingID marks a candidate whose history event carried no message id
	ErrMissingID = errors.New("candidate has no message id")
)

// ErrorKind separates failures that abort a notification from those
// absorbed per message.
type ErrorKind int

const (
	KindBatchFatal ErrorKind = iota + 1
	KindPerMessage
)

func (k ErrorKind) String() string {
	switch k {
	case KindBatchFatal:
		return "batch_fatal"
	case KindPerMessage:
		return "per_message"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error
type Error struct {
	Kind      ErrorKind
	Op        string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s (message %s): %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func batchFatal(op string, err error) error {
	return &Error{Kind: KindBatchFatal, Op: op, Err: err}
}

func perMessage(op, messageID string, err error) error {
	return &Error{Kind: KindPerMessage, Op: op, MessageID: messageID, Err: err}
}

// KindOf reports the kind of a pipeline error; unclassified errors are batch fatal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBatchFatal
}

// DecodeError wraps any failure while extracting a record from one message
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("process email error: message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
