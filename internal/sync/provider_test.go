package sync

import (
	"errors"
	"testing"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Notification
		wantErr bool
	}{
		{
			name: "numeric history id",
			data: `{"emailAddress":"user@example.com","historyId":12345}`,
			want: Notification{EmailAddress: "user@example.com", HistoryID: 12345},
		},
		{
			name: "string history id",
			data: `{"emailAddress":"user@example.com","historyId":"98765"}`,
			want: Notification{EmailAddress: "user@example.com", HistoryID: 98765},
		},
		{name: "missing email", data: `{"historyId":1}`, wantErr: true},
		{name: "missing history id", data: `{"emailAddress":"user@example.com"}`, wantErr: true},
		{name: "bad history id", data: `{"emailAddress":"user@example.com","historyId":"abc"}`, wantErr: true},
		{name: "not json", data: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNotification: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCursorOrderingAndString(t *testing.T) {
	a, err := ParseCursor("9")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseCursor(" 10 ")
	if err != nil {
		t.Fatal(err)
	}
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if b.String() != "10" {
		t.Fatalf("String() = %q", b.String())
	}
	if _, err := ParseCursor("-1"); err == nil {
		t.Fatal("negative cursor should not parse")
	}
}

func TestPlanAdvance(t *testing.T) {
	tests := map[string]struct {
		cur, prev, resolved, next Cursor
		want                      Advance
	}{
		"forward":            {cur: 100, prev: 90, resolved: 100, next: 120, want: Advance{Start: 100, Current: 120}},
		"forward after fail": {cur: 200, prev: 100, resolved: 100, next: 300, want: Advance{Start: 100, Current: 300}},
		"replay":             {cur: 100, prev: 90, resolved: 100, next: 100, want: Advance{Start: 90, Current: 100, Replay: true}},
		"stale":              {cur: 300, prev: 200, resolved: 300, next: 200, want: Advance{Start: 300, Current: 300, Stale: true}},
		"older, unresolved":  {cur: 300, prev: 200, resolved: 100, next: 200, want: Advance{Start: 100, Current: 300, Replay: true}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := PlanAdvance(tt.cur, tt.prev, tt.resolved, tt.next); got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := perMessage("fetch", "m1", ErrNoContent)
	if KindOf(err) != KindPerMessage {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if !errors.Is(err, ErrNoContent) {
		t.Fatal("per-message error should unwrap")
	}
	if KindOf(errors.New("plain")) != KindBatchFatal {
		t.Fatal("unclassified errors are batch fatal")
	}

	dec := &DecodeError{MessageID: "m9", Err: errors.New("bad part")}
	if dec.Error() != "process email error: message m9: bad part" {
		t.Fatalf("DecodeError = %q", dec.Error())
	}
}
