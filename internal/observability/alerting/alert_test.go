package alerting

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentForge/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	first := &recordingNotifier{channel: "a", err: errors.New("smtp down")}
	second := &recordingNotifier{channel: "b"}
	d := NewFanout(first, nil, second, LogNotifier{})

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeLedgerFailure, Message: "commit failed"})
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event: %d %d", len(first.events), len(second.events))
	}
}

func TestNilFanout(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestEventFromError(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodeLedgerFailure, errors.New("deadlock"), "积分结算失败",
		xerrors.WithMetadata("user_id", "u1"))
	event := EventFromError(err, "u1", "s1", 11)
	if event.Code != xerrors.CodeLedgerFailure {
		t.Fatalf("unexpected code %s", event.Code)
	}
	if event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected severity %s", event.Severity)
	}
	if event.Message != "积分结算失败: deadlock" {
		t.Fatalf("unexpected message %q", event.Message)
	}
	if event.Metadata["user_id"] != "u1" || event.Amount != 11 || event.SessionID != "s1" {
		t.Fatalf("unexpected event %+v", event)
	}
}
