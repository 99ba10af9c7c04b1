package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/ledger"
)

func waitNotification(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestBudgetAlertHandlerClassifiesThresholds(t *testing.T) {
	tests := []struct {
		threshold float64
		want      NotificationType
	}{
		{0.80, NotificationBudgetWarning},
		{0.95, NotificationBudgetCritical},
		{1.0, NotificationBudgetExceeded},
	}

	for _, tt := range tests {
		notifier := NewInMemoryNotifier()
		h := NewBudgetAlertHandler(notifier, nil)

		h.HandleAlert(context.Background(), ledger.Alert{
			Provider:   "openai",
			Window:     ledger.WindowDaily,
			Period:     "2026-08-25",
			Threshold:  tt.threshold,
			SpentCents: 95,
			LimitCents: 100,
		})

		sent := notifier.Notifications()
		if len(sent) != 1 {
			t.Fatalf("threshold %.2f: sent %d notifications, want 1", tt.threshold, len(sent))
		}
		if sent[0].Type != tt.want {
			t.Errorf("threshold %.2f: type = %s, want %s", tt.threshold, sent[0].Type, tt.want)
		}
		if sent[0].Provider != "openai" {
			t.Errorf("provider = %s", sent[0].Provider)
		}
	}
}

func TestBreakerStateNotifier(t *testing.T) {
	notifier := NewInMemoryNotifier()
	got := make(chan Notification, 4)
	notifier.OnNotification(func(n Notification) { got <- n })

	hook := BreakerStateNotifier(notifier, nil)

	hook("anthropic", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	n := waitNotification(t, got)
	if n.Type != NotificationProviderDown {
		t.Errorf("open transition type = %s, want provider_down", n.Type)
	}
	if n.Provider != "anthropic" {
		t.Errorf("provider = %s", n.Provider)
	}

	hook("anthropic", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	hook("anthropic", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)

	// The half-open probe stays quiet; the next notification is the recovery.
	n = waitNotification(t, got)
	if n.Type != NotificationProviderUp {
		t.Errorf("close transition type = %s, want provider_up", n.Type)
	}
}

func TestInMemoryNotifierCopiesSnapshot(t *testing.T) {
	notifier := NewInMemoryNotifier()
	_ = notifier.Send(context.Background(), Notification{Type: NotificationProviderDown})

	snap := notifier.Notifications()
	snap[0].Type = "mutated"

	if got := notifier.Notifications()[0].Type; got != NotificationProviderDown {
		t.Errorf("stored notification mutated through snapshot: %s", got)
	}
}
