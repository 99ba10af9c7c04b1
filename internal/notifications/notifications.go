// Package notifications delivers operational events to subscribers: budget
// threshold crossings from the spend ledger and provider circuit state
// changes. Delivery is best effort; a failed publish is logged and never
// propagated into request handling.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/ledger"
)

type NotificationType string

const (
	NotificationBudgetWarning  NotificationType = "budget_warning"
	NotificationBudgetCritical NotificationType = "budget_critical"
	NotificationBudgetExceeded NotificationType = "budget_exceeded"
	NotificationProviderDown   NotificationType = "provider_down"
	NotificationProviderUp     NotificationType = "provider_up"
)

type Notification struct {
	Type     NotificationType       `json:"type"`
	Provider string                 `json:"provider,omitempty"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// InMemoryNotifier collects notifications for tests and for single-node
// deployments that have no SNS topic configured.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

// OnNotification registers a callback invoked for every sent notification.
func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

// BudgetAlertHandler forwards ledger threshold crossings as notifications,
// classified by how deep into the budget the provider is: exceeded at or
// past the limit, critical at 95%, warning below that.
type BudgetAlertHandler struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewBudgetAlertHandler(notifier Notifier, logger *slog.Logger) *BudgetAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetAlertHandler{notifier: notifier, logger: logger}
}

func (h *BudgetAlertHandler) HandleAlert(ctx context.Context, alert ledger.Alert) {
	kind := NotificationBudgetWarning
	switch {
	case alert.Threshold >= 1.0:
		kind = NotificationBudgetExceeded
	case alert.Threshold >= 0.95:
		kind = NotificationBudgetCritical
	}

	err := h.notifier.Send(ctx, Notification{
		Type:     kind,
		Provider: alert.Provider,
		Message: fmt.Sprintf("provider %s spent %d of %d cents (%s budget)",
			alert.Provider, alert.SpentCents, alert.LimitCents, alert.Window),
		Data: map[string]interface{}{
			"window":      alert.Window,
			"period":      alert.Period,
			"threshold":   alert.Threshold,
			"spent_cents": alert.SpentCents,
			"limit_cents": alert.LimitCents,
		},
	})
	if err != nil {
		h.logger.Error("budget notification failed",
			"provider", alert.Provider,
			"error", err,
		)
	}
}

// BreakerStateNotifier returns a state-change hook for the breaker registry
// that publishes provider_down when a circuit opens and provider_up when it
// closes again. Half-open probes are not operator events. The hook fires
// under the breaker lock, so publishing is handed off to a goroutine.
func BreakerStateNotifier(notifier Notifier, logger *slog.Logger) func(provider string, from, to circuitbreaker.State) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(provider string, from, to circuitbreaker.State) {
		var kind NotificationType
		switch to {
		case circuitbreaker.StateOpen:
			kind = NotificationProviderDown
		case circuitbreaker.StateClosed:
			kind = NotificationProviderUp
		default:
			return
		}

		notification := Notification{
			Type:     kind,
			Provider: provider,
			Message:  fmt.Sprintf("provider %s circuit %s -> %s", provider, from, to),
			Data: map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			},
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := notifier.Send(ctx, notification); err != nil {
				logger.Error("breaker notification failed",
					"provider", provider,
					"error", err,
				)
			}
		}()
	}
}
