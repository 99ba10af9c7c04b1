package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Alert is emitted when a provider's spend crosses a budget threshold.
type Alert struct {
	Provider   string    `json:"provider"`
	Window     string    `json:"window"`
	Period     string    `json:"period"`
	Threshold  float64   `json:"threshold"`
	SpentCents int64     `json:"spent_cents"`
	LimitCents int64     `json:"limit_cents"`
	At         time.Time `json:"at"`
}

// Key identifies an alert for deduplication. The period is part of the
// key so a new day or month alerts again.
func (a Alert) Key() string {
	return fmt.Sprintf("alert:%s:%s:%s:%.2f", a.Provider, a.Window, a.Period, a.Threshold)
}

// AlertHandler receives threshold crossings. Handlers run on the monitor's
// dispatch goroutine and should not block for long.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert)
}

// Deduplicator suppresses re-sending the same alert. The Redis
// implementation makes suppression global across instances.
type Deduplicator interface {
	AlreadySent(ctx context.Context, key string) bool
	MarkSent(ctx context.Context, key string, ttl time.Duration)
}

// Monitor watches spend observations and dispatches alerts when a
// threshold is first crossed within a window period. Dispatch is
// asynchronous: Observe never blocks on the handler, and alerts are
// dropped if the queue is full.
type Monitor struct {
	thresholds []float64
	handler    AlertHandler
	dedup      Deduplicator
	logger     *slog.Logger

	mu      sync.Mutex
	crossed map[string]crossing // provider:window -> highest threshold alerted

	queue chan Alert
	stop  chan struct{}
	once  sync.Once
}

type crossing struct {
	period  string
	highest float64
}

// DefaultThresholds alert at 80% and 95% of a window's limit.
var DefaultThresholds = []float64{0.80, 0.95}

func NewMonitor(thresholds []float64, handler AlertHandler, dedup Deduplicator, logger *slog.Logger) *Monitor {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		thresholds: thresholds,
		handler:    handler,
		dedup:      dedup,
		logger:     logger,
		crossed:    make(map[string]crossing),
		queue:      make(chan Alert, 64),
		stop:       make(chan struct{}),
	}
	go m.dispatch()
	return m
}

func (m *Monitor) Close() {
	m.once.Do(func() { close(m.stop) })
}

// Observe checks spend against the window limit and queues an alert for
// the highest newly crossed threshold. Crossings reset when the period
// changes.
func (m *Monitor) Observe(provider, window, period string, spentCents, limitCents int64) {
	if limitCents <= 0 {
		return
	}
	ratio := float64(spentCents) / float64(limitCents)

	var highest float64
	for _, t := range m.thresholds {
		if ratio >= t && t > highest {
			highest = t
		}
	}
	if highest == 0 {
		return
	}

	key := provider + ":" + window
	m.mu.Lock()
	c := m.crossed[key]
	if c.period == period && c.highest >= highest {
		m.mu.Unlock()
		return
	}
	if c.period != period {
		c = crossing{period: period}
	}
	c.highest = highest
	m.crossed[key] = c
	m.mu.Unlock()

	alert := Alert{
		Provider:   provider,
		Window:     window,
		Period:     period,
		Threshold:  highest,
		SpentCents: spentCents,
		LimitCents: limitCents,
		At:         time.Now(),
	}

	select {
	case m.queue <- alert:
	default:
		m.logger.Warn("alert queue full, dropping alert",
			"provider", provider, "window", window, "threshold", highest)
	}
}

func (m *Monitor) dispatch() {
	for {
		select {
		case alert := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if m.dedup.AlreadySent(ctx, alert.Key()) {
				cancel()
				continue
			}
			if m.handler != nil {
				m.handler.HandleAlert(ctx, alert)
			}
			m.dedup.MarkSent(ctx, alert.Key(), dedupTTL(alert.Window))
			cancel()
		case <-m.stop:
			return
		}
	}
}

func dedupTTL(window string) time.Duration {
	if window == WindowMonthly {
		return 35 * 24 * time.Hour
	}
	return 48 * time.Hour
}

// LogAlertHandler writes alerts to the structured log. Used as the default
// handler and as a fallback when no notification transport is configured.
type LogAlertHandler struct {
	Logger *slog.Logger
}

func (h *LogAlertHandler) HandleAlert(_ context.Context, alert Alert) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("budget threshold crossed",
		"provider", alert.Provider,
		"window", alert.Window,
		"period", alert.Period,
		"threshold", alert.Threshold,
		"spent_cents", alert.SpentCents,
		"limit_cents", alert.LimitCents,
	)
}

// InMemoryDeduplicator suppresses duplicate alerts within one process.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{sent: make(map[string]time.Time)}
}

func (d *InMemoryDeduplicator) AlreadySent(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.sent[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(d.sent, key)
		return false
	}
	return true
}

func (d *InMemoryDeduplicator) MarkSent(_ context.Context, key string, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[key] = time.Now().Add(ttl)
}

// RedisDeduplicator suppresses duplicate alerts across instances using a
// key with a TTL.
type RedisDeduplicator struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisDeduplicator(client *redis.Client, logger *slog.Logger) *RedisDeduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDeduplicator{client: client, logger: logger}
}

func (d *RedisDeduplicator) AlreadySent(ctx context.Context, key string) bool {
	n, err := d.client.Exists(ctx, "modelmux:"+key).Result()
	if err != nil {
		d.logger.Warn("alert dedup check failed, assuming not sent", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (d *RedisDeduplicator) MarkSent(ctx context.Context, key string, ttl time.Duration) {
	if err := d.client.Set(ctx, "modelmux:"+key, "1", ttl).Err(); err != nil {
		d.logger.Warn("alert dedup mark failed", "key", key, "error", err)
	}
}
