// Package ledger enforces per-provider spending budgets with pessimistic
// integer-cent reservations over daily and monthly windows. A reservation
// takes the estimated cost out of both windows before the provider is
// called, so concurrent requests cannot jointly overspend; commit settles
// the reservation to the actual cost and release refunds it entirely.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillforge/modelmux/internal/domain"
)

var ErrReservationSettled = errors.New("reservation already settled")

// Limits are the per-provider budget ceilings in cents. Zero means the
// window is not enforced.
type Limits struct {
	DailyCents   int64
	MonthlyCents int64
}

// Reservation is the token returned by Reserve. It must be settled exactly
// once, by Commit or Release.
type Reservation struct {
	ID       string
	Provider string
	Cents    int64

	dayKey   string
	monthKey string
	settled  bool // guarded by the owning budget's lock
}

// BudgetStatus is one window of one provider's budget, for admin inspection.
type BudgetStatus struct {
	Provider   string  `json:"provider"`
	Window     string  `json:"window"`
	Period     string  `json:"period"`
	LimitCents int64   `json:"limit_cents"`
	SpentCents int64   `json:"spent_cents"`
	Headroom   float64 `json:"headroom"`
}

// Ledger is the budget enforcement contract.
type Ledger interface {
	Reserve(ctx context.Context, provider string, estimateCents int64) (*Reservation, error)
	Commit(ctx context.Context, res *Reservation, actualCents int64) error
	Release(ctx context.Context, res *Reservation) error
	// Headroom reports the fraction of budget still available for a
	// provider, 0..1, the tighter of the two windows. Must not touch the
	// network: the router calls it on every candidate scoring pass.
	Headroom(provider string) float64
	// CanReserve reports whether an estimate would currently fit both
	// windows, without taking a reservation. Same no-network rule as
	// Headroom; Reserve remains the authoritative check.
	CanReserve(provider string, estimateCents int64) bool
	Snapshot() []BudgetStatus
}

const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// MemoryLedger keeps budgets in process memory. Each provider has its own
// lock, held only across counter updates, never across a provider call.
type MemoryLedger struct {
	mu      sync.RWMutex
	budgets map[string]*providerBudget
	limits  map[string]Limits
	monitor *Monitor

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type providerBudget struct {
	mu     sync.Mutex
	limits Limits
	day    window
	month  window
}

type window struct {
	key   string
	spent int64
}

// NewMemoryLedger builds a ledger for the given per-provider limits. The
// monitor may be nil when threshold alerting is not wanted. A background
// goroutine rolls windows over at period boundaries; Close stops it.
func NewMemoryLedger(limits map[string]Limits, monitor *Monitor) *MemoryLedger {
	l := &MemoryLedger{
		budgets: make(map[string]*providerBudget),
		limits:  limits,
		monitor: monitor,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.rolloverLoop()
	return l
}

func (l *MemoryLedger) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLedger) Reserve(_ context.Context, provider string, estimateCents int64) (*Reservation, error) {
	if estimateCents < 0 {
		return nil, fmt.Errorf("reserve %s: negative estimate %d", provider, estimateCents)
	}

	pb := l.budget(provider)
	now := l.now()

	pb.mu.Lock()
	l.roll(pb, now)

	if pb.limits.DailyCents > 0 && pb.day.spent+estimateCents > pb.limits.DailyCents {
		spent, limit := pb.day.spent, pb.limits.DailyCents
		pb.mu.Unlock()
		return nil, fmt.Errorf("provider %s daily budget: %d spent + %d estimate > %d limit: %w",
			provider, spent, estimateCents, limit, domain.ErrBudgetExceeded)
	}
	if pb.limits.MonthlyCents > 0 && pb.month.spent+estimateCents > pb.limits.MonthlyCents {
		spent, limit := pb.month.spent, pb.limits.MonthlyCents
		pb.mu.Unlock()
		return nil, fmt.Errorf("provider %s monthly budget: %d spent + %d estimate > %d limit: %w",
			provider, spent, estimateCents, limit, domain.ErrBudgetExceeded)
	}

	pb.day.spent += estimateCents
	pb.month.spent += estimateCents

	res := &Reservation{
		ID:       uuid.New().String(),
		Provider: provider,
		Cents:    estimateCents,
		dayKey:   pb.day.key,
		monthKey: pb.month.key,
	}
	day, month := pb.day, pb.month
	lim := pb.limits
	pb.mu.Unlock()

	l.observe(provider, day, month, lim)
	return res, nil
}

func (l *MemoryLedger) Commit(_ context.Context, res *Reservation, actualCents int64) error {
	if actualCents < 0 {
		actualCents = 0
	}
	return l.settle(res, actualCents)
}

func (l *MemoryLedger) Release(_ context.Context, res *Reservation) error {
	return l.settle(res, 0)
}

// settle adjusts both windows from the reserved estimate to the actual
// cost. A window that has rolled over since the reservation was taken is
// left alone: the reservation belonged to the previous period.
func (l *MemoryLedger) settle(res *Reservation, actualCents int64) error {
	if res == nil {
		return errors.New("nil reservation")
	}

	pb := l.budget(res.Provider)
	now := l.now()

	pb.mu.Lock()
	if res.settled {
		pb.mu.Unlock()
		return ErrReservationSettled
	}
	res.settled = true

	l.roll(pb, now)

	delta := actualCents - res.Cents
	if pb.day.key == res.dayKey {
		pb.day.spent += delta
		if pb.day.spent < 0 {
			pb.day.spent = 0
		}
	}
	if pb.month.key == res.monthKey {
		pb.month.spent += delta
		if pb.month.spent < 0 {
			pb.month.spent = 0
		}
	}

	day, month := pb.day, pb.month
	lim := pb.limits
	pb.mu.Unlock()

	l.observe(res.Provider, day, month, lim)
	return nil
}

func (l *MemoryLedger) Headroom(provider string) float64 {
	pb := l.budget(provider)
	now := l.now()

	pb.mu.Lock()
	defer pb.mu.Unlock()
	l.roll(pb, now)

	return headroom(pb.day.spent, pb.month.spent, pb.limits)
}

func (l *MemoryLedger) CanReserve(provider string, estimateCents int64) bool {
	pb := l.budget(provider)
	now := l.now()

	pb.mu.Lock()
	defer pb.mu.Unlock()
	l.roll(pb, now)

	if pb.limits.DailyCents > 0 && pb.day.spent+estimateCents > pb.limits.DailyCents {
		return false
	}
	if pb.limits.MonthlyCents > 0 && pb.month.spent+estimateCents > pb.limits.MonthlyCents {
		return false
	}
	return true
}

func (l *MemoryLedger) Snapshot() []BudgetStatus {
	l.mu.RLock()
	names := make([]string, 0, len(l.budgets))
	for name := range l.budgets {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)

	now := l.now()
	out := make([]BudgetStatus, 0, 2*len(names))
	for _, name := range names {
		pb := l.budget(name)
		pb.mu.Lock()
		l.roll(pb, now)
		out = append(out,
			BudgetStatus{
				Provider:   name,
				Window:     WindowDaily,
				Period:     pb.day.key,
				LimitCents: pb.limits.DailyCents,
				SpentCents: pb.day.spent,
				Headroom:   windowHeadroom(pb.day.spent, pb.limits.DailyCents),
			},
			BudgetStatus{
				Provider:   name,
				Window:     WindowMonthly,
				Period:     pb.month.key,
				LimitCents: pb.limits.MonthlyCents,
				SpentCents: pb.month.spent,
				Headroom:   windowHeadroom(pb.month.spent, pb.limits.MonthlyCents),
			},
		)
		pb.mu.Unlock()
	}
	return out
}

// budget returns the provider's budget, creating it exactly once.
func (l *MemoryLedger) budget(provider string) *providerBudget {
	l.mu.RLock()
	pb, ok := l.budgets[provider]
	l.mu.RUnlock()
	if ok {
		return pb
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if pb, ok = l.budgets[provider]; ok {
		return pb
	}

	now := l.now()
	pb = &providerBudget{
		limits: l.limits[provider],
		day:    window{key: dayKey(now)},
		month:  window{key: monthKey(now)},
	}
	l.budgets[provider] = pb
	return pb
}

// roll resets a window whose period has ended. Caller holds pb.mu. The
// monitor keys crossings by period, so a fresh period alerts again without
// any explicit reset here.
func (l *MemoryLedger) roll(pb *providerBudget, now time.Time) {
	if dk := dayKey(now); pb.day.key != dk {
		pb.day = window{key: dk}
	}
	if mk := monthKey(now); pb.month.key != mk {
		pb.month = window{key: mk}
	}
}

func (l *MemoryLedger) rolloverLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := l.now()
			l.mu.RLock()
			budgets := make(map[string]*providerBudget, len(l.budgets))
			for name, pb := range l.budgets {
				budgets[name] = pb
			}
			l.mu.RUnlock()

			for _, pb := range budgets {
				pb.mu.Lock()
				l.roll(pb, now)
				pb.mu.Unlock()
			}
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLedger) observe(provider string, day, month window, lim Limits) {
	if l.monitor == nil {
		return
	}
	l.monitor.Observe(provider, WindowDaily, day.key, day.spent, lim.DailyCents)
	l.monitor.Observe(provider, WindowMonthly, month.key, month.spent, lim.MonthlyCents)
}

func headroom(daySpent, monthSpent int64, lim Limits) float64 {
	h := windowHeadroom(daySpent, lim.DailyCents)
	if m := windowHeadroom(monthSpent, lim.MonthlyCents); m < h {
		h = m
	}
	return h
}

func windowHeadroom(spent, limit int64) float64 {
	if limit <= 0 {
		return 1.0
	}
	h := float64(limit-spent) / float64(limit)
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}
