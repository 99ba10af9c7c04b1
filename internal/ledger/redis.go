package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quillforge/modelmux/internal/domain"
)

// Lua scripts for atomic ledger operations. Window keys embed the period,
// so a reservation always settles against the period it was taken in.

// reserveScript checks both windows against their limits and debits the
// estimate from each atomically.
// Keys: [day_key, month_key]
// Args: [estimate_cents, day_limit_cents, month_limit_cents, day_ttl_seconds, month_ttl_seconds]
// Returns: {status, day_spent, month_spent} where status is 1 on success,
// -1 when the daily limit would be exceeded, -2 for the monthly limit.
var reserveScript = redis.NewScript(`
local day = tonumber(redis.call('GET', KEYS[1]) or '0')
local month = tonumber(redis.call('GET', KEYS[2]) or '0')
local estimate = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])
local monthLimit = tonumber(ARGV[3])

if dayLimit > 0 and day + estimate > dayLimit then
    return {-1, day, month}
end
if monthLimit > 0 and month + estimate > monthLimit then
    return {-2, day, month}
end

day = redis.call('INCRBY', KEYS[1], estimate)
month = redis.call('INCRBY', KEYS[2], estimate)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[5]))
return {1, day, month}
`)

// settleScript applies the commit or release delta to both windows,
// clamping at zero. A window key that has already expired is skipped.
// Keys: [day_key, month_key]
// Args: [delta_cents]
// Returns: {day_spent, month_spent} with -1 for a skipped window.
var settleScript = redis.NewScript(`
local delta = tonumber(ARGV[1])
local day = -1
local month = -1

if redis.call('EXISTS', KEYS[1]) == 1 then
    day = redis.call('INCRBY', KEYS[1], delta)
    if day < 0 then
        redis.call('SET', KEYS[1], '0', 'KEEPTTL')
        day = 0
    end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    month = redis.call('INCRBY', KEYS[2], delta)
    if month < 0 then
        redis.call('SET', KEYS[2], '0', 'KEEPTTL')
        month = 0
    end
end
return {day, month}
`)

const (
	dayKeyTTL   = 48 * time.Hour
	monthKeyTTL = 35 * 24 * time.Hour
)

// RedisLedger enforces budgets across gateway instances. Spend counters
// live in Redis under period-stamped keys; each instance mirrors the
// totals it has seen so Headroom and Snapshot stay off the network.
type RedisLedger struct {
	client  *redis.Client
	limits  map[string]Limits
	monitor *Monitor
	now     func() time.Time

	mu   sync.RWMutex
	seen map[string]*spendMirror

	settleMu sync.Mutex
}

type spendMirror struct {
	dayKey     string
	daySpent   int64
	monthKey   string
	monthSpent int64
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(redisURL string, limits map[string]Limits, monitor *Monitor) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisLedgerWithClient(client, limits, monitor), nil
}

// NewRedisLedgerWithClient builds a ledger on an existing client. Useful
// for sharing a connection pool with the rate limiter and cache.
func NewRedisLedgerWithClient(client *redis.Client, limits map[string]Limits, monitor *Monitor) *RedisLedger {
	return &RedisLedger{
		client:  client,
		limits:  limits,
		monitor: monitor,
		now:     time.Now,
		seen:    make(map[string]*spendMirror),
	}
}

func redisDayKey(provider, period string) string {
	return fmt.Sprintf("ledger:%s:day:%s", provider, period)
}

func redisMonthKey(provider, period string) string {
	return fmt.Sprintf("ledger:%s:month:%s", provider, period)
}

func (l *RedisLedger) Reserve(ctx context.Context, provider string, estimateCents int64) (*Reservation, error) {
	if estimateCents < 0 {
		return nil, fmt.Errorf("reserve %s: negative estimate %d", provider, estimateCents)
	}

	now := l.now()
	dk, mk := dayKey(now), monthKey(now)
	lim := l.limits[provider]

	keys := []string{redisDayKey(provider, dk), redisMonthKey(provider, mk)}
	args := []interface{}{
		estimateCents,
		lim.DailyCents,
		lim.MonthlyCents,
		int(dayKeyTTL.Seconds()),
		int(monthKeyTTL.Seconds()),
	}

	// Budget checks fail closed: a Redis outage must not allow
	// unbounded spend.
	vals, err := reserveScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", provider, err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("reserve %s: unexpected script result %v", provider, vals)
	}
	status, daySpent, monthSpent := vals[0], vals[1], vals[2]

	l.mirror(provider, dk, daySpent, mk, monthSpent)

	switch status {
	case -1:
		return nil, fmt.Errorf("provider %s daily budget: %d spent + %d estimate > %d limit: %w",
			provider, daySpent, estimateCents, lim.DailyCents, domain.ErrBudgetExceeded)
	case -2:
		return nil, fmt.Errorf("provider %s monthly budget: %d spent + %d estimate > %d limit: %w",
			provider, monthSpent, estimateCents, lim.MonthlyCents, domain.ErrBudgetExceeded)
	}

	l.observe(provider, dk, mk, daySpent, monthSpent, lim)

	return &Reservation{
		ID:       uuid.New().String(),
		Provider: provider,
		Cents:    estimateCents,
		dayKey:   dk,
		monthKey: mk,
	}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, res *Reservation, actualCents int64) error {
	if actualCents < 0 {
		actualCents = 0
	}
	return l.settle(ctx, res, actualCents)
}

func (l *RedisLedger) Release(ctx context.Context, res *Reservation) error {
	return l.settle(ctx, res, 0)
}

func (l *RedisLedger) settle(ctx context.Context, res *Reservation, actualCents int64) error {
	if res == nil {
		return fmt.Errorf("nil reservation")
	}

	l.settleMu.Lock()
	if res.settled {
		l.settleMu.Unlock()
		return ErrReservationSettled
	}
	res.settled = true
	l.settleMu.Unlock()

	keys := []string{
		redisDayKey(res.Provider, res.dayKey),
		redisMonthKey(res.Provider, res.monthKey),
	}
	delta := actualCents - res.Cents

	vals, err := settleScript.Run(ctx, l.client, keys, []interface{}{delta}...).Int64Slice()
	if err != nil {
		return fmt.Errorf("settle %s: %w", res.Provider, err)
	}
	if len(vals) != 2 {
		return fmt.Errorf("settle %s: unexpected script result %v", res.Provider, vals)
	}

	daySpent, monthSpent := vals[0], vals[1]
	if daySpent >= 0 || monthSpent >= 0 {
		l.mirrorSettle(res.Provider, res.dayKey, daySpent, res.monthKey, monthSpent)
	}
	if daySpent >= 0 && monthSpent >= 0 {
		l.observe(res.Provider, res.dayKey, res.monthKey, daySpent, monthSpent, l.limits[res.Provider])
	}
	return nil
}

func (l *RedisLedger) Headroom(provider string) float64 {
	now := l.now()
	dk, mk := dayKey(now), monthKey(now)
	lim := l.limits[provider]

	l.mu.RLock()
	m, ok := l.seen[provider]
	l.mu.RUnlock()
	if !ok {
		return 1.0
	}

	var daySpent, monthSpent int64
	if m.dayKey == dk {
		daySpent = m.daySpent
	}
	if m.monthKey == mk {
		monthSpent = m.monthSpent
	}
	return headroom(daySpent, monthSpent, lim)
}

// CanReserve answers from the mirror, so it can run on every scoring pass.
// It may be stale across instances; Reserve is the authoritative check.
func (l *RedisLedger) CanReserve(provider string, estimateCents int64) bool {
	now := l.now()
	dk, mk := dayKey(now), monthKey(now)
	lim := l.limits[provider]

	l.mu.RLock()
	m, ok := l.seen[provider]
	l.mu.RUnlock()
	if !ok {
		return true
	}

	var daySpent, monthSpent int64
	if m.dayKey == dk {
		daySpent = m.daySpent
	}
	if m.monthKey == mk {
		monthSpent = m.monthSpent
	}

	if lim.DailyCents > 0 && daySpent+estimateCents > lim.DailyCents {
		return false
	}
	if lim.MonthlyCents > 0 && monthSpent+estimateCents > lim.MonthlyCents {
		return false
	}
	return true
}

func (l *RedisLedger) Snapshot() []BudgetStatus {
	now := l.now()
	dk, mk := dayKey(now), monthKey(now)

	l.mu.RLock()
	providers := make([]string, 0, len(l.seen))
	for name := range l.seen {
		providers = append(providers, name)
	}
	mirrors := make(map[string]spendMirror, len(l.seen))
	for name, m := range l.seen {
		mirrors[name] = *m
	}
	l.mu.RUnlock()

	out := make([]BudgetStatus, 0, 2*len(providers))
	for _, name := range providers {
		m := mirrors[name]
		lim := l.limits[name]

		var daySpent, monthSpent int64
		if m.dayKey == dk {
			daySpent = m.daySpent
		}
		if m.monthKey == mk {
			monthSpent = m.monthSpent
		}
		out = append(out,
			BudgetStatus{
				Provider:   name,
				Window:     WindowDaily,
				Period:     dk,
				LimitCents: lim.DailyCents,
				SpentCents: daySpent,
				Headroom:   windowHeadroom(daySpent, lim.DailyCents),
			},
			BudgetStatus{
				Provider:   name,
				Window:     WindowMonthly,
				Period:     mk,
				LimitCents: lim.MonthlyCents,
				SpentCents: monthSpent,
				Headroom:   windowHeadroom(monthSpent, lim.MonthlyCents),
			},
		)
	}
	return out
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) mirror(provider, dk string, daySpent int64, mk string, monthSpent int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.seen[provider]
	if !ok {
		m = &spendMirror{}
		l.seen[provider] = m
	}
	m.dayKey, m.daySpent = dk, daySpent
	m.monthKey, m.monthSpent = mk, monthSpent
}

// mirrorSettle updates only the windows the settle actually touched, and
// only if the mirror still points at the same period.
func (l *RedisLedger) mirrorSettle(provider, dk string, daySpent int64, mk string, monthSpent int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.seen[provider]
	if !ok {
		return
	}
	if daySpent >= 0 && m.dayKey == dk {
		m.daySpent = daySpent
	}
	if monthSpent >= 0 && m.monthKey == mk {
		m.monthSpent = monthSpent
	}
}

func (l *RedisLedger) observe(provider, dk, mk string, daySpent, monthSpent int64, lim Limits) {
	if l.monitor == nil {
		return
	}
	l.monitor.Observe(provider, WindowDaily, dk, daySpent, lim.DailyCents)
	l.monitor.Observe(provider, WindowMonthly, mk, monthSpent, lim.MonthlyCents)
}
