package rules

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/gn-erp/paie/internal/payroll/tax"
)

// InvalidationChannel carries scope strings between processes.
const InvalidationChannel = "paie.rules.invalidate"

// TTLs configures how long each kind of entry stays fresh.
type TTLs struct {
	Constants time.Duration
	Rubrics   time.Duration
	Brackets  time.Duration
	Elements  time.Duration
	Currency  time.Duration
}

// DefaultTTLs returns the standard entry lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Constants: time.Hour,
		Rubrics:   time.Hour,
		Brackets:  time.Hour,
		Elements:  5 * time.Minute,
		Currency:  30 * time.Minute,
	}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	if t.Constants <= 0 {
		t.Constants = d.Constants
	}
	if t.Rubrics <= 0 {
		t.Rubrics = d.Rubrics
	}
	if t.Brackets <= 0 {
		t.Brackets = d.Brackets
	}
	if t.Elements <= 0 {
		t.Elements = d.Elements
	}
	if t.Currency <= 0 {
		t.Currency = d.Currency
	}
	return t
}

// ScopeKind names a family of cached entries.
type ScopeKind string

const (
	ScopeConstants ScopeKind = "constants"
	ScopeRubrics   ScopeKind = "rubrics"
	ScopeBrackets  ScopeKind = "brackets"
	ScopeElements  ScopeKind = "elements"
	ScopeCurrency  ScopeKind = "currency"
	ScopeAll       ScopeKind = "all"
)

// Scope selects the entries dropped by an invalidation. EmployerID 0 targets
// every employer; EmployeeID 0 targets every employee of the employer.
type Scope struct {
	Kind       ScopeKind
	EmployerID int64
	Year       int
	EmployeeID int64
}

// String encodes the scope for the invalidation channel.
func (s Scope) String() string {
	switch s.Kind {
	case ScopeBrackets:
		return fmt.Sprintf("%s:%d:%d", s.Kind, s.EmployerID, s.Year)
	case ScopeElements:
		return fmt.Sprintf("%s:%d:%d", s.Kind, s.EmployerID, s.EmployeeID)
	default:
		return fmt.Sprintf("%s:%d", s.Kind, s.EmployerID)
	}
}

// ParseScope decodes a scope published on the invalidation channel.
func ParseScope(raw string) (Scope, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 {
		return Scope{}, fmt.Errorf("rules: malformed scope %q", raw)
	}
	kind := ScopeKind(parts[0])
	employer, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("rules: malformed scope %q: %w", raw, err)
	}
	s := Scope{Kind: kind, EmployerID: employer}
	switch kind {
	case ScopeBrackets, ScopeElements:
		if len(parts) != 3 {
			return Scope{}, fmt.Errorf("rules: malformed scope %q", raw)
		}
		n, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Scope{}, fmt.Errorf("rules: malformed scope %q: %w", raw, err)
		}
		if kind == ScopeBrackets {
			s.Year = int(n)
		} else {
			s.EmployeeID = n
		}
	case ScopeConstants, ScopeRubrics, ScopeCurrency, ScopeAll:
		if len(parts) != 2 {
			return Scope{}, fmt.Errorf("rules: malformed scope %q", raw)
		}
	default:
		return Scope{}, fmt.Errorf("rules: unknown scope kind %q", parts[0])
	}
	return s, nil
}

// matches reports whether the cache key falls under the scope.
func (s Scope) matches(key string) bool {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return false
	}
	kind := ScopeKind(parts[0])
	sameEmployer := s.EmployerID == 0 || parts[1] == strconv.FormatInt(s.EmployerID, 10)
	if !sameEmployer {
		return false
	}
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeRubrics:
		// elements carry their resolved rubric
		return kind == ScopeRubrics || kind == ScopeElements
	case ScopeElements:
		if kind != ScopeElements {
			return false
		}
		return s.EmployeeID == 0 || (len(parts) > 2 && parts[2] == strconv.FormatInt(s.EmployeeID, 10))
	default:
		// bracket fallback may resolve any year to another, so a bracket
		// scope drops every year of the employer
		return kind == s.Kind
	}
}

type entry struct {
	value   any
	expires time.Time
}

type bracketEntry struct {
	brackets []Bracket
	year     int
	schedule *tax.Schedule
}

// Cache is the in-process read-through cache in front of the rule store.
// Reads are lock-free; entries are immutable and replaced wholesale.
type Cache struct {
	store    Store
	currency CurrencySource
	client   *redis.Client
	ttl      TTLs
	logger   *slog.Logger
	now      func() time.Time

	entries  sync.Map
	group    singleflight.Group
	mu       sync.Mutex
	revision atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64
}

// NewCache wires the cache. client may be nil when cross-process invalidation is not needed.
func NewCache(store Store, currency CurrencySource, client *redis.Client, ttl TTLs, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		currency: currency,
		client:   client,
		ttl:      ttl.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (c *Cache) WithNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Revision increases on every invalidation.
func (c *Cache) Revision() uint64 {
	return c.revision.Load()
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) load(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.entries.Load(key); ok {
		e := v.(*entry)
		if c.now().Before(e.expires) {
			c.hits.Add(1)
			return e.value, nil
		}
	}
	c.misses.Add(1)
	rev := c.revision.Load()
	v, err, _ := c.group.Do(key+"#"+strconv.FormatUint(rev, 10), func() (any, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.revision.Load() == rev {
			c.entries.Store(key, &entry{value: value, expires: c.now().Add(ttl)})
		}
		c.mu.Unlock()
		return value, nil
	})
	return v, err
}

// Constants returns the constant values active now.
func (c *Cache) Constants(ctx context.Context, employerID int64) (map[string]decimal.Decimal, error) {
	v, err := c.load(ctx, fmt.Sprintf("constants:%d", employerID), c.ttl.Constants, func(ctx context.Context) (any, error) {
		now := c.now()
		rows, err := c.store.Constants(ctx, employerID, now)
		if err != nil {
			return nil, fmt.Errorf("rules: load constants: %w", err)
		}
		return ConstantValues(rows, now), nil
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(map[string]decimal.Decimal)), nil
}

func (c *Cache) brackets(ctx context.Context, employerID int64, year int) (bracketEntry, error) {
	v, err := c.load(ctx, fmt.Sprintf("brackets:%d:%d", employerID, year), c.ttl.Brackets, func(ctx context.Context) (any, error) {
		rows, used, err := ResolveBrackets(ctx, c.store, employerID, year)
		if err != nil {
			return nil, err
		}
		schedule, err := NewSchedule(used, rows)
		if err != nil {
			return nil, err
		}
		return bracketEntry{brackets: rows, year: used, schedule: schedule}, nil
	})
	if err != nil {
		return bracketEntry{}, err
	}
	return v.(bracketEntry), nil
}

// TaxBrackets returns the bracket table applicable to year, after fallback.
func (c *Cache) TaxBrackets(ctx context.Context, employerID int64, year int) ([]Bracket, error) {
	e, err := c.brackets(ctx, employerID, year)
	if err != nil {
		return nil, err
	}
	out := make([]Bracket, len(e.brackets))
	copy(out, e.brackets)
	return out, nil
}

// Schedule returns the compiled tax schedule applicable to year.
func (c *Cache) Schedule(ctx context.Context, employerID int64, year int) (*tax.Schedule, error) {
	e, err := c.brackets(ctx, employerID, year)
	if err != nil {
		return nil, err
	}
	return e.schedule, nil
}

// ActiveRubrics returns the active catalog keyed by code.
func (c *Cache) ActiveRubrics(ctx context.Context, employerID int64) (map[string]Rubric, error) {
	v, err := c.activeRubrics(ctx, employerID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(v), nil
}

func (c *Cache) activeRubrics(ctx context.Context, employerID int64) (map[string]Rubric, error) {
	v, err := c.load(ctx, fmt.Sprintf("rubrics:%d", employerID), c.ttl.Rubrics, func(ctx context.Context) (any, error) {
		rows, err := c.store.Rubrics(ctx, employerID)
		if err != nil {
			return nil, fmt.Errorf("rules: load rubrics: %w", err)
		}
		catalog := ActiveRubricMap(rows)
		if err := ValidateCatalog(catalog); err != nil {
			return nil, err
		}
		return catalog, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Rubric), nil
}

// SalaryElements returns the elements of an employee valid on day 1 of the
// month, each with its rubric resolved.
func (c *Cache) SalaryElements(ctx context.Context, employerID, employeeID int64, year, month int) ([]SalaryElement, error) {
	key := fmt.Sprintf("elements:%d:%d:%04d%02d", employerID, employeeID, year, month)
	v, err := c.load(ctx, key, c.ttl.Elements, func(ctx context.Context) (any, error) {
		catalog, err := c.activeRubrics(ctx, employerID)
		if err != nil {
			return nil, err
		}
		rows, err := c.store.Elements(ctx, employerID, employeeID, FirstDay(year, month))
		if err != nil {
			return nil, fmt.Errorf("rules: load elements: %w", err)
		}
		return ResolveElements(catalog, rows)
	})
	if err != nil {
		return nil, err
	}
	src := v.([]SalaryElement)
	out := make([]SalaryElement, len(src))
	copy(out, src)
	return out, nil
}

// EmployerElements reads the elements of every employee of the employer valid
// on day 1 of the month in one pass, keyed by employee. Rubrics are left
// unresolved so one bad element only fails its own employee; callers resolve
// against the snapshot they compute with. Batch reads bypass the cache.
func (c *Cache) EmployerElements(ctx context.Context, employerID int64, year, month int) (map[int64][]SalaryElement, error) {
	rows, err := c.store.EmployerElements(ctx, employerID, FirstDay(year, month))
	if err != nil {
		return nil, fmt.Errorf("rules: load employer elements: %w", err)
	}
	out := make(map[int64][]SalaryElement)
	for _, e := range rows {
		out[e.EmployeeID] = append(out[e.EmployeeID], e)
	}
	return out, nil
}

// BaseCurrency returns the employer's base currency code.
func (c *Cache) BaseCurrency(ctx context.Context, employerID int64) (string, error) {
	v, err := c.load(ctx, fmt.Sprintf("currency:%d", employerID), c.ttl.Currency, func(ctx context.Context) (any, error) {
		if c.currency == nil {
			return nil, fmt.Errorf("%w: no currency source", ErrConfigurationMissing)
		}
		code, err := c.currency.BaseCurrency(ctx, employerID)
		if err != nil {
			return nil, err
		}
		return code, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Snapshot assembles the immutable rule set for a computation in year.
func (c *Cache) Snapshot(ctx context.Context, employerID int64, year int) (*Snapshot, error) {
	rev := c.revision.Load()
	constants, err := c.Constants(ctx, employerID)
	if err != nil {
		return nil, err
	}
	rubrics, err := c.ActiveRubrics(ctx, employerID)
	if err != nil {
		return nil, err
	}
	schedule, err := c.Schedule(ctx, employerID, year)
	if err != nil {
		return nil, err
	}
	currency, err := c.BaseCurrency(ctx, employerID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		EmployerID: employerID,
		Year:       year,
		Revision:   rev,
		Currency:   currency,
		Constants:  constants,
		Rubrics:    rubrics,
		Schedule:   schedule,
		TakenAt:    c.now(),
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Warm loads the snapshot of year so the first computation hits the cache.
func (c *Cache) Warm(ctx context.Context, employerID int64, year int) error {
	_, err := c.Snapshot(ctx, employerID, year)
	return err
}

// Drop evicts the entries under scope in this process only.
func (c *Cache) Drop(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision.Add(1)
	c.entries.Range(func(k, _ any) bool {
		if scope.matches(k.(string)) {
			c.entries.Delete(k)
		}
		return true
	})
}

// Invalidate evicts the scope locally and announces it to other processes.
func (c *Cache) Invalidate(ctx context.Context, scope Scope) error {
	c.Drop(scope)
	if c.client == nil {
		return nil
	}
	if err := c.client.Publish(ctx, InvalidationChannel, scope.String()).Err(); err != nil {
		return fmt.Errorf("rules: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to invalidations published by other processes. It returns
// once the subscription is active; delivery stops when ctx is cancelled.
func (c *Cache) Listen(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rules: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				scope, err := ParseScope(msg.Payload)
				if err != nil {
					c.logger.Warn("rules cache: ignoring invalidation", slog.String("payload", msg.Payload), slog.Any("error", err))
					continue
				}
				c.Drop(scope)
			}
		}
	}()
	return nil
}
