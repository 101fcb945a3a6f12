package timeutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionCacheKey identifies one cached TradingSession lookup.
type sessionCacheKey struct {
	date          string
	exchangeGroup string
	assetClass    string
}

func (k sessionCacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.date, k.exchangeGroup, k.assetClass)
}

// SessionCache is TimeManager's two-tier cache (§4.1): a last-query
// shortcut checked before anything else, and a bounded LRU behind it.
// Cache lookups never fail; a miss simply means the caller queries the
// CalendarAdapter. Modeled on cache.TTLCache's mutex-guarded map and
// scan-based eviction, but keyed by (date, exchange_group, asset_class)
// instead of by TTL tier, since TradingSession records never expire once
// computed — only capacity evicts them.
type SessionCache struct {
	mu sync.RWMutex

	lastKey     sessionCacheKey
	lastSession *TradingSession
	lastHit     bool

	entries    map[sessionCacheKey]*sessionCacheEntry
	maxEntries int

	hits   int64
	misses int64

	// backing is an optional shared backing store (e.g. Redis) so a
	// fleet of processes can share the calendar cache; nil means
	// in-process LRU only, which is the default.
	backing CacheBacking
}

type sessionCacheEntry struct {
	session  *TradingSession
	accessed time.Time
}

// NewSessionCache builds an in-process LRU cache bounded to maxEntries
// (spec default ~100).
func NewSessionCache(maxEntries int) *SessionCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &SessionCache{
		entries:    make(map[sessionCacheKey]*sessionCacheEntry, maxEntries),
		maxEntries: maxEntries,
	}
}

// WithBacking attaches a shared CacheBacking (e.g. Redis-backed) behind the
// in-process LRU. The in-process tier is always consulted first.
func (c *SessionCache) WithBacking(b CacheBacking) *SessionCache {
	c.backing = b
	return c
}

func (c *SessionCache) get(date time.Time, exchangeGroup, assetClass string) (*TradingSession, bool) {
	key := sessionCacheKey{date: date.Format("2006-01-02"), exchangeGroup: exchangeGroup, assetClass: assetClass}

	c.mu.RLock()
	if c.lastHit && key == c.lastKey {
		s := c.lastSession
		c.mu.RUnlock()
		c.recordHit()
		return s, true
	}
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		entry.accessed = time.Now()
		c.lastKey, c.lastSession, c.lastHit = key, entry.session, true
		c.mu.Unlock()
		c.recordHit()
		return entry.session, true
	}

	if c.backing != nil {
		if s, ok := c.backing.Get(key.String()); ok {
			c.put(date, exchangeGroup, assetClass, s)
			c.recordHit()
			return s, true
		}
	}

	c.recordMiss()
	return nil, false
}

func (c *SessionCache) put(date time.Time, exchangeGroup, assetClass string, s *TradingSession) {
	key := sessionCacheKey{date: date.Format("2006-01-02"), exchangeGroup: exchangeGroup, assetClass: assetClass}

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &sessionCacheEntry{session: s, accessed: time.Now()}
	c.lastKey, c.lastSession, c.lastHit = key, s, true
	c.mu.Unlock()

	if c.backing != nil {
		c.backing.Set(key.String(), s)
	}
}

// evictOldestLocked removes the least-recently-accessed entry. Caller must
// hold the write lock.
func (c *SessionCache) evictOldestLocked() {
	var oldestKey sessionCacheKey
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.accessed.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.accessed, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *SessionCache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *SessionCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Stats reports cache hit/miss attribution, modeled on facade.CacheStats.
type Stats struct {
	Hits     int64
	Misses   int64
	Entries  int
	HitRatio float64
}

func (c *SessionCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries), HitRatio: ratio}
}

// CacheBacking is a shared backing store for the SessionCache. The default
// deployment needs none of it; a RedisCacheBacking is provided for
// multi-process deployments that want a shared calendar cache.
type CacheBacking interface {
	Get(key string) (*TradingSession, bool)
	Set(key string, session *TradingSession)
}

// RedisCacheBacking stores serialized TradingSession records in Redis.
// TimeManager never requires this to be present; it is an optional
// secondary tier behind the in-process LRU.
type RedisCacheBacking struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCacheBacking(client redis.UniversalClient, ttl time.Duration) *RedisCacheBacking {
	return &RedisCacheBacking{client: client, ttl: ttl, prefix: "sessionengine:calendar:"}
}

type redisTradingSession struct {
	Date            time.Time  `json:"date"`
	ExchangeGroup   string     `json:"exchange_group"`
	AssetClass      string     `json:"asset_class"`
	IsTradingDay    bool       `json:"is_trading_day"`
	IsHoliday       bool       `json:"is_holiday"`
	HolidayName     string     `json:"holiday_name"`
	IsEarlyClose    bool       `json:"is_early_close"`
	RegularOpen     time.Time  `json:"regular_open"`
	RegularClose    time.Time  `json:"regular_close"`
	PreMarketOpen   *time.Time `json:"pre_market_open,omitempty"`
	PostMarketClose *time.Time `json:"post_market_close,omitempty"`
	TimezoneName    string     `json:"timezone"`
}

func (r *RedisCacheBacking) Get(key string) (*TradingSession, bool) {
	if r.client == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var rs redisTradingSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, false
	}
	loc, err := time.LoadLocation(rs.TimezoneName)
	if err != nil {
		loc = time.UTC
	}
	return &TradingSession{
		Date: rs.Date, ExchangeGroup: rs.ExchangeGroup, AssetClass: rs.AssetClass,
		IsTradingDay: rs.IsTradingDay, IsHoliday: rs.IsHoliday, HolidayName: rs.HolidayName,
		IsEarlyClose: rs.IsEarlyClose, RegularOpen: rs.RegularOpen, RegularClose: rs.RegularClose,
		PreMarketOpen: rs.PreMarketOpen, PostMarketClose: rs.PostMarketClose, Timezone: loc,
	}, true
}

func (r *RedisCacheBacking) Set(key string, s *TradingSession) {
	if r.client == nil {
		return
	}
	tzName := "UTC"
	if s.Timezone != nil {
		tzName = s.Timezone.String()
	}
	rs := redisTradingSession{
		Date: s.Date, ExchangeGroup: s.ExchangeGroup, AssetClass: s.AssetClass,
		IsTradingDay: s.IsTradingDay, IsHoliday: s.IsHoliday, HolidayName: s.HolidayName,
		IsEarlyClose: s.IsEarlyClose, RegularOpen: s.RegularOpen, RegularClose: s.RegularClose,
		PreMarketOpen: s.PreMarketOpen, PostMarketClose: s.PostMarketClose, TimezoneName: tzName,
	}
	raw, err := json.Marshal(rs)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	r.client.Set(ctx, r.prefix+key, raw, r.ttl)
}
