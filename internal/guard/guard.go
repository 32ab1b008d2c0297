package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultTTL        = 200 * time.Millisecond
	defaultBucketSize = 100 * time.Millisecond
	defaultStaleAfter = 3 * time.Second
	defaultMaxEntries = 50
)

type Config struct {
	// TTL is how long a seen note blocks duplicates.
	TTL time.Duration
	// BucketSize is the width of the coarse time bucket that catches
	// duplicates racing across sessions.
	BucketSize time.Duration
	// StaleAfter is the origin-timestamp age beyond which a note is
	// suppressed from playback.
	StaleAfter time.Duration
	// MaxEntries caps the live set; exceeding it triggers a prune.
	MaxEntries int
}

func (c *Config) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.BucketSize <= 0 {
		c.BucketSize = defaultBucketSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
}

// Guard recognizes duplicate and self-echoed note events inside a short
// time window. Entries expire lazily; no timers are owned here, so there
// is nothing to cancel on teardown.
type Guard struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Guard {
	cfg.withDefaults()

	return &Guard{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func sessionKey(senderId, noteIdentity, sessionId string) string {
	return fmt.Sprintf("%s|%s|%s", senderId, noteIdentity, sessionId)
}

func (g *Guard) bucketKey(senderId, noteIdentity string, at time.Time) string {
	bucket := at.UnixMilli() / g.cfg.BucketSize.Milliseconds()
	return fmt.Sprintf("%s|%s|#%d", senderId, noteIdentity, bucket)
}

// ShouldAccept reports whether a note event is new. Both the
// session-scoped key and the time-bucketed key are checked; if either is
// live the note is a duplicate. Otherwise both keys are inserted with the
// guard's TTL and the note is accepted.
func (g *Guard) ShouldAccept(senderId, noteIdentity, sessionId string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	keys := []string{
		sessionKey(senderId, noteIdentity, sessionId),
		g.bucketKey(senderId, noteIdentity, now),
	}

	for _, key := range keys {
		deadline, ok := g.entries[key]
		if ok && now.Before(deadline) {
			return false
		}
	}

	if len(g.entries)+len(keys) > g.cfg.MaxEntries {
		g.prune(now)
	}

	deadline := now.Add(g.cfg.TTL)
	for _, key := range keys {
		g.entries[key] = deadline
	}

	return true
}

// IsStale reports whether a note originated too long ago to be played
// without confusing the listener. Stale notes still enter the guard via
// ShouldAccept so that later duplicates stay suppressed.
func (g *Guard) IsStale(originTs int64) bool {
	age := g.now().UnixMilli() - originTs
	return age > g.cfg.StaleAfter.Milliseconds()
}

// prune drops expired entries; if everything is still live the set is
// cleared wholesale. Losing live entries widens the duplicate window by
// at most one TTL, which is preferable to unbounded growth.
func (g *Guard) prune(now time.Time) {
	for key, deadline := range g.entries {
		if !now.Before(deadline) {
			delete(g.entries, key)
		}
	}

	if len(g.entries) >= g.cfg.MaxEntries {
		if g.logger != nil {
			g.logger.Warn("dedup guard full, clearing", "entries", len(g.entries))
		}
		g.entries = make(map[string]time.Time)
	}
}

// Size returns the number of live entries, counting expired ones that
// have not been pruned yet.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.entries)
}
