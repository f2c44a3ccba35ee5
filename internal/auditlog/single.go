package auditlog

import (
	"context"
	"sort"
	"time"

	"sentinel-modlog/internal/metrics"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	DefaultFreshness  = 5 * time.Second
	DefaultFetchLimit = 50
)

type CorrelatorConfig struct {
	Freshness  time.Duration
	FetchLimit int
	CacheSize  int
}

func (c CorrelatorConfig) withDefaults() CorrelatorConfig {
	if c.Freshness <= 0 {
		c.Freshness = DefaultFreshness
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// SingleCorrelator attributes single message deletions to MessageDelete
// audit-log entries.
type SingleCorrelator struct {
	source     Source
	registry   *Registry
	cache      *DedupCache
	clock      Clock
	freshness  time.Duration
	fetchLimit int
	logger     *zap.Logger
}

func NewSingleCorrelator(source Source, registry *Registry, cfg CorrelatorConfig, logger *zap.Logger) *SingleCorrelator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SingleCorrelator{
		source:     source,
		registry:   registry,
		cache:      NewDedupCache(cfg.CacheSize),
		clock:      realClock{},
		freshness:  cfg.Freshness,
		fetchLimit: cfg.FetchLimit,
		logger:     logger,
	}
}

func (c *SingleCorrelator) WithClock(clock Clock) {
	c.clock = clock
}

// Handle resolves the deletion and emits it to message delete listeners.
func (c *SingleCorrelator) Handle(ctx context.Context, msg DeletedMessage) ResolvedDeletion {
	res := c.Resolve(ctx, msg)
	c.registry.EmitMessageDelete(ctx, res)
	return res
}

func (c *SingleCorrelator) Resolve(ctx context.Context, msg DeletedMessage) ResolvedDeletion {
	res := ResolvedDeletion{Message: msg}

	if !eligible(msg) {
		return c.finish(res, OutcomeSkippedIneligible)
	}
	if !c.source.CanViewAuditLog(ctx, msg.GuildID) {
		return c.finish(res, OutcomeSkippedPermission)
	}
	if !c.registry.SingleNeedsAuditLog(ctx, msg) {
		return c.finish(res, OutcomeSkippedNoInterest)
	}

	entries, err := c.source.FetchAuditLog(ctx, msg.GuildID, discordgo.AuditLogActionMessageDelete, c.fetchLimit)
	if err != nil {
		metrics.AuditFetchTotal.WithLabelValues(kindSingle, "error").Inc()
		c.logger.Debug("message delete audit fetch failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
		return c.finish(res, OutcomeFetchFailed)
	}
	metrics.AuditFetchTotal.WithLabelValues(kindSingle, "ok").Inc()

	if entry := c.match(msg, entries, c.clock.Now()); entry != nil {
		res.Entry = entry
		return c.finish(res, OutcomeMatched)
	}
	return c.finish(res, OutcomeUnmatched)
}

// eligible reports whether a deletion can be matched at all: it needs a guild
// and a known author.
func eligible(msg DeletedMessage) bool {
	if msg.GuildID == "" {
		return false
	}
	switch msg.Kind() {
	case MessageFull, MessagePartialKnownAuthor:
		return msg.AuthorID != ""
	case MessagePartialUnknownAuthor:
		return false
	default:
		return false
	}
}

func (c *SingleCorrelator) match(msg DeletedMessage, entries []Entry, now time.Time) *Entry {
	candidates := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.TargetID != msg.AuthorID || entry.ChannelID != msg.ChannelID {
			continue
		}
		// Discord folds repeated deletes into one entry by bumping its count,
		// so only the first delete of a run is visible through freshness.
		if entry.Count > 1 || now.Sub(entry.CreatedAt) <= c.freshness {
			candidates = append(candidates, entry)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	for _, candidate := range candidates {
		candidate := candidate
		if c.cache.Observe(candidate, singleDecision(candidate)) {
			return &candidate
		}
	}
	return nil
}

// singleDecision rejects a repeat of an already attributed count. With no
// snapshot only a count of 1 is attributable: a higher count may predate the
// process. The snapshot is stored either way so the next bump is seen.
func singleDecision(candidate Entry) Decision {
	return func(prev Entry, seen bool) (bool, bool) {
		if seen {
			if prev.Count == candidate.Count {
				return false, false
			}
			return true, true
		}
		return candidate.Count == 1, true
	}
}

func (c *SingleCorrelator) finish(res ResolvedDeletion, outcome Outcome) ResolvedDeletion {
	res.Outcome = outcome
	if outcome != OutcomeMatched {
		res.Entry = nil
	}
	metrics.CorrelationsTotal.WithLabelValues(kindSingle, string(outcome)).Inc()
	return res
}
