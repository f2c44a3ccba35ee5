package auditlog

import (
	"context"
	"sort"

	"sentinel-modlog/internal/metrics"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type BulkDeletion struct {
	GuildID   string
	ChannelID string
	Messages  []DeletedMessage
}

// ChannelDeletion treats the cached messages of a deleted channel as one bulk
// deletion. Entry may carry a ChannelDelete entry the caller already holds.
type ChannelDeletion struct {
	GuildID   string
	ChannelID string
	Messages  []DeletedMessage
	Entry     *Entry
}

// BulkCorrelator attributes bulk and channel deletions. It keeps its own
// dedup cache, separate from the single correlator.
type BulkCorrelator struct {
	source     Source
	registry   *Registry
	single     *SingleCorrelator
	cache      *DedupCache
	fetchLimit int
	logger     *zap.Logger
}

func NewBulkCorrelator(source Source, registry *Registry, single *SingleCorrelator, cfg CorrelatorConfig, logger *zap.Logger) *BulkCorrelator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkCorrelator{
		source:     source,
		registry:   registry,
		single:     single,
		cache:      NewDedupCache(cfg.CacheSize),
		fetchLimit: cfg.FetchLimit,
		logger:     logger,
	}
}

// Handle resolves a bulk deletion and emits it. An empty batch emits nothing;
// a batch of one is handed to the single correlator. The boolean reports
// whether a bulk event was emitted.
func (c *BulkCorrelator) Handle(ctx context.Context, batch BulkDeletion) (ResolvedBulkDeletion, bool) {
	switch len(batch.Messages) {
	case 0:
		return ResolvedBulkDeletion{}, false
	case 1:
		c.single.Handle(ctx, batch.Messages[0])
		return ResolvedBulkDeletion{}, false
	}

	res := c.resolve(ctx, batch)
	c.registry.EmitMessageBulkDelete(ctx, res)
	return res, true
}

func (c *BulkCorrelator) resolve(ctx context.Context, batch BulkDeletion) ResolvedBulkDeletion {
	res := ResolvedBulkDeletion{
		GuildID:   batch.GuildID,
		ChannelID: batch.ChannelID,
		Messages:  batch.Messages,
	}
	if batch.GuildID == "" {
		return c.finish(kindBulk, res, OutcomeSkippedIneligible)
	}
	if !c.source.CanViewAuditLog(ctx, batch.GuildID) {
		return c.finish(kindBulk, res, OutcomeSkippedPermission)
	}
	if !c.registry.BulkNeedsAuditLog(ctx, batch.Messages, batch.ChannelID) {
		return c.finish(kindBulk, res, OutcomeSkippedNoInterest)
	}

	entries, err := c.source.FetchAuditLog(ctx, batch.GuildID, discordgo.AuditLogActionMessageBulkDelete, c.fetchLimit)
	if err != nil {
		metrics.AuditFetchTotal.WithLabelValues(kindBulk, "error").Inc()
		c.logger.Debug("bulk delete audit fetch failed", zap.String("guild_id", batch.GuildID), zap.Error(err))
		return c.finish(kindBulk, res, OutcomeFetchFailed)
	}
	metrics.AuditFetchTotal.WithLabelValues(kindBulk, "ok").Inc()

	size := len(batch.Messages)
	candidates := channelCandidates(entries, batch.ChannelID)
	for _, candidate := range candidates {
		candidate := candidate
		if c.cache.Observe(candidate, bulkDecision(candidate, size)) {
			res.Entry = &candidate
			return c.finish(kindBulk, res, OutcomeMatched)
		}
	}
	return c.finish(kindBulk, res, OutcomeUnmatched)
}

// bulkDecision accepts a candidate whose count grew by exactly the batch size,
// or a fresh entry whose count equals it. The snapshot is always refreshed so
// a later batch is measured against the current count.
func bulkDecision(candidate Entry, size int) Decision {
	return func(prev Entry, seen bool) (bool, bool) {
		if seen {
			return prev.Count+size == candidate.Count, true
		}
		return candidate.Count == size, true
	}
}

// HandleChannelDelete resolves the deletion of a whole channel. Channel delete
// entries never accumulate, so an entry is attributable only once.
func (c *BulkCorrelator) HandleChannelDelete(ctx context.Context, deletion ChannelDeletion) (ResolvedBulkDeletion, bool) {
	if len(deletion.Messages) == 0 {
		return ResolvedBulkDeletion{}, false
	}

	res := c.resolveChannel(ctx, deletion)
	c.registry.EmitMessageBulkDelete(ctx, res)
	return res, true
}

func (c *BulkCorrelator) resolveChannel(ctx context.Context, deletion ChannelDeletion) ResolvedBulkDeletion {
	res := ResolvedBulkDeletion{
		GuildID:        deletion.GuildID,
		ChannelID:      deletion.ChannelID,
		ChannelDeleted: true,
		Messages:       deletion.Messages,
	}
	if deletion.GuildID == "" {
		return c.finish(kindChannel, res, OutcomeSkippedIneligible)
	}
	if !c.source.CanViewAuditLog(ctx, deletion.GuildID) {
		return c.finish(kindChannel, res, OutcomeSkippedPermission)
	}
	if !c.registry.BulkNeedsAuditLog(ctx, deletion.Messages, deletion.ChannelID) {
		return c.finish(kindChannel, res, OutcomeSkippedNoInterest)
	}

	var entries []Entry
	if deletion.Entry != nil {
		entries = []Entry{*deletion.Entry}
	} else {
		fetched, err := c.source.FetchAuditLog(ctx, deletion.GuildID, discordgo.AuditLogActionChannelDelete, c.fetchLimit)
		if err != nil {
			metrics.AuditFetchTotal.WithLabelValues(kindChannel, "error").Inc()
			c.logger.Debug("channel delete audit fetch failed", zap.String("guild_id", deletion.GuildID), zap.Error(err))
			return c.finish(kindChannel, res, OutcomeFetchFailed)
		}
		metrics.AuditFetchTotal.WithLabelValues(kindChannel, "ok").Inc()
		entries = fetched
	}

	for _, candidate := range channelCandidates(entries, deletion.ChannelID) {
		candidate := candidate
		accepted := c.cache.Observe(candidate, func(prev Entry, seen bool) (bool, bool) {
			return !seen, !seen
		})
		if accepted {
			res.Entry = &candidate
			return c.finish(kindChannel, res, OutcomeMatched)
		}
	}
	return c.finish(kindChannel, res, OutcomeUnmatched)
}

func channelCandidates(entries []Entry, channelID string) []Entry {
	candidates := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.TargetID == channelID || entry.ChannelID == channelID {
			candidates = append(candidates, entry)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates
}

func (c *BulkCorrelator) finish(kind string, res ResolvedBulkDeletion, outcome Outcome) ResolvedBulkDeletion {
	res.Outcome = outcome
	if outcome != OutcomeMatched {
		res.Entry = nil
	}
	metrics.CorrelationsTotal.WithLabelValues(kind, string(outcome)).Inc()
	return res
}
