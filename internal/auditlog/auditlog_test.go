package auditlog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeSource struct {
	mu         sync.Mutex
	canView    bool
	entries    map[discordgo.AuditLogAction][]Entry
	err        error
	fetchCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{canView: true, entries: make(map[discordgo.AuditLogAction][]Entry)}
}

func (f *fakeSource) FetchAuditLog(ctx context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Entry(nil), f.entries[action]...), nil
}

func (f *fakeSource) CanViewAuditLog(ctx context.Context, guildID string) bool {
	return f.canView
}

func (f *fakeSource) set(action discordgo.AuditLogAction, entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[action] = entries
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

var base = time.Unix(1_700_000_000, 0)

func newSingle(t *testing.T, source *fakeSource, registry *Registry) *SingleCorrelator {
	t.Helper()
	correlator := NewSingleCorrelator(source, registry, CorrelatorConfig{}, zap.NewNop())
	correlator.WithClock(fakeClock{now: base})
	return correlator
}

func interestedRegistry() *Registry {
	registry := NewRegistry(time.Second, zap.NewNop())
	registry.RegisterSingle(func(ctx context.Context, msg DeletedMessage) bool { return true })
	registry.RegisterBulk(func(ctx context.Context, msgs []DeletedMessage, channelID string) bool { return true })
	return registry
}

func deleteEntry(id string, count int, created time.Time) Entry {
	return Entry{
		ID:         id,
		Action:     discordgo.AuditLogActionMessageDelete,
		TargetID:   "author",
		ExecutorID: "mod",
		ChannelID:  "chan",
		Count:      count,
		CreatedAt:  created,
	}
}

func deletedMessage() DeletedMessage {
	return FullMessage(&discordgo.Message{ID: "m1", ChannelID: "chan", GuildID: "g1", Author: &discordgo.User{ID: "author"}})
}

func TestSingleFreshEntryMatchesOnce(t *testing.T) {
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 1, base.Add(-2*time.Second)))
	correlator := newSingle(t, source, interestedRegistry())
	ctx := context.Background()

	first := correlator.Resolve(ctx, deletedMessage())
	if first.Outcome != OutcomeMatched || first.Entry == nil || first.Entry.ExecutorID != "mod" {
		t.Fatalf("expected match, got %+v", first)
	}

	second := correlator.Resolve(ctx, deletedMessage())
	if second.Entry != nil || second.Outcome != OutcomeUnmatched {
		t.Fatalf("expected repeat to be rejected, got %+v", second)
	}
}

func TestSingleCountBumpMatches(t *testing.T) {
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 1, base.Add(-time.Second)))
	correlator := newSingle(t, source, interestedRegistry())
	ctx := context.Background()

	if res := correlator.Resolve(ctx, deletedMessage()); res.Entry == nil {
		t.Fatalf("expected first match")
	}

	correlator.WithClock(fakeClock{now: base.Add(time.Minute)})
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 2, base.Add(-time.Second)))
	res := correlator.Resolve(ctx, deletedMessage())
	if res.Entry == nil || res.Entry.Count != 2 {
		t.Fatalf("expected count bump to match, got %+v", res)
	}
}

func TestSingleColdCacheConservatism(t *testing.T) {
	ctx := context.Background()

	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 3, base.Add(-time.Hour)))
	correlator := newSingle(t, source, interestedRegistry())
	if res := correlator.Resolve(ctx, deletedMessage()); res.Entry != nil {
		t.Fatalf("expected count 3 on cold cache to be rejected, got %+v", res)
	}

	source = newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e2", 1, base.Add(-time.Second)))
	correlator = newSingle(t, source, interestedRegistry())
	if res := correlator.Resolve(ctx, deletedMessage()); res.Entry == nil {
		t.Fatalf("expected count 1 on cold cache to be accepted")
	}
}

func TestSingleColdRejectWarmsCache(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 3, base.Add(-time.Hour)))
	correlator := newSingle(t, source, interestedRegistry())

	if res := correlator.Resolve(ctx, deletedMessage()); res.Entry != nil {
		t.Fatalf("expected rejection")
	}
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 4, base.Add(-time.Hour)))
	if res := correlator.Resolve(ctx, deletedMessage()); res.Entry == nil {
		t.Fatalf("expected the following bump to match")
	}
}

func TestSingleFiltersTargetChannelAndFreshness(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	otherTarget := deleteEntry("e1", 1, base)
	otherTarget.TargetID = "someone"
	otherChannel := deleteEntry("e2", 1, base)
	otherChannel.ChannelID = "elsewhere"
	stale := deleteEntry("e3", 1, base.Add(-10*time.Second))
	source.set(discordgo.AuditLogActionMessageDelete, otherTarget, otherChannel, stale)

	correlator := newSingle(t, source, interestedRegistry())
	res := correlator.Resolve(ctx, deletedMessage())
	if res.Entry != nil || res.Outcome != OutcomeUnmatched {
		t.Fatalf("expected no match, got %+v", res)
	}
}

func TestSinglePicksMostRecentCandidate(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete,
		deleteEntry("older", 1, base.Add(-4*time.Second)),
		deleteEntry("newer", 1, base.Add(-1*time.Second)),
	)
	correlator := newSingle(t, source, interestedRegistry())
	res := correlator.Resolve(ctx, deletedMessage())
	if res.Entry == nil || res.Entry.ID != "newer" {
		t.Fatalf("expected newest candidate, got %+v", res.Entry)
	}
}

func TestSingleEarlyExits(t *testing.T) {
	ctx := context.Background()

	source := newFakeSource()
	correlator := newSingle(t, source, interestedRegistry())
	res := correlator.Resolve(ctx, PartialMessage("m1", "chan", "g1", ""))
	if res.Outcome != OutcomeSkippedIneligible {
		t.Fatalf("expected ineligible for unknown author, got %s", res.Outcome)
	}
	res = correlator.Resolve(ctx, PartialMessage("m1", "chan", "", "author"))
	if res.Outcome != OutcomeSkippedIneligible {
		t.Fatalf("expected ineligible outside a guild, got %s", res.Outcome)
	}

	source.canView = false
	res = correlator.Resolve(ctx, deletedMessage())
	if res.Outcome != OutcomeSkippedPermission || res.Outcome.Attempted() {
		t.Fatalf("expected permission skip, got %s", res.Outcome)
	}
	if source.calls() != 0 {
		t.Fatalf("expected no fetches, got %d", source.calls())
	}
}

func TestSingleFetchFailureIsSwallowed(t *testing.T) {
	source := newFakeSource()
	source.err = errors.New("rate limited")
	correlator := newSingle(t, source, interestedRegistry())
	res := correlator.Resolve(context.Background(), deletedMessage())
	if res.Entry != nil || res.Outcome != OutcomeFetchFailed || !res.Outcome.Attempted() {
		t.Fatalf("expected fetch failure outcome, got %+v", res)
	}
}

func TestSubscriberGatingSkipsFetch(t *testing.T) {
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 1, base))
	registry := NewRegistry(time.Second, zap.NewNop())

	var emitted []ResolvedDeletion
	registry.OnMessageDelete(func(ctx context.Context, res ResolvedDeletion) {
		emitted = append(emitted, res)
	})

	correlator := newSingle(t, source, registry)
	correlator.Handle(context.Background(), deletedMessage())

	if source.calls() != 0 {
		t.Fatalf("expected no audit fetch, got %d", source.calls())
	}
	if len(emitted) != 1 || emitted[0].Entry != nil || emitted[0].Outcome != OutcomeSkippedNoInterest {
		t.Fatalf("expected one null emission, got %+v", emitted)
	}
}

func TestPartialKnownAuthorMatches(t *testing.T) {
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 1, base))
	correlator := newSingle(t, source, interestedRegistry())
	res := correlator.Resolve(context.Background(), PartialMessage("m1", "chan", "g1", "author"))
	if res.Entry == nil {
		t.Fatalf("expected partial message with known author to match")
	}
}

func TestConcurrentResolveAttributesOnce(t *testing.T) {
	source := newFakeSource()
	source.set(discordgo.AuditLogActionMessageDelete, deleteEntry("e1", 1, base))
	correlator := newSingle(t, source, interestedRegistry())

	var matches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := correlator.Resolve(context.Background(), deletedMessage()); res.Entry != nil {
				matches.Add(1)
			}
		}()
	}
	wg.Wait()
	if matches.Load() != 1 {
		t.Fatalf("expected exactly one attribution, got %d", matches.Load())
	}
}
