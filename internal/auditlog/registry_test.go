package auditlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func TestRegistryAnyPredicate(t *testing.T) {
	registry := NewRegistry(time.Second, zap.NewNop())
	ctx := context.Background()
	msg := PartialMessage("m1", "chan", "g1", "author")

	if registry.SingleNeedsAuditLog(ctx, msg) {
		t.Fatalf("expected false with no predicates")
	}

	ran := make(chan struct{}, 2)
	registry.RegisterSingle(func(ctx context.Context, msg DeletedMessage) bool {
		ran <- struct{}{}
		return false
	})
	wants := registry.RegisterSingle(func(ctx context.Context, msg DeletedMessage) bool {
		ran <- struct{}{}
		return msg.GuildID == "g1"
	})
	if !registry.SingleNeedsAuditLog(ctx, msg) {
		t.Fatalf("expected true when one predicate wants data")
	}
	if len(ran) != 2 {
		t.Fatalf("expected all predicates to run, got %d", len(ran))
	}

	if !registry.UnregisterSingle(wants) {
		t.Fatalf("expected unregister to succeed")
	}
	if registry.UnregisterSingle(wants) {
		t.Fatalf("expected second unregister to fail")
	}
	if registry.SingleNeedsAuditLog(ctx, msg) {
		t.Fatalf("expected false after unregister")
	}
}

func TestRegistryBulkPredicates(t *testing.T) {
	registry := NewRegistry(time.Second, zap.NewNop())
	ctx := context.Background()
	id := registry.RegisterBulk(func(ctx context.Context, msgs []DeletedMessage, channelID string) bool {
		return len(msgs) > 1 && channelID == "chan"
	})
	msgs := []DeletedMessage{PartialMessage("1", "chan", "g1", ""), PartialMessage("2", "chan", "g1", "")}
	if !registry.BulkNeedsAuditLog(ctx, msgs, "chan") {
		t.Fatalf("expected bulk interest")
	}
	if registry.BulkNeedsAuditLog(ctx, msgs, "other") {
		t.Fatalf("expected no interest for other channel")
	}
	registry.UnregisterBulk(id)
	if registry.BulkNeedsAuditLog(ctx, msgs, "chan") {
		t.Fatalf("expected no interest after unregister")
	}
}

func TestRegistryPredicateTimeoutCountsAsFalse(t *testing.T) {
	registry := NewRegistry(20*time.Millisecond, zap.NewNop())
	release := make(chan struct{})
	defer close(release)
	registry.RegisterSingle(func(ctx context.Context, msg DeletedMessage) bool {
		<-release
		return true
	})

	start := time.Now()
	if registry.SingleNeedsAuditLog(context.Background(), PartialMessage("m1", "chan", "g1", "author")) {
		t.Fatalf("expected a hung predicate to count as false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fan-out was not bounded: %s", elapsed)
	}
}

func TestRegistryPredicatePanicCountsAsFalse(t *testing.T) {
	registry := NewRegistry(time.Second, zap.NewNop())
	registry.RegisterSingle(func(ctx context.Context, msg DeletedMessage) bool {
		panic("boom")
	})
	if registry.SingleNeedsAuditLog(context.Background(), PartialMessage("m1", "chan", "g1", "author")) {
		t.Fatalf("expected panic to count as false")
	}
}

func TestRegistryListeners(t *testing.T) {
	registry := NewRegistry(time.Second, zap.NewNop())
	var order []string
	first := registry.OnMessageDelete(func(ctx context.Context, res ResolvedDeletion) { order = append(order, "first") })
	registry.OnMessageDelete(func(ctx context.Context, res ResolvedDeletion) { panic("listener") })
	registry.OnMessageDelete(func(ctx context.Context, res ResolvedDeletion) { order = append(order, "third") })
	bulk := registry.OnMessageBulkDelete(func(ctx context.Context, res ResolvedBulkDeletion) { order = append(order, "bulk") })

	registry.EmitMessageDelete(context.Background(), ResolvedDeletion{})
	registry.EmitMessageBulkDelete(context.Background(), ResolvedBulkDeletion{})
	if fmt.Sprint(order) != "[first third bulk]" {
		t.Fatalf("unexpected delivery: %v", order)
	}

	registry.RemoveListener(first)
	registry.RemoveListener(bulk)
	order = nil
	registry.EmitMessageDelete(context.Background(), ResolvedDeletion{})
	registry.EmitMessageBulkDelete(context.Background(), ResolvedBulkDeletion{})
	if fmt.Sprint(order) != "[third]" {
		t.Fatalf("unexpected delivery after removal: %v", order)
	}
}

func TestDedupCacheEvictsOldest(t *testing.T) {
	cache := NewDedupCache(2)
	cache.Set(Entry{ID: "a", Count: 1})
	cache.Set(Entry{ID: "b", Count: 1})
	if _, ok := cache.Get("a"); !ok {
		t.Fatalf("expected a")
	}
	cache.Set(Entry{ID: "c", Count: 1})
	if _, ok := cache.Get("b"); ok {
		t.Fatalf("expected b to be evicted as least recently used")
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}
	cache.Set(Entry{ID: "a", Count: 5})
	if got, _ := cache.Get("a"); got.Count != 5 {
		t.Fatalf("expected overwrite, got %d", got.Count)
	}
}

func TestEntryFromDiscord(t *testing.T) {
	action := discordgo.AuditLogActionMessageDelete
	raw := &discordgo.AuditLogEntry{
		ID:         "1100000000000000000",
		TargetID:   "author",
		UserID:     "mod",
		Reason:     "cleanup",
		ActionType: &action,
		Options:    &discordgo.AuditLogOptions{ChannelID: "chan", Count: "3"},
	}
	entry, ok := EntryFromDiscord(raw)
	if !ok {
		t.Fatalf("expected conversion")
	}
	if entry.Count != 3 || entry.ChannelID != "chan" || entry.ExecutorID != "mod" || entry.Action != action {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.CreatedAt.IsZero() {
		t.Fatalf("expected created time from snowflake")
	}

	noCount, _ := EntryFromDiscord(&discordgo.AuditLogEntry{ID: "1100000000000000001"})
	if noCount.Count != 1 {
		t.Fatalf("expected default count 1, got %d", noCount.Count)
	}
	if _, ok := EntryFromDiscord(nil); ok {
		t.Fatalf("expected nil entry to be rejected")
	}
}

func TestMemberPermissions(t *testing.T) {
	guild := &discordgo.Guild{ID: "g1", Roles: []*discordgo.Role{
		{ID: "g1", Permissions: discordgo.PermissionSendMessages},
		{ID: "r1", Permissions: discordgo.PermissionViewAuditLogs},
	}}
	member := &discordgo.Member{Roles: []string{"r1"}}
	perms := MemberPermissions(guild, member)
	if perms&discordgo.PermissionViewAuditLogs == 0 || perms&discordgo.PermissionSendMessages == 0 {
		t.Fatalf("unexpected permissions: %d", perms)
	}
	if MemberPermissions(guild, nil) != 0 {
		t.Fatalf("expected zero permissions without member")
	}
}
