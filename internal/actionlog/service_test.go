package actionlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel-modlog/internal/storage"

	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type fakeEditor struct {
	edited []int64
	failOn map[int64]error
}

func (f *fakeEditor) EditActionMessage(ctx context.Context, entry storage.ActionLogEntry) error {
	if err := f.failOn[entry.ActionID]; err != nil {
		return err
	}
	f.edited = append(f.edited, entry.ActionID)
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.New(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	service := New(store, 2, 100, zap.NewNop())
	service.WithClock(clock)
	return service, store, clock
}

func recordBan(t *testing.T, service *Service, guildID, userID string) storage.ActionLogEntry {
	t.Helper()
	entry, err := service.Record(context.Background(), storage.ActionLogEntry{
		GuildID:     guildID,
		Action:      storage.ActionBan,
		UserID:      userID,
		ModeratorID: "mod",
		Reason:      "spam",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return entry
}

func TestRecordAllocatesSequentialIDs(t *testing.T) {
	service, _, _ := newTestService(t)
	first := recordBan(t, service, "g1", "u1")
	second := recordBan(t, service, "g1", "u2")
	other := recordBan(t, service, "g2", "u3")

	if first.ActionID != 1 || second.ActionID != 2 || other.ActionID != 1 {
		t.Fatalf("unexpected ids: %d %d %d", first.ActionID, second.ActionID, other.ActionID)
	}
	if first.Version != 1 || !first.Live() {
		t.Fatalf("expected live version 1, got %+v", first)
	}

	if _, err := service.Record(context.Background(), storage.ActionLogEntry{GuildID: "g1", Action: "warn"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}
}

func TestUpdateKeepsOneLiveVersion(t *testing.T) {
	service, store, clock := newTestService(t)
	ctx := context.Background()
	entry := recordBan(t, service, "g1", "u1")

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		updated, err := service.UpdateReason(ctx, "g1", entry.ActionID, "reason", "editor")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if updated.Version != i+2 {
			t.Fatalf("expected version %d, got %d", i+2, updated.Version)
		}
	}

	versions, total, err := store.ListActionLogVersions(ctx, "g1", entry.ActionID, 0, 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 versions, got %d", total)
	}
	live := 0
	for i, version := range versions {
		if version.Version != 5-i {
			t.Fatalf("expected gapless descending versions, got %d at %d", version.Version, i)
		}
		if version.Live() {
			live++
			if version.Version != 5 {
				t.Fatalf("expected newest version to be live, got %d", version.Version)
			}
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live version, got %d", live)
	}

	if _, err := service.UpdateReason(ctx, "g1", 99, "reason", "editor"); !errors.Is(err, ErrNoLiveVersion) {
		t.Fatalf("expected missing live version, got %v", err)
	}
}

func TestRevertWritesNewVersion(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	entry := recordBan(t, service, "g1", "u1")

	if _, err := service.UpdateReason(ctx, "g1", entry.ActionID, "second", "e1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := service.UpdateReason(ctx, "g1", entry.ActionID, "third", "e2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := service.AttachMessage(ctx, "g1", entry.ActionID, "modlog", "msg-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	editor := &fakeEditor{}
	service.WithEditor(editor)
	result, err := service.Revert(ctx, "g1", entry.ActionID, 1)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if result.Entry.Version != 4 || result.Entry.Reason != "spam" || result.Entry.ReasonByID != "" {
		t.Fatalf("expected version 4 with original content, got %+v", result.Entry)
	}
	if result.Entry.MessageID != "msg-1" {
		t.Fatalf("expected message location to carry over, got %q", result.Entry.MessageID)
	}
	if !result.OK() || len(editor.edited) != 1 {
		t.Fatalf("expected message edit, got %+v edits=%v", result, editor.edited)
	}

	if _, err := service.Revert(ctx, "g1", entry.ActionID, 9); !errors.Is(err, ErrVersionMissing) {
		t.Fatalf("expected missing version, got %v", err)
	}
}

func TestHistoryPages(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	entry := recordBan(t, service, "g1", "u1")
	for i := 0; i < 4; i++ {
		if _, err := service.UpdateReason(ctx, "g1", entry.ActionID, "r", "e"); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	page, err := service.History(ctx, "g1", entry.ActionID, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || len(page.Entries) != 2 || page.Entries[0].Version != 5 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	last, err := service.History(ctx, "g1", entry.ActionID, 9)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if last.Page != 3 || len(last.Entries) != 1 || last.Entries[0].Version != 1 {
		t.Fatalf("expected clamped last page, got %+v", last)
	}

	if _, err := service.History(ctx, "g1", 77, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEditReasonsReportsPerAction(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		entry := recordBan(t, service, "g1", "u")
		if err := service.AttachMessage(ctx, "g1", entry.ActionID, "modlog", "msg"); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	editor := &fakeEditor{failOn: map[int64]error{11: errors.New("unknown channel")}}
	service.WithEditor(editor)

	results, err := service.EditReasons(ctx, "g1", "10..12", "raid", "editor")
	if err != nil {
		t.Fatalf("edit reasons: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, result := range results {
		if result.RecordErr != nil {
			t.Fatalf("#%d: unexpected record error: %v", result.ActionID, result.RecordErr)
		}
		if result.Entry.Version != 2 || result.Entry.Reason != "raid" {
			t.Fatalf("#%d: expected version 2 with new reason, got %+v", result.ActionID, result.Entry)
		}
		if (result.MessageErr != nil) != (result.ActionID == 11) {
			t.Fatalf("#%d: unexpected message error: %v", result.ActionID, result.MessageErr)
		}
	}
	if len(editor.edited) != 2 || editor.edited[0] != 10 || editor.edited[1] != 12 {
		t.Fatalf("expected #10 and #12 edited, got %v", editor.edited)
	}

	untouched, err := store.GetActionLog(ctx, "g1", 9)
	if err != nil || untouched.Version != 1 {
		t.Fatalf("expected #9 untouched, got %+v %v", untouched, err)
	}
}

func TestEditReasonsContinuesPastMissingAction(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	recordBan(t, service, "g1", "u1")
	recordBan(t, service, "g1", "u2")

	results, err := service.EditReasons(ctx, "g1", "1..3", "r", "e")
	if err != nil {
		t.Fatalf("edit reasons: %v", err)
	}
	if len(results) != 3 || results[0].RecordErr != nil || results[1].RecordErr != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !errors.Is(results[2].RecordErr, ErrNoLiveVersion) {
		t.Fatalf("expected #3 to fail with no live version, got %v", results[2].RecordErr)
	}
}

func TestEditReasonsRejectsBeforeWriting(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	recordBan(t, service, "g1", "u1")

	_, err := service.EditReasons(ctx, "g1", "1,oops", "r", "e")
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected range error, got %v", err)
	}
	live, err := store.GetActionLog(ctx, "g1", 1)
	if err != nil || live.Version != 1 {
		t.Fatalf("expected no write, got %+v %v", live, err)
	}
}

func TestResolveIDsUsesLatest(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.ResolveIDs(ctx, "g1", "l")
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) || rangeErr.Kind != RangeKindLatest {
		t.Fatalf("expected latest error on empty guild, got %v", err)
	}

	for i := 0; i < 3; i++ {
		recordBan(t, service, "g1", "u")
	}
	ids, err := service.ResolveIDs(ctx, "g1", "l~1..l")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

type failingStore struct {
	*storage.Store
}

func (f failingStore) UpdateActionLog(ctx context.Context, guildID string, actionID int64, mutate func(*storage.ActionLogEntry), now time.Time) (storage.VersionWrite, error) {
	return storage.VersionWrite{}, errors.New("connection lost")
}

func TestUpdateFailurePropagates(t *testing.T) {
	base, store, _ := newTestService(t)
	entry := recordBan(t, base, "g1", "u1")

	service := New(failingStore{store}, 5, 100, zap.NewNop())
	if _, err := service.UpdateReason(context.Background(), "g1", entry.ActionID, "r", "e"); err == nil {
		t.Fatalf("expected write failure")
	}
	live, err := store.GetActionLog(context.Background(), "g1", entry.ActionID)
	if err != nil || live.Version != 1 || live.Reason != "spam" {
		t.Fatalf("expected previous version to stay live, got %+v %v", live, err)
	}
}

func TestConcurrentUpdatesKeepEveryEdit(t *testing.T) {
	service, store, _ := newTestService(t)
	entry := recordBan(t, service, "g1", "u1")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Update(context.Background(), "g1", entry.ActionID, func(live *storage.ActionLogEntry) {
				live.Reason += "+"
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	live, err := store.GetActionLog(context.Background(), "g1", entry.ActionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if live.Version != writers+1 || live.Reason != "spam"+strings.Repeat("+", writers) {
		t.Fatalf("expected every edit applied, got version %d reason %q", live.Version, live.Reason)
	}
}

func TestUpdateMissingAction(t *testing.T) {
	service, store, _ := newTestService(t)
	recordBan(t, service, "g1", "u1")

	if _, err := service.UpdateReason(context.Background(), "g1", 9, "r", "e"); !errors.Is(err, ErrNoLiveVersion) {
		t.Fatalf("expected no live version, got %v", err)
	}
	if _, total, err := store.ListActionLogVersions(context.Background(), "g1", 9, 0, 10); err != nil || total != 0 {
		t.Fatalf("expected nothing written for #9, got total=%d err=%v", total, err)
	}
}
