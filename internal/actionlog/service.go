package actionlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel-modlog/internal/metrics"
	"sentinel-modlog/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("actionlog: action not found")
	ErrNoLiveVersion  = errors.New("actionlog: action has no live version")
	ErrInvalidAction  = errors.New("actionlog: invalid action")
	ErrVersionMissing = errors.New("actionlog: version not found")
)

const DefaultPageSize = 5

type Store interface {
	CreateActionLog(ctx context.Context, entry storage.ActionLogEntry, now time.Time) (storage.VersionWrite, error)
	UpdateActionLog(ctx context.Context, guildID string, actionID int64, mutate func(*storage.ActionLogEntry), now time.Time) (storage.VersionWrite, error)
	GetActionLog(ctx context.Context, guildID string, actionID int64) (storage.ActionLogEntry, error)
	GetActionLogVersion(ctx context.Context, guildID string, actionID int64, version int) (storage.ActionLogEntry, error)
	ListActionLogVersions(ctx context.Context, guildID string, actionID int64, offset, limit int) ([]storage.ActionLogEntry, int, error)
	LatestActionID(ctx context.Context, guildID string) (int64, error)
	SetLogMessage(ctx context.Context, guildID string, actionID int64, channelID, messageID string) error
}

// MessageEditor refreshes the posted case message of a live version.
type MessageEditor interface {
	EditActionMessage(ctx context.Context, entry storage.ActionLogEntry) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Service struct {
	store    Store
	editor   MessageEditor
	clock    Clock
	pageSize int
	maxIDs   int
	logger   *zap.Logger
}

func New(store Store, pageSize, maxIDs int, logger *zap.Logger) *Service {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxIDs <= 0 {
		maxIDs = DefaultMaxRangeIDs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		clock:    realClock{},
		pageSize: pageSize,
		maxIDs:   maxIDs,
		logger:   logger,
	}
}

func (s *Service) WithClock(clock Clock) {
	s.clock = clock
}

func (s *Service) WithEditor(editor MessageEditor) {
	s.editor = editor
}

// Record stores a new moderation case as version 1 under the next free
// action ID of the guild.
func (s *Service) Record(ctx context.Context, entry storage.ActionLogEntry) (storage.ActionLogEntry, error) {
	if entry.GuildID == "" || !entry.Action.Valid() {
		return storage.ActionLogEntry{}, fmt.Errorf("%w: %q", ErrInvalidAction, entry.Action)
	}
	write, err := s.store.CreateActionLog(ctx, entry, s.clock.Now())
	if err != nil {
		metrics.ActionLogWrites.WithLabelValues("error").Inc()
		return storage.ActionLogEntry{}, fmt.Errorf("record %s: %w", entry.Action, err)
	}
	metrics.ActionLogWrites.WithLabelValues("ok").Inc()
	return write.Entry, nil
}

// Update writes a new version whose content is the live version changed by
// mutate. The live version is read in the same transaction as the write, and
// stays live if the write fails.
func (s *Service) Update(ctx context.Context, guildID string, actionID int64, mutate func(*storage.ActionLogEntry)) (storage.ActionLogEntry, error) {
	write, err := s.store.UpdateActionLog(ctx, guildID, actionID, mutate, s.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ActionLogEntry{}, fmt.Errorf("%w: #%d", ErrNoLiveVersion, actionID)
		}
		metrics.ActionLogWrites.WithLabelValues("error").Inc()
		return storage.ActionLogEntry{}, fmt.Errorf("update action #%d: %w", actionID, err)
	}
	metrics.ActionLogWrites.WithLabelValues("ok").Inc()
	if write.Superseded > 1 {
		metrics.LiveVersionViolations.Inc()
		s.logger.Warn("action log had more than one live version",
			zap.String("guild_id", guildID),
			zap.Int64("action_id", actionID),
			zap.Int64("superseded", write.Superseded),
		)
	}
	return write.Entry, nil
}

func (s *Service) UpdateReason(ctx context.Context, guildID string, actionID int64, reason, editorID string) (storage.ActionLogEntry, error) {
	return s.Update(ctx, guildID, actionID, func(entry *storage.ActionLogEntry) {
		entry.Reason = reason
		entry.ReasonByID = editorID
	})
}

// Revert writes the content of an older version as a new version. The posted
// message location stays that of the live version.
func (s *Service) Revert(ctx context.Context, guildID string, actionID int64, version int) (EditResult, error) {
	old, err := s.store.GetActionLogVersion(ctx, guildID, actionID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return EditResult{}, fmt.Errorf("%w: #%d v%d", ErrVersionMissing, actionID, version)
		}
		return EditResult{}, err
	}

	entry, err := s.Update(ctx, guildID, actionID, func(entry *storage.ActionLogEntry) {
		entry.Action = old.Action
		entry.UserID = old.UserID
		entry.Reason = old.Reason
		entry.ReasonByID = old.ReasonByID
		entry.ModeratorID = old.ModeratorID
	})
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{ActionID: actionID, Entry: entry, MessageErr: s.editMessage(ctx, entry)}, nil
}

func (s *Service) Get(ctx context.Context, guildID string, actionID int64) (storage.ActionLogEntry, error) {
	return s.live(ctx, guildID, actionID)
}

// AttachMessage records where the case message of the live version was posted.
func (s *Service) AttachMessage(ctx context.Context, guildID string, actionID int64, channelID, messageID string) error {
	if err := s.store.SetLogMessage(ctx, guildID, actionID, channelID, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoLiveVersion
		}
		return err
	}
	return nil
}

func (s *Service) Latest(ctx context.Context, guildID string) (int64, error) {
	latest, err := s.store.LatestActionID(ctx, guildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return latest, nil
}

// ResolveIDs expands an ID expression for the guild.
func (s *Service) ResolveIDs(ctx context.Context, guildID, expr string) ([]int64, error) {
	return ParseRange(ctx, expr, func(ctx context.Context) (int64, error) {
		return s.Latest(ctx, guildID)
	}, s.maxIDs)
}

type HistoryPage struct {
	ActionID int64
	Entries  []storage.ActionLogEntry
	Page     int
	Pages    int
	Total    int
}

// History returns one page of versions, newest first. Pages are numbered from
// 1 and out of range pages are clamped.
func (s *Service) History(ctx context.Context, guildID string, actionID int64, page int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	entries, total, err := s.store.ListActionLogVersions(ctx, guildID, actionID, (page-1)*s.pageSize, s.pageSize)
	if err != nil {
		return HistoryPage{}, err
	}
	if total == 0 {
		return HistoryPage{}, ErrNotFound
	}

	pages := (total + s.pageSize - 1) / s.pageSize
	if page > pages {
		page = pages
		entries, total, err = s.store.ListActionLogVersions(ctx, guildID, actionID, (page-1)*s.pageSize, s.pageSize)
		if err != nil {
			return HistoryPage{}, err
		}
		pages = (total + s.pageSize - 1) / s.pageSize
	}
	return HistoryPage{ActionID: actionID, Entries: entries, Page: page, Pages: pages, Total: total}, nil
}

// EditResult reports one action of a batch edit. RecordErr means the version
// was not written; MessageErr means it was written but the posted message was
// not refreshed.
type EditResult struct {
	ActionID   int64
	Entry      storage.ActionLogEntry
	RecordErr  error
	MessageErr error
}

func (r EditResult) OK() bool {
	return r.RecordErr == nil && r.MessageErr == nil
}

// EditReasons sets the reason of every action selected by expr. The expression
// is fully resolved before anything is written, and a failure on one action
// does not stop the others.
func (s *Service) EditReasons(ctx context.Context, guildID, expr, reason, editorID string) ([]EditResult, error) {
	ids, err := s.ResolveIDs(ctx, guildID, expr)
	if err != nil {
		return nil, err
	}

	results := make([]EditResult, 0, len(ids))
	for _, id := range ids {
		result := EditResult{ActionID: id}
		entry, err := s.UpdateReason(ctx, guildID, id, reason, editorID)
		if err != nil {
			s.logger.Warn("reason update failed", zap.String("guild_id", guildID), zap.Int64("action_id", id), zap.Error(err))
			result.RecordErr = err
			results = append(results, result)
			continue
		}
		result.Entry = entry
		result.MessageErr = s.editMessage(ctx, entry)
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) live(ctx context.Context, guildID string, actionID int64) (storage.ActionLogEntry, error) {
	entry, err := s.store.GetActionLog(ctx, guildID, actionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ActionLogEntry{}, fmt.Errorf("%w: #%d", ErrNoLiveVersion, actionID)
		}
		return storage.ActionLogEntry{}, err
	}
	return entry, nil
}

func (s *Service) editMessage(ctx context.Context, entry storage.ActionLogEntry) error {
	if s.editor == nil || entry.MessageID == "" {
		return nil
	}
	if err := s.editor.EditActionMessage(ctx, entry); err != nil {
		s.logger.Warn("case message edit failed",
			zap.String("guild_id", entry.GuildID),
			zap.Int64("action_id", entry.ActionID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
