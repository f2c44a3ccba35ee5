package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type Action string

const (
	ActionBan            Action = "ban"
	ActionUnban          Action = "unban"
	ActionKick           Action = "kick"
	ActionTimeout        Action = "timeout"
	ActionTimeoutRemoved Action = "timeout_removed"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBan, ActionUnban, ActionKick, ActionTimeout, ActionTimeoutRemoved:
		return true
	default:
		return false
	}
}

// ActionLogEntry is one version of a moderation case. ValidUntil is nil on the
// live version.
type ActionLogEntry struct {
	GuildID     string
	ActionID    int64
	Version     int
	Action      Action
	UserID      string
	Reason      string
	ReasonByID  string
	ModeratorID string
	ChannelID   string
	MessageID   string
	CreatedAt   time.Time
	ValidUntil  *time.Time
}

func (e ActionLogEntry) Live() bool {
	return e.ValidUntil == nil
}

// VersionWrite reports the row a write inserted and how many live rows it
// superseded. More than one superseded row means the live-version invariant
// had been broken before this write.
type VersionWrite struct {
	Entry      ActionLogEntry
	Superseded int64
}

const actionLogColumns = `guild_id, action_id, version, action, user_id, reason, reason_by_id,
	moderator_id, channel_id, message_id, created_at, valid_until`

const serializationRetries = 3

// CreateActionLog allocates the next action ID for the guild and writes the
// entry as its first version.
func (s *Store) CreateActionLog(ctx context.Context, entry ActionLogEntry, now time.Time) (VersionWrite, error) {
	var result VersionWrite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxID sql.NullInt64
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(action_id) FROM action_logs WHERE guild_id = ?`), entry.GuildID)
		if err := row.Scan(&maxID); err != nil {
			return err
		}
		entry.ActionID = maxID.Int64 + 1
		write, err := s.writeVersion(ctx, tx, entry, now, true)
		if err != nil {
			return err
		}
		result = write
		return nil
	})
	return result, err
}

// UpdateActionLog reads the live version of (guild, action), applies mutate to
// a copy and writes it as version max+1, superseding every live row, all in
// one transaction. mutate may run more than once when a postgres transaction
// is retried and must not touch the store. An action without a live version
// returns ErrNotFound and nothing is written.
func (s *Store) UpdateActionLog(ctx context.Context, guildID string, actionID int64, mutate func(*ActionLogEntry), now time.Time) (VersionWrite, error) {
	if actionID <= 0 {
		return VersionWrite{}, fmt.Errorf("storage: invalid action id %d", actionID)
	}
	var result VersionWrite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := scanActionLog(tx.QueryRowContext(ctx, s.rebind(`
			SELECT `+actionLogColumns+` FROM action_logs
			WHERE guild_id = ? AND action_id = ? AND valid_until IS NULL
			ORDER BY version DESC LIMIT 1
		`), guildID, actionID))
		if err != nil {
			return err
		}
		next := live
		if mutate != nil {
			mutate(&next)
		}
		next.GuildID = guildID
		next.ActionID = actionID
		write, err := s.writeVersion(ctx, tx, next, now, false)
		if err != nil {
			return err
		}
		result = write
		return nil
	})
	return result, err
}

// writeVersion inserts entry as the next version. Only a first write may find
// no earlier version.
func (s *Store) writeVersion(ctx context.Context, tx *sql.Tx, entry ActionLogEntry, now time.Time, first bool) (VersionWrite, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE action_logs SET valid_until = ?
		WHERE guild_id = ? AND action_id = ? AND valid_until IS NULL
	`), now.UnixMilli(), entry.GuildID, entry.ActionID)
	if err != nil {
		return VersionWrite{}, fmt.Errorf("supersede live version: %w", err)
	}
	superseded, err := res.RowsAffected()
	if err != nil {
		return VersionWrite{}, err
	}

	var maxVersion sql.NullInt64
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(version) FROM action_logs WHERE guild_id = ? AND action_id = ?
	`), entry.GuildID, entry.ActionID)
	if err := row.Scan(&maxVersion); err != nil {
		return VersionWrite{}, fmt.Errorf("read latest version: %w", err)
	}
	if !first && !maxVersion.Valid {
		return VersionWrite{}, ErrNotFound
	}

	entry.Version = int(maxVersion.Int64) + 1
	entry.CreatedAt = time.UnixMilli(now.UnixMilli())
	entry.ValidUntil = nil

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO action_logs (`+actionLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`),
		entry.GuildID,
		entry.ActionID,
		entry.Version,
		string(entry.Action),
		nullString(entry.UserID),
		nullString(entry.Reason),
		nullString(entry.ReasonByID),
		nullString(entry.ModeratorID),
		nullString(entry.ChannelID),
		nullString(entry.MessageID),
		entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return VersionWrite{}, fmt.Errorf("insert version %d: %w", entry.Version, err)
	}
	return VersionWrite{Entry: entry, Superseded: superseded}, nil
}

// GetActionLog returns the live version of an action.
func (s *Store) GetActionLog(ctx context.Context, guildID string, actionID int64) (ActionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+actionLogColumns+` FROM action_logs
		WHERE guild_id = ? AND action_id = ? AND valid_until IS NULL
		ORDER BY version DESC LIMIT 1
	`), guildID, actionID)
	return scanActionLog(row)
}

func (s *Store) GetActionLogVersion(ctx context.Context, guildID string, actionID int64, version int) (ActionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+actionLogColumns+` FROM action_logs
		WHERE guild_id = ? AND action_id = ? AND version = ?
	`), guildID, actionID, version)
	return scanActionLog(row)
}

// ListActionLogVersions returns one page of versions, newest first, and the
// total number of versions of the action.
func (s *Store) ListActionLogVersions(ctx context.Context, guildID string, actionID int64, offset, limit int) ([]ActionLogEntry, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 5
	}

	var total int
	var entries []ActionLogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entries = nil
		row := tx.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(*) FROM action_logs WHERE guild_id = ? AND action_id = ?
		`), guildID, actionID)
		if err := row.Scan(&total); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT `+actionLogColumns+` FROM action_logs
			WHERE guild_id = ? AND action_id = ?
			ORDER BY version DESC
			LIMIT ? OFFSET ?
		`), guildID, actionID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanActionLog(rows)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// LatestActionID returns the highest action ID with a live version.
func (s *Store) LatestActionID(ctx context.Context, guildID string) (int64, error) {
	var latest sql.NullInt64
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(action_id) FROM action_logs WHERE guild_id = ? AND valid_until IS NULL
	`), guildID)
	if err := row.Scan(&latest); err != nil {
		return 0, err
	}
	if !latest.Valid {
		return 0, ErrNotFound
	}
	return latest.Int64, nil
}

// SetLogMessage records where the live version of an action was posted.
func (s *Store) SetLogMessage(ctx context.Context, guildID string, actionID int64, channelID, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE action_logs SET channel_id = ?, message_id = ?
		WHERE guild_id = ? AND action_id = ? AND valid_until IS NULL
	`), nullString(channelID), nullString(messageID), guildID, actionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActions counts live actions by type whose first version was written at
// or after since.
func (s *Store) CountActions(ctx context.Context, guildID string, since time.Time) (map[Action]int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT l.action, COUNT(*)
		FROM action_logs l
		JOIN action_logs f
			ON f.guild_id = l.guild_id AND f.action_id = l.action_id AND f.version = 1
		WHERE l.guild_id = ? AND l.valid_until IS NULL AND f.created_at >= ?
		GROUP BY l.action
	`), guildID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Action]int)
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		counts[Action(action)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionLog(row rowScanner) (ActionLogEntry, error) {
	var entry ActionLogEntry
	var action string
	var userID, reason, reasonBy, moderatorID, channelID, messageID sql.NullString
	var createdAt int64
	var validUntil sql.NullInt64
	err := row.Scan(
		&entry.GuildID,
		&entry.ActionID,
		&entry.Version,
		&action,
		&userID,
		&reason,
		&reasonBy,
		&moderatorID,
		&channelID,
		&messageID,
		&createdAt,
		&validUntil,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActionLogEntry{}, ErrNotFound
		}
		return ActionLogEntry{}, err
	}
	entry.Action = Action(action)
	entry.UserID = userID.String
	entry.Reason = reason.String
	entry.ReasonByID = reasonBy.String
	entry.ModeratorID = moderatorID.String
	entry.ChannelID = channelID.String
	entry.MessageID = messageID.String
	entry.CreatedAt = time.UnixMilli(createdAt)
	if validUntil.Valid {
		value := time.UnixMilli(validUntil.Int64)
		entry.ValidUntil = &value
	}
	return entry, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}
