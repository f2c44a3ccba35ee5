package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("storage: not found")

type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

type GuildSettings struct {
	GuildID           string
	ModlogChannel     string
	MessageLogChannel string
	LogMessageDelete  bool
	LogBulkDelete     bool
}

func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// a single connection serialises writers and keeps ":memory:" databases shared
		db.SetMaxOpenConns(1)
		return &Store{db: db, driver: DriverSQLite, logger: zap.NewNop()}, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		return &Store{db: db, driver: DriverPostgres, logger: zap.NewNop()}, nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// WithLogger sets the logger migrations report to.
func (s *Store) WithLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	goose.SetLogger(gooseLogger{logger: s.logger.Sugar()})
	goose.SetBaseFS(migrations)
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT modlog_channel, message_log_channel, log_message_delete, log_bulk_delete
		FROM guild_settings WHERE guild_id = ?`), guildID)

	result := defaults
	result.GuildID = guildID

	var messageDelete, bulkDelete int
	err := row.Scan(&result.ModlogChannel, &result.MessageLogChannel, &messageDelete, &bulkDelete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildSettings{}, err
	}
	result.LogMessageDelete = messageDelete == 1
	result.LogBulkDelete = bulkDelete == 1
	if result.ModlogChannel == "" {
		result.ModlogChannel = defaults.ModlogChannel
	}
	if result.MessageLogChannel == "" {
		result.MessageLogChannel = defaults.MessageLogChannel
	}
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO guild_settings (guild_id, modlog_channel, message_log_channel, log_message_delete, log_bulk_delete)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			modlog_channel = excluded.modlog_channel,
			message_log_channel = excluded.message_log_channel,
			log_message_delete = excluded.log_message_delete,
			log_bulk_delete = excluded.log_bulk_delete
	`),
		settings.GuildID,
		settings.ModlogChannel,
		settings.MessageLogChannel,
		boolToInt(settings.LogMessageDelete),
		boolToInt(settings.LogBulkDelete),
	)
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) txOptions() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

type gooseLogger struct {
	logger *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatalf(strings.TrimSuffix(format, "\n"), v...)
}
