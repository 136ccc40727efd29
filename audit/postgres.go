package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const insertEventSQL = `
INSERT INTO security_events (event_id, event_type, session_id, user_id, ip_address, occurred_at, detail, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`

// OpenPostgres opens and pings a Postgres pool through the pgx driver.
// Caller must Close it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded security_events migrations. Already being
// at the latest version is not an error.
func Migrate(dsn string) error {
	if dsn == "" {
		return errors.New("audit: empty database DSN")
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// PostgresSink appends events to the security_events table. Rows are only
// ever inserted; a replayed event id is ignored.
type PostgresSink struct {
	db      *sql.DB
	logger  zerolog.Logger
	timeout time.Duration
}

// NewPostgresSink wraps db. Insert failures are logged, not returned, since
// Sink.Emit runs on the dispatcher goroutine.
func NewPostgresSink(db *sql.DB, logger zerolog.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger, timeout: 2 * time.Second}
}

func (s *PostgresSink) Emit(ctx context.Context, event Event) {
	if err := s.Insert(ctx, event); err != nil {
		s.logger.Error().Err(err).
			Str("event_id", event.EventID).
			Str("event_type", string(event.EventType)).
			Msg("security event not persisted")
	}
}

// Insert writes one event and returns the database error, if any.
func (s *PostgresSink) Insert(ctx context.Context, event Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, insertEventSQL,
		event.EventID,
		string(event.EventType),
		nullString(event.SessionID),
		nullString(event.UserID),
		event.IPAddress,
		event.Timestamp,
		event.Detail,
		nullBytes(metadata),
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
