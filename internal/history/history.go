// Package history persists chat exchanges and session metadata via GORM.
// Two backends are supported: SQLite (default, zero-config, pure Go via
// glebarez/sqlite) and PostgreSQL for deployments that already run one.
// The store also doubles as the query chain's answer cache: a question
// answered once in a session is served from the stored exchange.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultDriver is used when the config names none.
const DefaultDriver = DriverSQLite

// Config holds history storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// PostgresConfig holds PostgreSQL-specific settings. This is a separate
// database from the one being queried: chat history never lands in the
// target database.
type PostgresConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// SessionModel maps to the "chat_sessions" table.
type SessionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt    time.Time `gorm:"not null"`
	LastActiveAt time.Time `gorm:"not null;index"`
	Questions    int       `gorm:"not null;default:0"`
}

func (SessionModel) TableName() string { return "chat_sessions" }

// ExchangeModel maps to the "exchanges" table. One row per answered
// question. The generated SQL is stored verbatim for auditability.
type ExchangeModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Question     string    `gorm:"not null;index"`
	Statement    string
	Answer       string
	RowsReturned int
	InputTokens  int
	OutputTokens int
	DurationMS   int64
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (ExchangeModel) TableName() string { return "exchanges" }

// Exchange is the domain view of one stored question/answer pair.
type Exchange struct {
	ID           uuid.UUID     `json:"id"`
	SessionID    uuid.UUID     `json:"session_id"`
	Question     string        `json:"question"`
	SQL          string        `json:"sql"`
	Answer       string        `json:"answer"`
	RowsReturned int           `json:"rows_returned"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SessionInfo is the domain view of a stored session.
type SessionInfo struct {
	ID           uuid.UUID `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Questions    int       `json:"questions"`
}

// Store persists sessions and exchanges.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

// Open creates a Store for the configured driver.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		dir := filepath.Dir(cfg.SQLite.Path)
		if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, mkErr)
		}
		journalMode := cfg.SQLite.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.SQLite.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite history database: %w", err)
		}
		slogger.Info("history store opened", slog.String("driver", driver), slog.String("path", cfg.SQLite.Path))
	case DriverPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(gormpostgres.Open(cfg.Postgres.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres history database: %w", err)
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		if cfg.Postgres.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		}
		if cfg.Postgres.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		}
		slogger.Info("history store opened", slog.String("driver", driver))
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}

	return &Store{db: db, logger: slogger, driver: driver}, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&SessionModel{}, &ExchangeModel{})
}

// Ping verifies the underlying database connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string {
	return s.driver
}

// EnsureSession creates the session row if it does not exist and touches
// last_active_at when it does.
func (s *Store) EnsureSession(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	var existing SessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&existing).Error
	if err == nil {
		return s.db.WithContext(ctx).Model(&existing).Update("last_active_at", now).Error
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("looking up session: %w", err)
	}
	model := SessionModel{ID: id, StartedAt: now, LastActiveAt: now}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// Append records one completed exchange and bumps the session counters
// in a single transaction.
func (s *Store) Append(ctx context.Context, ex Exchange) error {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	model := ExchangeModel{
		ID:           ex.ID,
		SessionID:    ex.SessionID,
		Question:     ex.Question,
		Statement:    ex.SQL,
		Answer:       ex.Answer,
		RowsReturned: ex.RowsReturned,
		InputTokens:  ex.InputTokens,
		OutputTokens: ex.OutputTokens,
		DurationMS:   ex.Duration.Milliseconds(),
		CreatedAt:    ex.CreatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("inserting exchange: %w", err)
		}
		res := tx.Model(&SessionModel{}).
			Where("id = ?", ex.SessionID).
			Updates(map[string]any{
				"questions":      gorm.Expr("questions + 1"),
				"last_active_at": ex.CreatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("updating session counters: %w", res.Error)
		}
		return nil
	})
}

// Recent returns the most recent exchanges for a session, newest first.
func (s *Store) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []ExchangeModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading exchanges: %w", err)
	}
	out := make([]Exchange, 0, len(models))
	for _, m := range models {
		out = append(out, toExchange(m))
	}
	return out, nil
}

// Session returns stored session metadata.
func (s *Store) Session(ctx context.Context, id uuid.UUID) (*SessionInfo, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return &SessionInfo{
		ID:           model.ID,
		StartedAt:    model.StartedAt,
		LastActiveAt: model.LastActiveAt,
		Questions:    model.Questions,
	}, nil
}

// PruneBefore deletes exchanges created before the cutoff, then removes
// sessions left with no exchanges. Returns the number of exchanges deleted.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&ExchangeModel{})
		if res.Error != nil {
			return fmt.Errorf("deleting exchanges: %w", res.Error)
		}
		deleted = res.RowsAffected
		if err := tx.
			Where("id NOT IN (?)", tx.Session(&gorm.Session{NewDB: true}).Model(&ExchangeModel{}).Distinct("session_id")).
			Delete(&SessionModel{}).Error; err != nil {
			return fmt.Errorf("deleting empty sessions: %w", err)
		}
		return nil
	})
	return deleted, err
}

func toExchange(m ExchangeModel) Exchange {
	return Exchange{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Question:     m.Question,
		SQL:          m.Statement,
		Answer:       m.Answer,
		RowsReturned: m.RowsReturned,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		Duration:     time.Duration(m.DurationMS) * time.Millisecond,
		CreatedAt:    m.CreatedAt,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
