// Package database provides the SQLite connection and migrations for the
// coordinator's durable queue. The store must survive kill -9, so the
// database runs in WAL mode with synchronous=NORMAL.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps a GORM database connection.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// New opens the coordinator database. The pure Go SQLite driver
// (github.com/glebarez/sqlite -> modernc.org/sqlite) is used; PRAGMAs are
// applied via DSN parameters so every pooled connection gets them.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(30000)" + // Wait 30s when database is locked
		"&_pragma=journal_mode(WAL)" + // Better read/write concurrency
		"&_pragma=synchronous(NORMAL)" + // Better performance with WAL
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=cache_size(-64000)" + // 64MB cache (negative = KB)
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=wal_autocheckpoint(1000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 newGormLogger(cfg.LogLevel, log),
		SkipDefaultTransaction: true, // Single operations don't need a wrapping tx
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	// WAL allows concurrent readers but a single writer. A small pool keeps
	// UI reads flowing during claim/report write bursts without piling up
	// lock contention.
	sqlDB.SetMaxOpenConns(6)
	sqlDB.SetMaxIdleConns(3)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{DB: db, logger: log}, nil
}

// Migrate creates or updates the schema and stamps the schema version.
// An existing database with a newer schema version is refused.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.DB.WithContext(ctx).AutoMigrate(
		&models.FileRecord{},
		&models.StatsDaily{},
		&models.SchemaVersion{},
		&models.ClusterState{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	var sv models.SchemaVersion
	err := db.DB.WithContext(ctx).First(&sv).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		sv = models.SchemaVersion{ID: 1, Version: models.CurrentSchemaVersion}
		if err := db.DB.WithContext(ctx).Create(&sv).Error; err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	case sv.Version > models.CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", sv.Version, models.CurrentSchemaVersion)
	case sv.Version < models.CurrentSchemaVersion:
		sv.Version = models.CurrentSchemaVersion
		if err := db.DB.WithContext(ctx).Save(&sv).Error; err != nil {
			return fmt.Errorf("updating schema version: %w", err)
		}
	}

	db.logger.Debug("database migrated", slog.Int("schema_version", models.CurrentSchemaVersion))
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// gormLogLevel maps string log levels to GORM logger levels.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// newGormLogger creates a GORM logger that uses slog.
func newGormLogger(level string, log *slog.Logger) *slogGormLogger {
	return &slogGormLogger{
		logger: log,
		level:  gormLogLevel(level),
	}
}

// slogGormLogger implements GORM's logger.Interface using slog.
type slogGormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{logger: l.logger, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// slowQueryThreshold defines when a query is considered slow.
const slowQueryThreshold = time.Second

// maxSQLLogLength limits SQL string length in logs.
const maxSQLLogLength = 200

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLogLength {
		return sql
	}
	return sql[:maxSQLLogLength] + "... (truncated)"
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	isError := err != nil && err != gorm.ErrRecordNotFound
	isSlow := elapsed > slowQueryThreshold

	// Skip building the SQL string unless slog will actually emit it.
	var willLog bool
	switch {
	case isError && l.level >= logger.Error:
		willLog = true
	case isSlow && l.level >= logger.Warn:
		willLog = l.logger.Enabled(ctx, slog.LevelWarn)
	case l.level >= logger.Info:
		willLog = l.logger.Enabled(ctx, slog.LevelDebug)
	}
	if !willLog {
		return
	}

	sqlStr, rows := fc()

	switch {
	case isError:
		l.logger.ErrorContext(ctx, "database error",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case isSlow:
		l.logger.WarnContext(ctx, "slow query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	default:
		l.logger.DebugContext(ctx, "database query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}
