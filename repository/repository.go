package repository

import (
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository/models"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 57: Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	connectAttempts = 10
)

// RepositoryError represent an error in the repository layer (db/archive)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Unwrap maps the error onto the ledger taxonomy.
func (e *RepositoryError) Unwrap() error {
	switch e.Code {
	case "ENTITY_NOT_FOUND":
		return ledger.ErrNotFound
	case "CONFLICT":
		return ledger.ErrInvalidTransition
	}
	return ledger.ErrPersistence
}

// Transient reports whether retrying the operation later may succeed.
func (e *RepositoryError) Transient() bool {
	switch e.Code {
	case PgErrConnectionException, PgErrConnectionFailure, PgErrAdminShutdown:
		return true
	}
	return false
}

func wrapDBError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &RepositoryError{Code: "ENTITY_NOT_FOUND", Message: message, Detail: err.Error()}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{Code: pgErr.Code, Message: pgErr.Message, Detail: pgErr.Detail}
	}
	return &RepositoryError{Code: "DATABASE_ERROR", Message: message, Detail: err.Error()}
}

// Repository owns the operational store, the analytics store and the block
// archive.
type Repository struct {
	db        *gorm.DB
	analytics *gorm.DB
	archive   *Archive
	logger    cmtlog.Logger
	now       func() time.Time
}

// New wires already opened stores. analytics may be the same handle as db;
// the tables are distinct.
func New(db, analytics *gorm.DB, archive *Archive, logger cmtlog.Logger) *Repository {
	if analytics == nil {
		analytics = db
	}
	return &Repository{
		db:        db,
		analytics: analytics,
		archive:   archive,
		logger:    logger.With("module", "repository"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Connect opens a gorm handle, retrying while a postgres server comes up.
func Connect(driver, dsn string, log cmtlog.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, wrapDBError(err, "opening sqlite")
		}
		// sqlite serializes writers; one connection avoids lock errors.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		return db, nil
	case DriverPostgres, "":
		var lastErr error
		for i := 0; i < connectAttempts; i++ {
			log.Info("Connecting to Postgres", "attempt", i+1)
			db, err := gorm.Open(postgres.Open(dsn), cfg)
			if err == nil {
				log.Info("Connected to Postgres")
				return db, nil
			}
			lastErr = err
			log.Error("Connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
		}
		return nil, wrapDBError(lastErr, "connecting to postgres")
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Migrate creates the tables and their status/created_at indexes.
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(
		&models.Transaction{},
		&models.Block{},
		&models.AnchoredBlock{},
		&models.Representative{},
		&models.Evaluation{},
		&models.PohEntry{},
	); err != nil {
		return wrapDBError(err, "migrating operational store")
	}
	if err := r.analytics.AutoMigrate(&models.AnalyticsTransaction{}); err != nil {
		return wrapDBError(err, "migrating analytics store")
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

// Archive is the block archive, or nil when none is configured.
func (r *Repository) Archive() *Archive {
	return r.archive
}

// Ping checks both stores.
func (r *Repository) Ping() error {
	for _, db := range []*gorm.DB{r.db, r.analytics} {
		sqlDB, err := db.DB()
		if err != nil {
			return wrapDBError(err, "obtaining connection")
		}
		if err := sqlDB.Ping(); err != nil {
			return wrapDBError(err, "pinging database")
		}
	}
	return nil
}

// Close releases both stores and the archive.
func (r *Repository) Close() error {
	handles := []*gorm.DB{r.db}
	if r.analytics != r.db {
		handles = append(handles, r.analytics)
	}
	var errs []error
	for _, db := range handles {
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if r.archive != nil {
		errs = append(errs, r.archive.Close())
	}
	return errors.Join(errs...)
}
