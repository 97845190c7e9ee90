package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurallog/kek-custody/interfaces"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// recordRow is the single table backing SQLBackend.
type recordRow struct {
	TenantID   string `gorm:"primaryKey;size:128"`
	Collection string `gorm:"primaryKey;size:64"`
	RecordID   string `gorm:"primaryKey;size:255"`
	Data       []byte `gorm:"not null"`
	UpdatedAt  time.Time
}

func (recordRow) TableName() string {
	return "custody_records"
}

// SQLBackend implements a record store on a relational database via gorm.
// SQLite and MySQL are supported.
type SQLBackend struct {
	db          *gorm.DB
	log         *slog.Logger
	locationURI string
}

// OpenSQLite opens (or creates) a SQLite database. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenMySQL opens a MySQL database with a bounded connection pool.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewSQLBackend migrates the records table and instruments the connection
// with OpenTelemetry spans.
func NewSQLBackend(db *gorm.DB, locationURI string, log *slog.Logger) (*SQLBackend, error) {
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate records table: %w", err)
	}
	return &SQLBackend{
		db:          db,
		log:         log,
		locationURI: locationURI,
	}, nil
}

func (b *SQLBackend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var row recordRow
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ? AND record_id = ?", key.TenantID, string(key.Collection), key.ID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return row.Data, nil
}

// Put upserts a record.
func (b *SQLBackend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	row := recordRow{
		TenantID:   key.TenantID,
		Collection: string(key.Collection),
		RecordID:   key.ID,
		Data:       data,
		UpdatedAt:  time.Now().UTC(),
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in database", slog.String("key", key.String()), slog.Int("size", len(data)))
	return nil
}

func (b *SQLBackend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	var rows []recordRow
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ?", tenantID, string(collection)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.RecordID] = row.Data
	}
	return out, nil
}

func (b *SQLBackend) Available(ctx context.Context) bool {
	sqlDB, err := b.db.DB()
	if err != nil {
		return false
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		b.log.Warn("Database backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *SQLBackend) Name() string {
	return fmt.Sprintf("sql-%s", b.db.Dialector.Name())
}

func (b *SQLBackend) LocationURI() string {
	return b.locationURI
}
