// Package ledger persists a durable audit trail of completed captures
// to a SQL database, independent of the operational CSV journal in
// internal/history. Writes are best-effort: a ledger failure must
// never fail a capture (spec §7 propagation policy treats this as
// ambient bookkeeping, not a CSC invariant).
package ledger

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fieldcam/camsync/internal/servicelog"
)

// CaptureRecord is one row: the durable counterpart of a capture.Outcome.
type CaptureRecord struct {
	ID            uint `gorm:"primarykey"`
	CreatedAt     time.Time
	Session       string `gorm:"index"`
	OK            bool
	Diagnostic    string
	FrameCount    int
	ArtifactCount int
	DurationMs    int64
	PixelFormat   string
	TripUs        int64
	DisparityUs   int64
	SensorParams  datatypes.JSONType[map[string]string]
}

// Store wraps a gorm.DB configured for one of sqlite/mysql/postgres.
type Store struct {
	logger servicelog.Logger
	db     *gorm.DB
}

// Open opens driver ("sqlite", "mysql", or "postgres") against dsn and
// migrates the CaptureRecord table.
func Open(log servicelog.Logger, driverName, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CaptureRecord{}); err != nil {
		return nil, err
	}
	return &Store{logger: log, db: db}, nil
}

// Record inserts one row. Errors are logged and swallowed: a ledger
// outage must not fail the capture it is recording.
func (s *Store) Record(rec CaptureRecord) {
	if err := s.db.Create(&rec).Error; err != nil {
		s.logger.Warn("ledger write failed", servicelog.Error(err), servicelog.String("session", rec.Session))
	}
}

// Recent returns the last n records, most recent first, for
// diagnostics endpoints.
func (s *Store) Recent(n int) ([]CaptureRecord, error) {
	var records []CaptureRecord
	err := s.db.Order("created_at desc").Limit(n).Find(&records).Error
	return records, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
