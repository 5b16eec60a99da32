package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dawsh2/alphapulse/internal/detector"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// SignalRecord is the database model for one emitted arbitrage signal.
// Fixed-point values are stored as decimal strings so no precision is lost
// in the column type.
type SignalRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp         time.Time `gorm:"index;not null"`
	BuyPool           string    `gorm:"type:varchar(18);index;not null;comment:instrument id hex"`
	SellPool          string    `gorm:"type:varchar(18);index;not null;comment:instrument id hex"`
	OptimalInput      string    `gorm:"type:varchar(78);not null;comment:fixed-point decimal string"`
	ExpectedOutput    string    `gorm:"type:varchar(78);not null;comment:fixed-point decimal string"`
	ExpectedProfitUSD string    `gorm:"type:varchar(78);not null;comment:USD at 8 decimals"`
	GasEstimateUSD    string    `gorm:"type:varchar(78);not null;comment:USD at 8 decimals"`
	NetProfitUSD      string    `gorm:"type:varchar(78);not null;comment:USD at 8 decimals"`
	Confidence        uint8     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (SignalRecord) TableName() string {
	return "arbitrage_signals"
}

// MySQLRecorder persists signals using GORM and MySQL.
type MySQLRecorder struct {
	db *gorm.DB
}

var _ detector.Recorder = (*MySQLRecorder)(nil)

// NewMySQLRecorder creates a new MySQLRecorder instance
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	// Auto migrate the schema
	if err := db.AutoMigrate(&SignalRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// NewMySQLRecorderWithDB creates a MySQLRecorder with an existing GORM DB
// instance.
func NewMySQLRecorderWithDB(db *gorm.DB) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&SignalRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: db}, nil
}

// RecordSignal implements detector.Recorder.
func (r *MySQLRecorder) RecordSignal(sig protocol.ArbitrageSignal, at time.Time) error {
	record := SignalRecord{
		Timestamp:         at,
		BuyPool:           sig.BuyPool.String(),
		SellPool:          sig.SellPool.String(),
		OptimalInput:      sig.OptimalInput.String(),
		ExpectedOutput:    sig.ExpectedOutput.String(),
		ExpectedProfitUSD: sig.ExpectedProfitUSD.String(),
		GasEstimateUSD:    sig.GasEstimateUSD.String(),
		NetProfitUSD:      sig.NetProfitUSD.String(),
		Confidence:        sig.Confidence,
	}

	result := r.db.Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record signal: %w", result.Error)
	}
	return nil
}

// LatestSignals retrieves the most recent n signals.
func (r *MySQLRecorder) LatestSignals(n int) ([]SignalRecord, error) {
	var records []SignalRecord
	result := r.db.Order("timestamp DESC").Limit(n).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get latest signals: %w", result.Error)
	}
	return records, nil
}

// SignalsByTimeRange retrieves signals within a time range.
func (r *MySQLRecorder) SignalsByTimeRange(start, end time.Time) ([]SignalRecord, error) {
	var records []SignalRecord
	result := r.db.Where("timestamp BETWEEN ? AND ?", start, end).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get signals by time range: %w", result.Error)
	}
	return records, nil
}

// CountSignals returns the total number of recorded signals.
func (r *MySQLRecorder) CountSignals() (int64, error) {
	var count int64
	result := r.db.Model(&SignalRecord{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count signals: %w", result.Error)
	}
	return count, nil
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
