package db

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

func newMockRecorder(t *testing.T) (*MySQLRecorder, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to create gorm DB: %v", err)
	}

	// Skip auto-migration for testing.
	return &MySQLRecorder{db: gormDB}, mock
}

func TestMySQLRecorder_RecordSignal(t *testing.T) {
	recorder, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `arbitrage_signals`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sig := protocol.ArbitrageSignal{
		BuyPool:           1,
		SellPool:          2,
		OptimalInput:      fixedpoint.FromInt64(5_000_000, 6),
		ExpectedOutput:    fixedpoint.FromInt64(5_100_000, 6),
		ExpectedProfitUSD: fixedpoint.FromInt64(10_000_000, fixedpoint.USDDecimals),
		GasEstimateUSD:    fixedpoint.FromInt64(3_000_000, fixedpoint.USDDecimals),
		NetProfitUSD:      fixedpoint.FromInt64(7_000_000, fixedpoint.USDDecimals),
		Confidence:        80,
	}

	if err := recorder.RecordSignal(sig, time.Now()); err != nil {
		t.Errorf("RecordSignal failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMySQLRecorder_CountSignals(t *testing.T) {
	recorder, mock := newMockRecorder(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(42)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `arbitrage_signals`").WillReturnRows(rows)

	count, err := recorder.CountSignals()
	if err != nil {
		t.Fatalf("CountSignals failed: %v", err)
	}
	if count != 42 {
		t.Errorf("expected 42, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
