// Package db persists execution results and risk-state snapshots through
// GORM, as two small, independently migrated tables.
package db

import (
	"fmt"
	"math/big"
	"time"

	engine "github.com/arbexec/engine"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ExecutionResultRecord is the database row for one published execution
// result.
type ExecutionResultRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	OpportunityID string    `gorm:"index;type:varchar(128);not null"`
	Success       bool      `gorm:"not null"`
	ActualProfit  string    `gorm:"type:varchar(64);comment:decimal as string"`
	GasCost       string    `gorm:"type:varchar(78);comment:big.Int as string"`
	Error         string    `gorm:"type:varchar(255)"`
	RecordedAt    time.Time `gorm:"index;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (ExecutionResultRecord) TableName() string { return "execution_results" }

// RiskStateRecord is a periodic snapshot of one chain's risk state, enough
// to resume drawdown/loss tracking after a restart.
type RiskStateRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	Chain             string    `gorm:"index;type:varchar(64);not null"`
	Drawdown          string    `gorm:"type:varchar(16);not null"`
	ConsecutiveLosses int       `gorm:"not null"`
	RecordedAt        time.Time `gorm:"index;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (RiskStateRecord) TableName() string { return "risk_states" }

// MySQLRecorder persists execution results and risk-state snapshots.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder opens dsn and migrates both tables.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to MySQL: %w", err)
	}
	return NewMySQLRecorderWithDB(gdb)
}

// NewMySQLRecorderWithDB wraps an existing GORM DB instance, migrating both
// tables.
func NewMySQLRecorderWithDB(gdb *gorm.DB) (*MySQLRecorder, error) {
	if err := gdb.AutoMigrate(&ExecutionResultRecord{}, &RiskStateRecord{}); err != nil {
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &MySQLRecorder{db: gdb}, nil
}

// RecordExecutionResult persists one published execution result.
func (r *MySQLRecorder) RecordExecutionResult(result engine.ExecutionResult) error {
	record := ExecutionResultRecord{
		OpportunityID: result.OpportunityID,
		Success:       result.Success,
		GasCost:       bigIntToString(result.GasCost),
		Error:         result.Error,
		RecordedAt:    time.Now(),
	}
	if result.ActualProfit != nil {
		record.ActualProfit = result.ActualProfit.String()
	}

	if err := r.db.Create(&record).Error; err != nil {
		return fmt.Errorf("db: record execution result: %w", err)
	}
	return nil
}

// RecordRiskState persists a risk-state snapshot for one chain.
func (r *MySQLRecorder) RecordRiskState(state engine.RiskState) error {
	record := RiskStateRecord{
		Chain:             state.Chain,
		Drawdown:          string(state.Drawdown),
		ConsecutiveLosses: state.ConsecutiveLosses,
		RecordedAt:        time.Now(),
	}
	if err := r.db.Create(&record).Error; err != nil {
		return fmt.Errorf("db: record risk state: %w", err)
	}
	return nil
}

// LatestExecutionResult returns the most recently recorded execution result
// for an opportunity id.
func (r *MySQLRecorder) LatestExecutionResult(opportunityID string) (*ExecutionResultRecord, error) {
	var record ExecutionResultRecord
	err := r.db.Where("opportunity_id = ?", opportunityID).
		Order("recorded_at DESC").
		First(&record).Error
	if err != nil {
		return nil, fmt.Errorf("db: get latest execution result: %w", err)
	}
	return &record, nil
}

// LatestRiskState returns the most recently recorded risk state for a chain.
func (r *MySQLRecorder) LatestRiskState(chain string) (*RiskStateRecord, error) {
	var record RiskStateRecord
	err := r.db.Where("chain = ?", chain).
		Order("recorded_at DESC").
		First(&record).Error
	if err != nil {
		return nil, fmt.Errorf("db: get latest risk state: %w", err)
	}
	return &record, nil
}

// CountExecutionResults returns the total number of recorded results.
func (r *MySQLRecorder) CountExecutionResults() (int64, error) {
	var count int64
	if err := r.db.Model(&ExecutionResultRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("db: count execution results: %w", err)
	}
	return count, nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("db: get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
