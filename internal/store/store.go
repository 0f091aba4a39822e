// Package store is the daemon's optional write-only audit trail: closed
// trades and position transition history persisted via gorm, never read
// back into in-memory decision state (spec §6 — external, non-required).
package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"whalecopy/internal/types"
)

// Store wraps a gorm connection to either sqlite (default) or postgres
// (when DATABASE_URL is set).
type Store struct {
	db *gorm.DB
}

// ClosedTrade is the persisted record of one completed position.
type ClosedTrade struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index"`
	TokenID    string `gorm:"index"`
	MarketID   string
	Side       string
	EntryCents int
	ExitCents  int
	SizeUsd    decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnLCents   int
	PnLUsd     decimal.Decimal `gorm:"type:decimal(20,6)"`
	IsWin      bool
	HedgeCount int
	ClosedAt   time.Time
	CreatedAt  time.Time
}

func (ClosedTrade) TableName() string { return "closed_trades" }

// TransitionRecord is one persisted state-machine transition, mirroring
// types.TransitionLogEntry for external reporting.
type TransitionRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index"`
	FromState  string
	ToState    string
	Reason     string
	PnLCents   int
	Timestamp  time.Time
	CreatedAt  time.Time
}

func (TransitionRecord) TableName() string { return "position_transitions" }

// New opens dbURL (postgres:// / postgresql:// connection string) or falls
// back to a sqlite file at sqlitePath, and migrates the schema.
func New(dbURL, sqlitePath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("store: connected (postgres)")
	} else {
		dir := filepath.Dir(sqlitePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", sqlitePath).Msg("store: connected (sqlite)")
	}

	if err := db.AutoMigrate(&ClosedTrade{}, &TransitionRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// RecordClosedTrade persists a terminal position snapshot.
func (s *Store) RecordClosedTrade(pos types.ManagedPosition) error {
	var closedAt time.Time
	if n := len(pos.TransitionLog); n > 0 {
		closedAt = pos.TransitionLog[n-1].Timestamp
	}
	row := ClosedTrade{
		PositionID: pos.ID,
		TokenID:    pos.TokenID,
		MarketID:   pos.MarketID,
		Side:       string(pos.Side),
		EntryCents: pos.EntryPriceCents,
		ExitCents:  pos.CurrentPriceCents,
		SizeUsd:    pos.EntrySizeUsd,
		PnLCents:   pos.UnrealizedPnLCents,
		PnLUsd:     pos.UnrealizedPnLUsd,
		IsWin:      pos.UnrealizedPnLCents > 0,
		HedgeCount: len(pos.Hedges),
		ClosedAt:   closedAt,
	}
	return s.db.Create(&row).Error
}

// RecordTransition persists one transition-log entry for external reporting.
func (s *Store) RecordTransition(positionID string, entry types.TransitionLogEntry) error {
	row := TransitionRecord{
		PositionID: positionID,
		FromState:  string(entry.From),
		ToState:    string(entry.To),
		Reason:     entry.Reason,
		PnLCents:   entry.PnLCents,
		Timestamp:  entry.Timestamp,
	}
	return s.db.Create(&row).Error
}

// RecentClosedTrades returns the most recent n closed trades, newest first,
// for external reporting.
func (s *Store) RecentClosedTrades(n int) ([]ClosedTrade, error) {
	var rows []ClosedTrade
	err := s.db.Order("closed_at desc").Limit(n).Find(&rows).Error
	return rows, err
}
