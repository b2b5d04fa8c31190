package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// entryRecord is the gorm model backing SQLiteStore. Seq preserves enqueue
// order even when entries share a timestamp.
type entryRecord struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement"`
	ID             string    `gorm:"uniqueIndex;size:36;not null"`
	Type           string    `gorm:"size:64;not null"`
	Payload        []byte    `gorm:"not null"`
	IdempotencyKey string    `gorm:"size:64;not null"`
	Attempts       int       `gorm:"not null;default:0"`
	EnqueuedAt     time.Time `gorm:"not null"`
}

// TableName names the pending-event table.
func (entryRecord) TableName() string { return "pending_events" }

// SQLiteStore is a Store backed by a local SQLite database, so queued
// events survive process crashes and restarts. The driver is pure Go; no
// cgo toolchain is needed on the client.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the pending-event table. Use "file::memory:" for an ephemeral
// database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes the entry in a transaction. On error nothing is persisted.
func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) error {
	record := entryRecord{
		ID:             entry.ID,
		Type:           entry.Type,
		Payload:        entry.Payload,
		IdempotencyKey: entry.IdempotencyKey,
		Attempts:       entry.Attempts,
		EnqueuedAt:     entry.EnqueuedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&record).Error
	})
}

// Oldest returns the earliest pending entry.
func (s *SQLiteStore) Oldest(ctx context.Context) (*Entry, error) {
	var record entryRecord
	err := s.db.WithContext(ctx).Order("seq asc").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:             record.ID,
		Type:           record.Type,
		Payload:        record.Payload,
		IdempotencyKey: record.IdempotencyKey,
		Attempts:       record.Attempts,
		EnqueuedAt:     record.EnqueuedAt,
	}, nil
}

// MarkAttempt records a failed delivery attempt.
func (s *SQLiteStore) MarkAttempt(ctx context.Context, id string, attempts int) error {
	result := s.db.WithContext(ctx).
		Model(&entryRecord{}).
		Where("id = ?", id).
		Update("attempts", attempts)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Delete removes a settled entry.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&entryRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Stats returns the pending count and total payload bytes.
func (s *SQLiteStore) Stats(ctx context.Context) (int, int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&entryRecord{}).Count(&count).Error; err != nil {
		return 0, 0, err
	}
	var bytes int64
	err := s.db.WithContext(ctx).
		Model(&entryRecord{}).
		Select("COALESCE(SUM(LENGTH(payload)), 0)").
		Scan(&bytes).Error
	if err != nil {
		return 0, 0, err
	}
	return int(count), bytes, nil
}
