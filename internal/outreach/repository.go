package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SendRecord is one outbound email sent by the outreach product.
type SendRecord struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"index:idx_send_records_user_thread;uniqueIndex:idx_send_records_user_remote;not null" json:"user_id"`
	ThreadID        string    `gorm:"index:idx_send_records_user_thread;not null" json:"thread_id"`
	RemoteMessageID string    `gorm:"uniqueIndex:idx_send_records_user_remote;not null" json:"remote_message_id"`
	Recipient       string    `json:"recipient"`
	Subject         string    `json:"subject"`
	SentAt          time.Time `json:"sent_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName pins the table name shared with the outreach service.
func (SendRecord) TableName() string {
	return "send_records"
}

// Open connects to the send-record database. driver is "postgres" or
// "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported outreach driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open outreach database: %w", err)
	}
	if err := db.AutoMigrate(&SendRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate send records: %w", err)
	}
	return db, nil
}

// Repository reads and writes send records.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new send-record repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ThreadHasSendRecord reports whether the user sent anything on the thread.
func (r *Repository) ThreadHasSendRecord(ctx context.Context, userID, threadID string) (bool, error) {
	var record SendRecord
	err := r.db.WithContext(ctx).
		Select("id").
		Where("user_id = ? AND thread_id = ?", userID, threadID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FindByRemoteMessageID returns the id of the send record that produced the
// provider message, if any.
func (r *Repository) FindByRemoteMessageID(ctx context.Context, userID, messageID string) (string, bool, error) {
	var record SendRecord
	err := r.db.WithContext(ctx).
		Select("id").
		Where("user_id = ? AND remote_message_id = ?", userID, messageID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return record.ID, true, nil
}

// Record stores a send record, assigning an id and send time when missing.
func (r *Repository) Record(ctx context.Context, record *SendRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.SentAt.IsZero() {
		record.SentAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(record).Error
}
