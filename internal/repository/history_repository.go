package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bg-remover/internal/logging"
	"github.com/example/bg-remover/internal/workflow"
)

// ActionLog represents one persisted workflow action outcome.
type ActionLog struct {
	ID                 uint      `gorm:"primaryKey"`
	RequestID          string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID          string    `gorm:"column:session_id;index;size:64"`
	UserID             string    `gorm:"column:user_id;index;size:64"`
	Action             string    `gorm:"column:action;size:16"`
	ImageID            string    `gorm:"column:image_id;size:255"`
	ProcessedReference string    `gorm:"column:processed_reference;size:255"`
	Success            bool      `gorm:"column:success"`
	Error              string    `gorm:"column:error;type:text"`
	DurationMs         int64     `gorm:"column:duration_ms"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ActionLog) TableName() string {
	return "workflow_action_logs"
}

// HistoryRepository provides persistence APIs for action logs.
type HistoryRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Open connects to Postgres and tunes the pool.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("repository.open", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("repository.open", "", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("repository.ping", "", err)
	}
	return db, nil
}

// NewHistoryRepository creates a new repository instance.
func NewHistoryRepository(db *gorm.DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:             db,
		logger:         logger.Named("history_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *HistoryRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ActionLog{})
	})
}

// SaveLog persists an action log entry.
func (r *HistoryRepository) SaveLog(ctx context.Context, log *ActionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListByUser returns the most recent entries for userID, newest first.
func (r *HistoryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]ActionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var logs []ActionLog
	err := r.executeWithRetry(ctx, "repository.list_by_user", "", func() error {
		query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
		if userID != "" {
			query = query.Where("user_id = ?", userID)
		}
		return query.Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *HistoryRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

// LogSaver is the persistence operation the recorder needs.
type LogSaver interface {
	SaveLog(ctx context.Context, log *ActionLog) error
}

// Recorder adapts a LogSaver to workflow.Recorder for one user.
type Recorder struct {
	saver  LogSaver
	userID string
	logger *zap.Logger
}

var _ workflow.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder that attributes entries to userID.
func NewRecorder(saver LogSaver, userID string, logger *zap.Logger) *Recorder {
	return &Recorder{saver: saver, userID: userID, logger: logger.Named("history")}
}

// Record persists event. Failures are logged and dropped.
func (r *Recorder) Record(ctx context.Context, event workflow.Event) {
	entry := &ActionLog{
		RequestID:          event.RequestID,
		SessionID:          event.SessionID,
		UserID:             r.userID,
		Action:             event.Action,
		ImageID:            event.ImageID,
		ProcessedReference: event.ProcessedReference,
		Success:            event.Success,
		Error:              event.Error,
		DurationMs:         event.Duration.Milliseconds(),
		CreatedAt:          event.At,
	}
	if err := r.saver.SaveLog(ctx, entry); err != nil {
		logging.WithOperation(r.logger, "history.record", event.SessionID).
			Warn("failed to record action", zap.Error(err), zap.String("action", event.Action))
	}
}
