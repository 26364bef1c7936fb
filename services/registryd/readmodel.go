package registryd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nagare/core/events"
	"nagare/native/agreement"
)

// CompletedCheckpoint is one paid checkpoint in the SQL read model.
type CompletedCheckpoint struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	AgreementID  uint64    `gorm:"uniqueIndex:idx_agreement_checkpoint;not null" json:"agreementId"`
	CheckpointID uint64    `gorm:"uniqueIndex:idx_agreement_checkpoint;not null" json:"checkpointId"`
	Receiver     string    `gorm:"size:128" json:"receiver"`
	Amount       string    `gorm:"size:80;not null" json:"amount"`
	CreatedAt    time.Time `json:"recordedAt"`
}

// AgreementTermination records the final release of an agreement.
type AgreementTermination struct {
	AgreementID uint64    `gorm:"primaryKey;autoIncrement:false" json:"agreementId"`
	Receiver    string    `gorm:"size:128" json:"receiver"`
	Released    string    `gorm:"size:80;not null" json:"released"`
	CreatedAt   time.Time `json:"recordedAt"`
}

// ReadModel projects registry events into SQL tables for list queries.
type ReadModel struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenReadModel connects to dsn. postgres:// DSNs use the Postgres driver;
// anything else is treated as a SQLite path.
func OpenReadModel(dsn string, logger *slog.Logger) (*ReadModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("registryd: read model dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open read model: %w", err)
	}
	if err := db.AutoMigrate(&CompletedCheckpoint{}, &AgreementTermination{}); err != nil {
		return nil, fmt.Errorf("migrate read model: %w", err)
	}
	return &ReadModel{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (m *ReadModel) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Projection failures are logged; the
// registry remains the source of truth and Rebuild restores the tables.
func (m *ReadModel) Emit(evt events.Event) {
	var err error
	switch e := evt.(type) {
	case events.CheckpointCompleted:
		rendered := e.Event()
		err = m.insertCheckpoint(context.Background(), CompletedCheckpoint{
			AgreementID:  e.AgreementID,
			CheckpointID: e.CheckpointID,
			Receiver:     rendered.Attributes["receiver"],
			Amount:       rendered.Attributes["amount"],
		})
	case events.AgreementTerminated:
		rendered := e.Event()
		err = m.insertTermination(context.Background(), AgreementTermination{
			AgreementID: e.AgreementID,
			Receiver:    rendered.Attributes["receiver"],
			Released:    rendered.Attributes["released"],
		})
	default:
		return
	}
	if err != nil {
		m.logger.Error("read model projection failed", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

func (m *ReadModel) insertCheckpoint(ctx context.Context, row CompletedCheckpoint) error {
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (m *ReadModel) insertTermination(ctx context.Context, row AgreementTermination) error {
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Completed lists the paid checkpoints of an agreement in checkpoint order.
func (m *ReadModel) Completed(ctx context.Context, agreementID uint64) ([]CompletedCheckpoint, error) {
	var rows []CompletedCheckpoint
	err := m.db.WithContext(ctx).
		Where("agreement_id = ?", agreementID).
		Order("checkpoint_id asc").
		Find(&rows).Error
	return rows, err
}

// Termination returns the termination row of an agreement, if any.
func (m *ReadModel) Termination(ctx context.Context, agreementID uint64) (*AgreementTermination, bool, error) {
	var row AgreementTermination
	err := m.db.WithContext(ctx).Where("agreement_id = ?", agreementID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

// AgreementSource is the registry view Rebuild replays from.
type AgreementSource interface {
	Count() (uint64, error)
	Agreement(id uint64) (*agreement.Record, error)
}

// Rebuild replays every stored record into the tables. Existing rows are
// kept, so it is safe to run on every start.
func (m *ReadModel) Rebuild(ctx context.Context, source AgreementSource) error {
	count, err := source.Count()
	if err != nil {
		return err
	}
	for id := uint64(0); id < count; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := source.Agreement(id)
		if err != nil {
			return fmt.Errorf("load agreement %d: %w", id, err)
		}
		for _, cid := range rec.Completed {
			m.Emit(events.CheckpointCompleted{
				AgreementID:  rec.ID,
				CheckpointID: cid,
				Receiver:     rec.Terms.Receiver,
				Amount:       rec.Terms.CheckpointSizes[cid],
			})
		}
		if rec.Terminated {
			m.Emit(events.AgreementTerminated{
				AgreementID: rec.ID,
				Receiver:    rec.Terms.Receiver,
				Released:    rec.TerminationRelease,
			})
		}
	}
	return nil
}
