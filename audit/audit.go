// Package audit persists withdrawal authorization decisions for compliance
// review. Recording is strictly observational: an audit failure is logged
// and never fails the authorization that produced it.
package audit

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Entry is one recorded authorization decision.
type Entry struct {
	ID        uint      `gorm:"primaryKey"`
	Account   string    `gorm:"column:account;index"`
	Currency  string    `gorm:"column:currency"`
	Class     string    `gorm:"column:class"`
	Amount    int64     `gorm:"column:amount"`
	Code      string    `gorm:"column:code"`
	Factor    string    `gorm:"column:factor"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// Recorder accepts authorization decisions.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Noop discards every entry.
type Noop struct{}

// Record implements Recorder.Record.
func (Noop) Record(ctx context.Context, e Entry) error { return nil }

const (
	defaultTableName = "gatekeep_decisions"
	defaultOpTimeout = 5 * time.Second
)

// GormRecorder implements Recorder using a GORM backend.
type GormRecorder struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormRecorder.
type GormOption func(*GormRecorder)

// WithTableName overrides the decision table name.
func WithTableName(name string) GormOption {
	return func(r *GormRecorder) {
		if name != "" {
			r.tableName = name
		}
	}
}

// WithTimeout overrides the per-operation timeout.
func WithTimeout(d time.Duration) GormOption {
	return func(r *GormRecorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewGormRecorder returns a GormRecorder, migrating the decision table.
func NewGormRecorder(db *gorm.DB, opts ...GormOption) (*GormRecorder, error) {
	r := &GormRecorder{db: db, tableName: defaultTableName, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if err := db.Table(r.tableName).AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Record implements Recorder.Record.
func (r *GormRecorder) Record(ctx context.Context, e Entry) error {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(opCtx).Table(r.tableName).Create(&e).Error
}

// Recent returns up to limit most recent entries for one account.
func (r *GormRecorder) Recent(ctx context.Context, account string, limit int) ([]Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var out []Entry
	err := r.db.WithContext(opCtx).Table(r.tableName).
		Where("account = ?", account).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

var _ Recorder = (*GormRecorder)(nil)
