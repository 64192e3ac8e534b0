package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
)

type BuildSessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sessions []*types.BuildSession) ([]*types.BuildSession, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildSession, error)
	// LockByID loads the row under a row lock when the driver supports one.
	// Callers must hold a transaction.
	LockByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildSession, error)
	ListByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.BuildSession, error)
	Save(ctx context.Context, tx *gorm.DB, session *types.BuildSession) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type buildSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBuildSessionRepo(db *gorm.DB, baseLog *logger.Logger) BuildSessionRepo {
	return &buildSessionRepo{db: db, log: baseLog.With("repo", "BuildSessionRepo")}
}

func (r *buildSessionRepo) Create(ctx context.Context, tx *gorm.DB, sessions []*types.BuildSession) ([]*types.BuildSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(sessions) == 0 {
		return []*types.BuildSession{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *buildSessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var session types.BuildSession
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (r *buildSessionRepo) LockByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildSession, error) {
	if tx == nil {
		return nil, errors.New("LockByID requires a transaction")
	}
	if id == uuid.Nil {
		return nil, nil
	}
	q := tx.WithContext(ctx)
	// sqlite serializes writers on its own and rejects FOR UPDATE.
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var session types.BuildSession
	err := q.Where("id = ?", id).Limit(1).Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (r *buildSessionRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.BuildSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BuildSession
	if userID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildSessionRepo) Save(ctx context.Context, tx *gorm.DB, session *types.BuildSession) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if session == nil || session.ID == uuid.Nil {
		return errors.New("missing session id")
	}
	return transaction.WithContext(ctx).Save(session).Error
}

func (r *buildSessionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&types.BuildSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *buildSessionRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.BuildSession{}).Error
}
