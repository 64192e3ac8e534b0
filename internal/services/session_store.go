package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/pipeline"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/types"
)

// SessionStore owns BuildSession records. Update applies a mutator to the
// pipeline view of one session and persists the result atomically; concurrent
// readers never observe a partial write.
type SessionStore interface {
	Create(ctx context.Context, userID uuid.UUID, name string, odooVersion int) (*types.BuildSession, error)
	Get(ctx context.Context, id uuid.UUID) (*types.BuildSession, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.BuildSession, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(s *pipeline.Session, record *types.BuildSession) error) (*types.BuildSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type sessionStore struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.BuildSessionRepo
}

func NewSessionStore(db *gorm.DB, baseLog *logger.Logger, repo repos.BuildSessionRepo) SessionStore {
	return &sessionStore{
		db:   db,
		log:  baseLog.With("service", "SessionStore"),
		repo: repo,
	}
}

func (s *sessionStore) Create(ctx context.Context, userID uuid.UUID, name string, odooVersion int) (*types.BuildSession, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user id")
	}
	now := time.Now().UTC()
	record := &types.BuildSession{
		ID:              uuid.New(),
		UserID:          userID,
		Name:            name,
		OdooVersion:     odooVersion,
		CurrentStage:    pipeline.StageRequirements.String(),
		CompletedStages: datatypes.JSON([]byte(`[]`)),
		StageData:       datatypes.JSON([]byte(`{}`)),
		Status:          types.SessionStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := s.repo.Create(ctx, nil, []*types.BuildSession{record})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 || created[0] == nil {
		return nil, fmt.Errorf("failed to create session")
	}
	return created[0], nil
}

func (s *sessionStore) Get(ctx context.Context, id uuid.UUID) (*types.BuildSession, error) {
	record, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrSessionNotFound
	}
	return record, nil
}

func (s *sessionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.BuildSession, error) {
	return s.repo.ListByUserID(ctx, nil, userID)
}

func (s *sessionStore) Update(ctx context.Context, id uuid.UUID, mutate func(sess *pipeline.Session, record *types.BuildSession) error) (*types.BuildSession, error) {
	var out *types.BuildSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return ErrSessionNotFound
		}
		sess, err := ToPipelineSession(record)
		if err != nil {
			return err
		}
		if err := mutate(&sess, record); err != nil {
			return err
		}
		if err := ApplyPipelineSession(record, sess); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, tx, record); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	record, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrSessionNotFound
	}
	return s.repo.Delete(ctx, nil, id)
}

// ToPipelineSession decodes a stored record into the controller's value type.
func ToPipelineSession(record *types.BuildSession) (pipeline.Session, error) {
	sess := pipeline.Session{
		ID:        record.ID,
		UserID:    record.UserID,
		Completed: map[pipeline.Stage]bool{},
		Data:      map[pipeline.Stage]json.RawMessage{},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	current, err := pipeline.ParseStage(record.CurrentStage)
	if err != nil {
		return sess, fmt.Errorf("corrupt current stage: %w", err)
	}
	sess.CurrentStage = current

	if len(record.CompletedStages) > 0 {
		var names []string
		if err := json.Unmarshal(record.CompletedStages, &names); err != nil {
			return sess, fmt.Errorf("corrupt completed stages: %w", err)
		}
		for _, name := range names {
			stage, err := pipeline.ParseStage(name)
			if err != nil {
				return sess, fmt.Errorf("corrupt completed stages: %w", err)
			}
			sess.Completed[stage] = true
		}
	}
	if len(record.StageData) > 0 {
		var blob map[string]json.RawMessage
		if err := json.Unmarshal(record.StageData, &blob); err != nil {
			return sess, fmt.Errorf("corrupt stage data: %w", err)
		}
		for name, raw := range blob {
			stage, err := pipeline.ParseStage(name)
			if err != nil {
				return sess, fmt.Errorf("corrupt stage data: %w", err)
			}
			sess.Data[stage] = raw
		}
	}
	return sess, nil
}

// ApplyPipelineSession writes the controller's view back onto the record.
func ApplyPipelineSession(record *types.BuildSession, sess pipeline.Session) error {
	names := make([]string, 0, len(sess.Completed))
	for _, stage := range sess.CompletedStages() {
		names = append(names, stage.String())
	}
	completedRaw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	blob := make(map[string]json.RawMessage, len(sess.Data))
	for stage, raw := range sess.Data {
		blob[stage.String()] = raw
	}
	dataRaw, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	record.CurrentStage = sess.CurrentStage.String()
	record.CompletedStages = datatypes.JSON(completedRaw)
	record.StageData = datatypes.JSON(dataRaw)
	record.UpdatedAt = sess.UpdatedAt
	return nil
}
