package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/pipeline"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/types"
)

func newTestStore(t *testing.T) SessionStore {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := db.AutoMigrate(&types.BuildSession{}); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return NewSessionStore(db, log, repos.NewBuildSessionRepo(db, log))
}

func TestSessionStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	record, err := store.Create(ctx, userID, "Fleet Maintenance", 17)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if record.CurrentStage != pipeline.StageRequirements.String() {
		t.Fatalf("new session stage: %s", record.CurrentStage)
	}

	controller := pipeline.NewController(pipeline.NewRegistry())
	updated, err := store.Update(ctx, record.ID, func(sess *pipeline.Session, rec *types.BuildSession) error {
		next, aErr := controller.Advance(*sess, pipeline.StageRequirements,
			pipeline.RequirementsData{Text: "Track vehicle maintenance"}, time.Now().UTC())
		if aErr != nil {
			return aErr
		}
		*sess = next
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CurrentStage != pipeline.StageSpecification.String() {
		t.Fatalf("stage after advance: %s", updated.CurrentStage)
	}

	// A fresh read decodes back to the same pipeline state.
	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sess, err := ToPipelineSession(got)
	if err != nil {
		t.Fatalf("ToPipelineSession: %v", err)
	}
	if !sess.IsCompleted(pipeline.StageRequirements) {
		t.Fatalf("requirements not completed after reload")
	}
	var reqs pipeline.RequirementsData
	ok, err := sess.StageData(pipeline.StageRequirements, &reqs)
	if err != nil || !ok {
		t.Fatalf("stage data read: ok=%v err=%v", ok, err)
	}
	if reqs.Text != "Track vehicle maintenance" {
		t.Fatalf("stage data round trip: %q", reqs.Text)
	}
}

func TestSessionStoreUpdateRollsBackOnMutatorError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.Create(ctx, uuid.New(), "Fleet Maintenance", 17)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("boom")
	_, err = store.Update(ctx, record.ID, func(sess *pipeline.Session, rec *types.BuildSession) error {
		rec.Status = types.SessionStatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("mutator error not surfaced: %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.SessionStatusDraft {
		t.Fatalf("failed update leaked: status=%s", got.Status)
	}
}

func TestSessionStoreGetUnknownID(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}
